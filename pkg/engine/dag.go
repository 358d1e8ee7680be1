package engine

import (
	"fmt"
	"sort"
	"strings"
)

// OrderBuilder orders descriptors by their declared prerequisites.
// Without prerequisites the result is exactly manifest order; when several
// descriptors are ready at once the one declared first runs first.
type OrderBuilder struct {
	// index maps descriptor keys to their manifest position
	index map[string]int

	// descriptors in manifest order
	descriptors []Descriptor

	// dependents maps a key to the keys that require it
	dependents map[string][]string

	// inDegree tracks the number of unmet prerequisites for each key
	inDegree map[string]int
}

// NewOrderBuilder creates a new order builder.
func NewOrderBuilder() *OrderBuilder {
	return &OrderBuilder{
		index:      make(map[string]int),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// Order returns the descriptors in execution order.
// It fails on unknown prerequisites and on cycles.
func (b *OrderBuilder) Order(descriptors []Descriptor) ([]Descriptor, error) {
	if len(descriptors) == 0 {
		return []Descriptor{}, nil
	}

	if err := b.initialize(descriptors); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	return b.sort()
}

func (b *OrderBuilder) initialize(descriptors []Descriptor) error {
	b.descriptors = descriptors

	for i, d := range descriptors {
		if d.Key == "" {
			return NewPermanentError(fmt.Sprintf("descriptor #%d has empty key", i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.index[d.Key]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate descriptor key: %s", d.Key), nil).
				WithCode(ErrCodeValidation)
		}
		b.index[d.Key] = i
		b.inDegree[d.Key] = 0
	}

	for _, d := range descriptors {
		seen := make(map[string]bool)
		for _, req := range d.Requires {
			if _, exists := b.index[req]; !exists {
				return NewPermanentError(
					fmt.Sprintf("descriptor %s requires unknown descriptor %s", d.Key, req),
					nil,
				).WithCode(ErrCodeValidation).WithResource(d.Key)
			}
			if seen[req] {
				continue
			}
			seen[req] = true
			b.dependents[req] = append(b.dependents[req], d.Key)
			b.inDegree[d.Key]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular prerequisites.
func (b *OrderBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, d := range b.descriptors {
		if visited[d.Key] {
			continue
		}
		if cycle := b.detectCyclesUtil(d.Key, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

func (b *OrderBuilder) detectCyclesUtil(
	key string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[key] = true
	recStack[key] = true
	path = append(path, key)

	for _, dependent := range b.dependents[key] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, k := range path {
				if k == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[key] = false
	return nil
}

// sort runs Kahn's algorithm, always releasing the ready descriptor with the
// lowest manifest index.
func (b *OrderBuilder) sort() ([]Descriptor, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for k, v := range b.inDegree {
		inDegree[k] = v
	}

	ready := make([]int, 0)
	for i, d := range b.descriptors {
		if inDegree[d.Key] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]Descriptor, 0, len(b.descriptors))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]

		d := b.descriptors[next]
		ordered = append(ordered, d)

		released := false
		for _, dependent := range b.dependents[d.Key] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, b.index[dependent])
				released = true
			}
		}
		if released {
			sort.Ints(ready)
		}
	}

	if len(ordered) != len(b.descriptors) {
		return nil, NewPermanentError("failed to order all descriptors - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return ordered, nil
}

// Graph validates m and renders its prerequisite graph with ToDOT.
func Graph(m *Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	b := NewOrderBuilder()
	if _, err := b.Order(m.Descriptors); err != nil {
		return "", err
	}
	return b.ToDOT(), nil
}

// ToDOT generates a DOT representation of the prerequisite graph for
// visualization with Graphviz. Order must have been called first.
func (b *OrderBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Manifest {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, d := range b.descriptors {
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			d.Key, d.Key, d.Kind, kindColor(d.Kind)))
	}
	sb.WriteString("\n")

	for _, d := range b.descriptors {
		for _, req := range d.Requires {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", req, d.Key))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func kindColor(k Kind) string {
	switch k {
	case KindSystemPackage:
		return "khaki"
	case KindConfigPatch:
		return "lightblue"
	case KindPlugin:
		return "lightgreen"
	case KindModelFile, KindModelDirectory:
		return "lightsalmon"
	default:
		return "white"
	}
}
