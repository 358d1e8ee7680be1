package engine

import (
	"fmt"
	"path/filepath"
)

// Validate checks the manifest invariants: unique keys, unique destinations,
// valid kinds, complete patch rules and known prerequisites. Several
// ConfigPatch descriptors may edit one file; no other kind may share a
// destination with anything.
func (m *Manifest) Validate() error {
	if m == nil {
		return NewPermanentError("manifest is nil", nil).WithCode(ErrCodeValidation)
	}

	keys := make(map[string]bool, len(m.Descriptors))
	destinations := make(map[string]string, len(m.Descriptors))
	patched := make(map[string]string)

	for i := range m.Descriptors {
		d := &m.Descriptors[i]
		if d.Key == "" {
			return NewPermanentError(fmt.Sprintf("descriptor #%d has empty key", i), nil).
				WithCode(ErrCodeValidation)
		}
		if keys[d.Key] {
			return NewPermanentError(fmt.Sprintf("duplicate descriptor key: %s", d.Key), nil).
				WithCode(ErrCodeValidation).WithResource(d.Key)
		}
		keys[d.Key] = true

		if err := d.Validate(); err != nil {
			return NewPermanentError("invalid descriptor", err).
				WithCode(ErrCodeValidation).WithResource(d.Key)
		}

		if !d.Kind.HasDestination() {
			continue
		}
		dest := filepath.Clean(d.Destination)
		other, exists := destinations[dest]
		if !exists && d.Kind != KindConfigPatch {
			other, exists = patched[dest]
		}
		if exists {
			return NewPermanentError(
				fmt.Sprintf("descriptors %s and %s share destination %s", other, d.Key, dest), nil,
			).WithCode(ErrCodeValidation).WithResource(d.Key)
		}
		if d.Kind == KindConfigPatch {
			if _, seen := patched[dest]; !seen {
				patched[dest] = d.Key
			}
			continue
		}
		destinations[dest] = d.Key
	}

	for _, d := range m.Descriptors {
		for _, req := range d.Requires {
			if !keys[req] {
				return NewPermanentError(
					fmt.Sprintf("descriptor %s requires unknown descriptor %s", d.Key, req), nil,
				).WithCode(ErrCodeValidation).WithResource(d.Key)
			}
		}
	}

	return nil
}

// Validate checks a single descriptor.
func (d *Descriptor) Validate() error {
	if err := d.Kind.Validate(); err != nil {
		return err
	}
	if d.Kind.HasDestination() && d.Destination == "" {
		return fmt.Errorf("%s descriptor requires a destination", d.Kind)
	}
	switch d.Kind {
	case KindConfigPatch:
		if d.Patch == nil {
			return fmt.Errorf("ConfigPatch descriptor requires a patch rule")
		}
		return d.Patch.Validate()
	case KindSystemPackage:
		if d.Source == "" {
			return fmt.Errorf("SystemPackage descriptor requires a package name in source")
		}
	default:
		if d.Source == "" {
			return fmt.Errorf("%s descriptor requires a source locator", d.Kind)
		}
	}
	if len(d.Expect) > 0 && !d.Kind.IsDirectory() {
		return fmt.Errorf("expect is only valid for directory kinds")
	}
	return nil
}

// Validate checks that the rule carries what its type needs.
func (r *PatchRule) Validate() error {
	if err := r.Type.Validate(); err != nil {
		return err
	}
	switch r.Type {
	case PatchAppend:
		if r.Line == "" {
			return fmt.Errorf("append rule requires a line")
		}
	case PatchRewrite:
		if r.Anchor == "" || len(r.Tokens) == 0 {
			return fmt.Errorf("rewrite rule requires an anchor and at least one token")
		}
	case PatchInsertAfter:
		if r.Anchor == "" || r.Line == "" {
			return fmt.Errorf("insert-after rule requires an anchor and a line")
		}
	}
	if r.Format != "" && r.Format != "env" {
		return fmt.Errorf("unsupported patch format: %s", r.Format)
	}
	return nil
}

// Markers returns the substrings whose presence means the rule is satisfied.
func (r *PatchRule) Markers() []string {
	if r.Marker != "" {
		return []string{r.Marker}
	}
	if r.Type == PatchRewrite {
		return r.Tokens
	}
	return []string{r.Line}
}

// Resolved returns a copy of the manifest with relative destinations joined
// onto Root. The receiver is not modified.
func (m *Manifest) Resolved() (*Manifest, error) {
	out := *m
	out.Descriptors = make([]Descriptor, len(m.Descriptors))
	for i, d := range m.Descriptors {
		if d.Kind.HasDestination() && d.Destination != "" && !filepath.IsAbs(d.Destination) {
			if m.Root == "" {
				return nil, NewPermanentError(
					fmt.Sprintf("relative destination %q without a manifest root", d.Destination), nil,
				).WithCode(ErrCodeValidation).WithResource(d.Key)
			}
			d.Destination = filepath.Join(m.Root, d.Destination)
		}
		out.Descriptors[i] = d
	}
	return &out, nil
}

// Lookup returns the descriptor with key.
func (m *Manifest) Lookup(key string) (Descriptor, bool) {
	for _, d := range m.Descriptors {
		if d.Key == key {
			return d, true
		}
	}
	return Descriptor{}, false
}
