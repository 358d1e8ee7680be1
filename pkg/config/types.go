package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// ManifestConfig is a manifest as written by the operator, before includes
// and conditions are resolved.
type ManifestConfig struct {
	// Root is the destination root relative paths are resolved against.
	Root string `json:"root,omitempty"`

	// Service is the systemd unit restarted after a pass.
	Service string `json:"service,omitempty"`

	// Include lists glob patterns of further manifests, relative to this file.
	Include []string `json:"include,omitempty"`

	// Descriptors in declared order.
	Descriptors []DescriptorConfig `json:"descriptors,omitempty" validate:"dive"`
}

// DescriptorConfig is one declared descriptor.
type DescriptorConfig struct {
	Key         string   `json:"key" validate:"required,max=128"`
	Kind        string   `json:"kind" validate:"required,oneof=ConfigPatch Plugin ModelFile ModelDirectory SystemPackage"`
	Source      string   `json:"source,omitempty" validate:"required_unless=Kind ConfigPatch"`
	Destination string   `json:"destination,omitempty" validate:"required_unless=Kind SystemPackage"`
	SizeHint    int64    `json:"size_hint,omitempty" validate:"gte=0"`
	Checksum    string   `json:"checksum,omitempty" validate:"omitempty,startswith=sha256:|startswith=blake3:"`
	Ref         string   `json:"ref,omitempty"`
	Optional    bool     `json:"optional,omitempty"`
	Requires    []string `json:"requires,omitempty" validate:"dive,required"`
	Expect      []string `json:"expect,omitempty" validate:"dive,required"`

	// When is an expression over host facts. A false result drops the
	// descriptor at load time.
	When string `json:"when,omitempty"`

	Patch     *PatchConfig  `json:"patch,omitempty" validate:"required_if=Kind ConfigPatch"`
	PostFetch *ActionConfig `json:"post_fetch,omitempty"`
}

// PatchConfig is a declared config patch rule.
type PatchConfig struct {
	Type   string   `json:"type" validate:"required,oneof=append rewrite insert-after"`
	Marker string   `json:"marker,omitempty"`
	Line   string   `json:"line,omitempty" validate:"required_unless=Type rewrite"`
	Anchor string   `json:"anchor,omitempty" validate:"required_unless=Type append"`
	Tokens []string `json:"tokens,omitempty" validate:"required_if=Type rewrite,dive,required"`
	Format string   `json:"format,omitempty" validate:"omitempty,oneof=env"`
}

// ActionConfig is a declared post-fetch action.
type ActionConfig struct {
	Command string            `json:"command" validate:"required"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Timeout is a Go duration string such as "20m".
	Timeout string `json:"timeout,omitempty"`
}

// ValidationError is one problem found while loading a manifest.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError carries every problem found in a manifest.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("manifest %s: %s", e.Source, e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("manifest %s: %d errors:\n  %s", e.Source, len(e.Errors), strings.Join(msgs, "\n  "))
}

// ToDescriptor converts the declared form into an engine descriptor.
func (d DescriptorConfig) ToDescriptor() (engine.Descriptor, error) {
	desc := engine.Descriptor{
		Key:         d.Key,
		Kind:        engine.Kind(d.Kind),
		Source:      d.Source,
		Destination: d.Destination,
		SizeHint:    d.SizeHint,
		Checksum:    d.Checksum,
		Ref:         d.Ref,
		Required:    !d.Optional,
		Requires:    d.Requires,
		Expect:      d.Expect,
	}

	if d.Patch != nil {
		desc.Patch = &engine.PatchRule{
			Type:   engine.PatchType(d.Patch.Type),
			Marker: d.Patch.Marker,
			Line:   d.Patch.Line,
			Anchor: d.Patch.Anchor,
			Tokens: d.Patch.Tokens,
			Format: d.Patch.Format,
		}
	}

	if d.PostFetch != nil {
		action := &engine.Action{
			Command: d.PostFetch.Command,
			Args:    d.PostFetch.Args,
			Dir:     d.PostFetch.Dir,
			Env:     d.PostFetch.Env,
		}
		if d.PostFetch.Timeout != "" {
			timeout, err := time.ParseDuration(d.PostFetch.Timeout)
			if err != nil {
				return desc, fmt.Errorf("post_fetch.timeout: %w", err)
			}
			action.Timeout = timeout
		}
		desc.PostFetch = action
	}

	return desc, nil
}
