package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in manifest
// schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for _, name := range []string{"Manifest", "Descriptor", "Patch", "Action"} {
		if err := sr.RegisterSchema(name, builtinManifestSchema); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles source and registers the definition #name from it.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema source does not define #%s", name)
	}

	sr.schemas[name] = def
	return nil
}

// Context returns the CUE context the schemas were compiled in. Values
// unified with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinManifestSchema = `
// Manifest is the desired state of one GPU inference host.
#Manifest: {
	// Root is the destination root for relative destinations
	root?: string

	// Service is the systemd unit restarted after a pass
	service?: string

	// Include lists glob patterns of further manifests
	include?: [...string]

	descriptors?: [...#Descriptor]
}

#Descriptor: {
	key:  string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
	kind: "ConfigPatch" | "Plugin" | "ModelFile" | "ModelDirectory" | "SystemPackage"

	source?:      string
	destination?: string
	size_hint?:   int & >=0
	checksum?:    =~"^(sha256|blake3):[0-9a-fA-F]+$"
	ref?:         string
	optional?:    bool
	requires?:    [...string]
	expect?:      [...string]
	when?:        string
	patch?:       #Patch
	post_fetch?:  #Action
}

#Patch: {
	type:    "append" | "rewrite" | "insert-after"
	marker?: string
	line?:   string
	anchor?: string
	tokens?: [...string]
	format?: "env"
}

#Action: {
	command:  string & !=""
	args?:    [...string]
	dir?:     string
	env?:     {[string]: string}
	timeout?: =~"^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"
}
`
