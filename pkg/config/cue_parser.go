package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser parses CUE manifests and checks them against the #Manifest schema.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser sharing the registry's context.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &CUEParser{
		ctx:     schemas.Context(),
		schemas: schemas,
	}
}

// Parse loads a CUE file, or a directory as a CUE package, and returns the
// manifest as plain data. Problems are returned as validation errors with
// source positions.
func (cp *CUEParser) Parse(source string) (map[string]interface{}, []ValidationError) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, []ValidationError{{File: source, Message: err.Error(), Severity: "error"}}
	}

	var val cue.Value
	var errs []ValidationError
	if info.IsDir() {
		val, errs = cp.loadDirectory(source)
	} else {
		val, errs = cp.loadFile(source)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return cp.extract(val, source)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (map[string]interface{}, []ValidationError) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}
	return cp.extract(val, "inline")
}

func (cp *CUEParser) extract(val cue.Value, source string) (map[string]interface{}, []ValidationError) {
	schema, ok := cp.schemas.GetSchema("Manifest")
	if !ok {
		return nil, []ValidationError{{File: source, Message: "manifest schema not registered", Severity: "error"}}
	}

	unified := val.Unify(schema)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	var raw map[string]interface{}
	if err := unified.Decode(&raw); err != nil {
		return nil, []ValidationError{{
			File:     source,
			Message:  fmt.Sprintf("failed to decode manifest: %v", err),
			Severity: "error",
		}}
	}
	return raw, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
