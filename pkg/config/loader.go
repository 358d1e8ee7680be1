package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// Loader reads manifests in any supported format and produces a validated
// engine.Manifest.
type Loader struct {
	schemas   *SchemaRegistry
	cue       *CUEParser
	starlark  *StarlarkEvaluator
	validator *validator.Validate
	facts     map[string]any
	logger    zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFacts sets the host facts visible to `when` conditions and Starlark
// manifests.
func WithFacts(env map[string]any) LoaderOption {
	return func(l *Loader) {
		l.facts = env
	}
}

// WithSchemaRegistry replaces the built-in schema registry.
func WithSchemaRegistry(sr *SchemaRegistry) LoaderOption {
	return func(l *Loader) {
		l.schemas = sr
	}
}

// NewLoader creates a manifest loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		validator: newValidator(),
		logger:    logger.With().Str("component", "config").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.schemas == nil {
		l.schemas = NewSchemaRegistry()
	}
	l.cue = NewCUEParser(l.schemas)
	l.starlark = NewStarlarkEvaluator(0, l.logger)
	return l
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads the manifest at path, resolves its includes and conditions and
// returns the validated result. Problems in the file itself are returned as
// a *LoadError.
func (l *Loader) Load(ctx context.Context, path string) (*engine.Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest path: %w", err)
	}

	cfg, err := l.loadTree(ctx, abs, map[string]bool{})
	if err != nil {
		return nil, err
	}

	descriptors, err := l.applyConditions(abs, cfg.Descriptors)
	if err != nil {
		return nil, err
	}
	cfg.Descriptors = descriptors

	if errs := l.validateStruct(abs, cfg); len(errs) > 0 {
		return nil, &LoadError{Source: abs, Errors: errs}
	}

	m := &engine.Manifest{
		Root:        cfg.Root,
		Service:     cfg.Service,
		Source:      abs,
		Descriptors: make([]engine.Descriptor, 0, len(cfg.Descriptors)),
	}
	for i, dc := range cfg.Descriptors {
		d, err := dc.ToDescriptor()
		if err != nil {
			return nil, &LoadError{Source: abs, Errors: []ValidationError{{
				File:     abs,
				Path:     fmt.Sprintf("descriptors[%d]", i),
				Message:  err.Error(),
				Severity: "error",
			}}}
		}
		m.Descriptors = append(m.Descriptors, d)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("source", abs).
		Int("descriptors", len(m.Descriptors)).
		Msg("Manifest loaded")

	return m, nil
}

// ParseFile decodes one manifest file without following includes, checked
// against the #Manifest schema.
func (l *Loader) ParseFile(ctx context.Context, path string) (*ManifestConfig, error) {
	raw, errs := l.parseRaw(ctx, path)
	if len(errs) > 0 {
		return nil, &LoadError{Source: path, Errors: errs}
	}

	var cfg ManifestConfig
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{Source: path, Errors: []ValidationError{{
			File:     path,
			Message:  err.Error(),
			Severity: "error",
		}}}
	}
	return &cfg, nil
}

func (l *Loader) loadTree(ctx context.Context, path string, visiting map[string]bool) (*ManifestConfig, error) {
	if visiting[path] {
		return nil, fmt.Errorf("manifest include cycle at %s", path)
	}
	visiting[path] = true
	defer delete(visiting, path)

	cfg, err := l.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(cfg.Include) == 0 {
		return cfg, nil
	}

	baseDir := filepath.Dir(path)
	var included []DescriptorConfig
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q in %s: %w", pattern, path, err)
		}
		if len(matches) == 0 {
			l.logger.Warn().Str("pattern", pattern).Str("source", path).Msg("Include pattern matched no files")
			continue
		}
		sort.Strings(matches)

		for _, match := range matches {
			child, err := l.loadTree(ctx, match, visiting)
			if err != nil {
				return nil, err
			}
			included = append(included, child.Descriptors...)
			if cfg.Root == "" {
				cfg.Root = child.Root
			}
			if cfg.Service == "" {
				cfg.Service = child.Service
			}
		}
	}

	cfg.Descriptors = append(included, cfg.Descriptors...)
	cfg.Include = nil
	return cfg, nil
}

func (l *Loader) parseRaw(ctx context.Context, path string) (map[string]any, []ValidationError) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
	}
	if info.IsDir() {
		return l.cue.Parse(path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".cue" {
		return l.cue.Parse(path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
	}

	var raw map[string]any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return nil, []ValidationError{yamlError(path, err)}
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(content), &raw); err != nil {
			return nil, []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
		}
	case ".star":
		raw, err = l.evalStarlark(ctx, path, string(content))
		if err != nil {
			return nil, []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
		}
	default:
		return nil, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("unsupported manifest format %q", ext),
			Severity: "error",
		}}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	normalized, _ := normalizeNumbers(raw).(map[string]any)
	if err := l.schemas.ValidateAgainstSchema(ctx, "Manifest", normalized); err != nil {
		errs := l.cue.convertCUEErrors(err)
		for i := range errs {
			errs[i].File = path
		}
		return nil, errs
	}
	return normalized, nil
}

// evalStarlark runs a .star manifest. The script binds either `manifest`, a
// dict in manifest shape, or `descriptors` plus optional `root`, `service`
// and `include` globals.
func (l *Loader) evalStarlark(ctx context.Context, path, script string) (map[string]any, error) {
	input := map[string]interface{}{}
	if l.facts != nil {
		input["facts"] = l.facts
	} else {
		input["facts"] = map[string]interface{}{}
	}

	result, err := l.starlark.Evaluate(ctx, path, script, input)
	if err != nil {
		return nil, err
	}

	if m, ok := result.Output["manifest"]; ok {
		dict, ok := m.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("manifest must be a dict, got %T", m)
		}
		return dict, nil
	}

	descriptors, ok := result.Output["descriptors"]
	if !ok {
		return nil, errors.New("script must define `manifest` or `descriptors`")
	}
	raw := map[string]any{"descriptors": descriptors}
	for _, name := range []string{"root", "service", "include"} {
		if v, ok := result.Output[name]; ok {
			raw[name] = v
		}
	}
	return raw, nil
}

// applyConditions drops descriptors whose `when` expression is false.
func (l *Loader) applyConditions(source string, descriptors []DescriptorConfig) ([]DescriptorConfig, error) {
	out := make([]DescriptorConfig, 0, len(descriptors))
	for _, d := range descriptors {
		if d.When == "" {
			out = append(out, d)
			continue
		}
		if l.facts == nil {
			return nil, fmt.Errorf("descriptor %s: when condition needs host facts", d.Key)
		}

		program, err := expr.Compile(d.When, expr.Env(l.facts), expr.AsBool())
		if err != nil {
			return nil, &LoadError{Source: source, Errors: []ValidationError{{
				File:     source,
				Path:     d.Key + ".when",
				Message:  err.Error(),
				Severity: "error",
			}}}
		}
		result, err := expr.Run(program, l.facts)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: evaluating when: %w", d.Key, err)
		}
		if keep, _ := result.(bool); !keep {
			l.logger.Info().Str("key", d.Key).Str("when", d.When).Msg("Descriptor excluded by condition")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (l *Loader) validateStruct(source string, cfg *ManifestConfig) []ValidationError {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{File: source, Message: err.Error(), Severity: "error"}}
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		errs = append(errs, ValidationError{
			File:     source,
			Path:     path,
			Message:  msg,
			Severity: "error",
		})
	}
	return errs
}

// normalizeNumbers turns integral float64 values produced by JSON decoding
// into int64 so they satisfy int constraints.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case int:
		return int64(val)
	default:
		return v
	}
}

func yamlError(path string, err error) ValidationError {
	ve := ValidationError{File: path, Message: err.Error(), Severity: "error"}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		ve.Message = strings.Join(typeErr.Errors, "; ")
	}
	return ve
}
