package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
)

// ErrCodePatchWrite marks a patch that was computed but could not be written.
// Unlike PATCH_ERROR it fails the descriptor.
const ErrCodePatchWrite = "PATCH_WRITE_FAILED"

// PatchResult is the outcome of applying a rule to file content.
type PatchResult struct {
	// Content is the new file content (equal to the input when unchanged).
	Content string

	// Changed reports whether Content differs from the input.
	Changed bool

	// Warning explains a no-op that was not caused by the rule already being satisfied.
	Warning string
}

// ApplyPatch applies rule to content. It is a pure function: applying the same
// rule to its own output is always a no-op.
func ApplyPatch(rule PatchRule, content string) (PatchResult, error) {
	if err := rule.Validate(); err != nil {
		return PatchResult{Content: content}, err
	}

	if markersPresent(rule, content) {
		return PatchResult{Content: content}, nil
	}

	switch rule.Type {
	case PatchAppend:
		return appendLine(rule, content), nil
	case PatchRewrite:
		return rewriteAnchor(rule, content)
	case PatchInsertAfter:
		return insertAfter(rule, content), nil
	default:
		return PatchResult{Content: content}, fmt.Errorf("unsupported patch type: %s", rule.Type)
	}
}

func markersPresent(rule PatchRule, content string) bool {
	for _, m := range rule.Markers() {
		if !strings.Contains(content, m) {
			return false
		}
	}
	return true
}

func appendLine(rule PatchRule, content string) PatchResult {
	var sb strings.Builder
	sb.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(rule.Line)
	sb.WriteString("\n")
	return PatchResult{Content: sb.String(), Changed: true}
}

func insertAfter(rule PatchRule, content string) PatchResult {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if !strings.Contains(line, rule.Anchor) {
			continue
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:i+1]...)
		out = append(out, rule.Line)
		out = append(out, lines[i+1:]...)
		return PatchResult{Content: strings.Join(out, "\n"), Changed: true}
	}
	return PatchResult{
		Content: content,
		Warning: fmt.Sprintf("anchor %q not found, nothing inserted", rule.Anchor),
	}
}

// rewriteAnchor appends missing tokens to the value of the first KEY=value
// line matching the anchor. A missing anchor is a no-op: keys are never invented.
func rewriteAnchor(rule PatchRule, content string) (PatchResult, error) {
	key := strings.TrimSuffix(rule.Anchor, "=")
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		valueStart, ok := anchorValueStart(line, key)
		if !ok {
			continue
		}

		prefix, raw := line[:valueStart], line[valueStart:]
		quote, value, suffix, err := splitValue(raw)
		if err != nil {
			return PatchResult{Content: content}, fmt.Errorf("line %d: %w", i+1, err)
		}

		updated := value
		for _, token := range rule.Tokens {
			if strings.Contains(updated, token) {
				continue
			}
			if updated != "" && !strings.HasSuffix(updated, " ") {
				updated += " "
			}
			updated += token
		}
		if updated == value {
			return PatchResult{Content: content}, nil
		}

		if quote == "" && strings.ContainsAny(updated, " \t") {
			quote = `"`
		}
		lines[i] = prefix + quote + updated + quote + suffix
		return PatchResult{Content: strings.Join(lines, "\n"), Changed: true}, nil
	}

	return PatchResult{
		Content: content,
		Warning: fmt.Sprintf("anchor %s= not found, rewrite skipped", key),
	}, nil
}

// anchorValueStart returns the offset of the value in a "KEY=value" line,
// allowing leading whitespace and an "export " prefix.
func anchorValueStart(line, key string) (int, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	offset := len(line) - len(trimmed)
	if rest, found := strings.CutPrefix(trimmed, "export "); found {
		trimmed = strings.TrimLeft(rest, " \t")
		offset = len(line) - len(trimmed)
	}
	if !strings.HasPrefix(trimmed, key+"=") {
		return 0, false
	}
	return offset + len(key) + 1, true
}

// splitValue separates a raw value into its quote character, the unquoted
// value and whatever follows the closing quote.
func splitValue(raw string) (quote, value, suffix string, err error) {
	if raw == "" {
		return "", "", "", nil
	}
	if raw[0] == '"' || raw[0] == '\'' {
		q := raw[:1]
		end := strings.Index(raw[1:], q)
		if end < 0 {
			return "", "", "", fmt.Errorf("unterminated %s quote", q)
		}
		return q, raw[1 : 1+end], raw[2+end:], nil
	}
	value = strings.TrimRight(raw, " \t\r")
	return "", value, raw[len(value):], nil
}

// Patcher applies ConfigPatch descriptors to files on disk.
type Patcher struct {
	logger zerolog.Logger
}

// NewPatcher creates a patcher.
func NewPatcher(logger zerolog.Logger) *Patcher {
	return &Patcher{logger: logger.With().Str("component", "patcher").Logger()}
}

// Patch applies the descriptor's rule to its target file with an atomic
// replace. Missing or malformed targets return a PATCH_ERROR, which callers
// treat as a warning.
func (p *Patcher) Patch(ctx context.Context, d Descriptor) (PatchResult, error) {
	if d.Patch == nil {
		return PatchResult{}, NewPatchError("descriptor has no patch rule", nil).WithResource(d.Key)
	}
	if err := ctx.Err(); err != nil {
		return PatchResult{}, err
	}

	info, err := os.Stat(d.Destination)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PatchResult{}, NewPatchError("config file does not exist", err).
				WithResource(d.Key).WithDetail("path", d.Destination)
		}
		return PatchResult{}, NewPatchError("cannot inspect config file", err).
			WithResource(d.Key).WithDetail("path", d.Destination)
	}
	if !info.Mode().IsRegular() {
		return PatchResult{}, NewPatchError("config target is not a regular file", nil).
			WithResource(d.Key).WithDetail("path", d.Destination)
	}

	raw, err := os.ReadFile(d.Destination)
	if err != nil {
		return PatchResult{}, NewPatchError("cannot read config file", err).WithResource(d.Key)
	}
	if err := checkWellFormed(raw, d.Patch.Format); err != nil {
		return PatchResult{}, NewPatchError("config file is malformed", err).
			WithResource(d.Key).WithDetail("path", d.Destination)
	}

	result, err := ApplyPatch(*d.Patch, string(raw))
	if err != nil {
		return PatchResult{}, NewPatchError("cannot apply patch", err).WithResource(d.Key)
	}
	if result.Warning != "" {
		p.logger.Warn().Str("key", d.Key).Str("path", d.Destination).Msg(result.Warning)
	}
	if !result.Changed {
		return result, nil
	}

	if err := checkWellFormed([]byte(result.Content), d.Patch.Format); err != nil {
		return PatchResult{}, NewPatchError("patched content would be malformed", err).WithResource(d.Key)
	}

	if err := atomicfs.WriteFile(d.Destination, []byte(result.Content), info.Mode().Perm()); err != nil {
		return PatchResult{}, NewPermanentError("cannot write config file", err).
			WithCode(ErrCodePatchWrite).
			WithOperation("patch").
			WithResource(d.Key)
	}

	p.logger.Info().Str("key", d.Key).Str("path", d.Destination).Msg("Patched config file")
	return result, nil
}

func checkWellFormed(content []byte, format string) error {
	if bytes.IndexByte(content, 0) >= 0 {
		return fmt.Errorf("file contains NUL bytes")
	}
	if !utf8.Valid(content) {
		return fmt.Errorf("file is not valid UTF-8")
	}
	if format == "env" {
		if _, err := godotenv.Unmarshal(string(content)); err != nil {
			return fmt.Errorf("invalid env file: %w", err)
		}
	}
	return nil
}
