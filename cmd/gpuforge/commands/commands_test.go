package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/policy"
	"github.com/openfroyo/gpuforge/pkg/stores"
)

// testEnv is a settings file plus a destination root in a temp directory.
type testEnv struct {
	dir      string
	root     string
	settings string
	stateDB  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range []string{"GPUFORGE_ROOT", "GPUFORGE_SERVICE", "GPUFORGE_STATE_DB"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	dir := t.TempDir()
	env := &testEnv{
		dir:      dir,
		root:     filepath.Join(dir, "srv"),
		settings: filepath.Join(dir, "gpuforge.toml"),
		stateDB:  filepath.Join(dir, "state", "state.db"),
	}
	if err := os.MkdirAll(env.root, 0o755); err != nil {
		t.Fatal(err)
	}

	settings := fmt.Sprintf(`state_db = %q

[logging]
level = "error"

[metrics]
enabled = false
`, env.stateDB)
	env.write(t, env.settings, settings)
	return env
}

func (e *testEnv) write(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the CLI with the test settings and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--settings", e.settings}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		reported bool
	}{
		{name: "success", err: nil, want: ExitOK},
		{name: "required failure", err: &exitError{code: ExitRequiredFailed}, want: ExitRequiredFailed, reported: true},
		{name: "wrapped", err: fmt.Errorf("pass: %w", &exitError{code: ExitRequiredFailed}), want: ExitRequiredFailed, reported: true},
		{name: "abort with cause", err: &exitError{code: ExitAborted, err: errors.New("no root")}, want: ExitAborted},
		{name: "plain error", err: errors.New("unknown flag"), want: ExitAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
			if got := IsReported(tt.err); got != tt.reported {
				t.Errorf("IsReported() = %v, want %v", got, tt.reported)
			}
		})
	}
}

func TestWatchPaths(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.cue")
	policies := filepath.Join(dir, "policies")
	if err := os.MkdirAll(policies, 0o755); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(dir, "extra", "gpu.rego")

	got := watchPaths(manifest, []string{policies, single, filepath.Join(dir, "policies")})
	want := []string{dir, policies, filepath.Join(dir, "extra")}
	if len(got) != len(want) {
		t.Fatalf("watchPaths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("watchPaths()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, []string{"KEY", "OUTCOME", "DETAIL"}, [][]cell{
		{plain("sdxl"), outcomeCell(engine.OutcomeApplied), plain("")},
		{plain("custom-nodes"), outcomeCell(engine.OutcomeFailed), plain("FETCH_ERROR: timeout")},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	for _, want := range []string{"custom-nodes", "failed", "FETCH_ERROR: timeout"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("line %q missing %q", lines[2], want)
		}
	}
	if !strings.Contains(lines[1], "applied") {
		t.Errorf("line %q missing outcome", lines[1])
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &engine.Report{
		RunID:  "run-1",
		Status: engine.RunStatusPartial,
		Results: []engine.DescriptorResult{
			{Key: "sdxl", Kind: engine.KindModelFile, Required: true, Outcome: engine.OutcomeApplied},
			{Key: "listen", Kind: engine.KindConfigPatch, Outcome: engine.OutcomeFailed,
				Reason: "anchor missing", ErrorCode: engine.ErrCodePatch},
		},
		Restart: engine.RestartResult{Service: "comfyui.service", Reason: "a config patch failed"},
		Summary: engine.ReportSummary{Total: 2, Applied: 1, Failed: 1},
	})

	out := buf.String()
	for _, want := range []string{
		"run-1",
		"partial",
		"PATCH_ERROR: anchor missing",
		"comfyui.service",
		"a config patch failed",
		"2 total, 0 already satisfied, 1 applied, 1 failed (0 required), 0 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t)
	model := env.write(t, filepath.Join(env.dir, "cache", "model.bin"), "weights")

	clean := env.write(t, filepath.Join(env.dir, "clean.yaml"), fmt.Sprintf(`root: %s
descriptors:
  - key: model
    kind: ModelFile
    source: %s
    destination: models/model.bin
    checksum: sha256:0000000000000000000000000000000000000000000000000000000000000000
`, env.root, model))

	out, err := env.run(t, "validate", "-m", clean)
	if err != nil {
		t.Fatalf("validate clean manifest: %v", err)
	}
	if !strings.Contains(out, "1 descriptors") {
		t.Errorf("unexpected output:\n%s", out)
	}

	escaping := env.write(t, filepath.Join(env.dir, "escape.yaml"), fmt.Sprintf(`root: %s
descriptors:
  - key: model
    kind: ModelFile
    source: %s
    destination: /opt/elsewhere/model.bin
`, env.root, model))

	out, err = env.run(t, "--json", "validate", "-m", escaping)
	if ExitCode(err) != ExitAborted {
		t.Fatalf("Expected exit %d, got %v", ExitAborted, err)
	}

	var result policy.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if result.Allowed {
		t.Error("Expected manifest to be rejected")
	}
	found := false
	for _, v := range result.Blocking() {
		if v.Policy == "destination-under-root" && v.Key == "model" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected destination-under-root violation, got %+v", result.Violations)
	}
}

func TestValidateCommand_LoadError(t *testing.T) {
	env := newTestEnv(t)
	broken := env.write(t, filepath.Join(env.dir, "broken.yaml"), "descriptors:\n  - key: x\n    kind: Teapot\n")

	_, err := env.run(t, "validate", "-m", broken)
	if ExitCode(err) != ExitAborted {
		t.Fatalf("Expected exit %d, got %v", ExitAborted, err)
	}

	if _, err := env.run(t, "validate"); err == nil {
		t.Error("Expected error without --manifest")
	}
}

func TestPlanCommand(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, filepath.Join(env.root, "models", "present.bin"), "weights")
	env.write(t, filepath.Join(env.root, "launch.env"), "CLI_ARGS=\"--port 8188\"\n")
	source := env.write(t, filepath.Join(env.dir, "cache", "absent.bin"), "weights")

	manifest := env.write(t, filepath.Join(env.dir, "manifest.yaml"), fmt.Sprintf(`root: %s
descriptors:
  - key: present
    kind: ModelFile
    source: %s
    destination: models/present.bin
  - key: absent
    kind: ModelFile
    source: %s
    destination: models/absent.bin
  - key: listen
    kind: ConfigPatch
    destination: launch.env
    patch:
      type: rewrite
      anchor: CLI_ARGS
      tokens: ["--listen"]
`, env.root, source, source))

	out, err := env.run(t, "--json", "plan", "-m", manifest)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var plan engine.Plan
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}

	want := map[string]engine.PlanAction{
		"present": engine.PlanNoop,
		"absent":  engine.PlanFetch,
		"listen":  engine.PlanPatch,
	}
	if len(plan.Entries) != len(want) {
		t.Fatalf("Expected %d entries, got %+v", len(want), plan.Entries)
	}
	for _, e := range plan.Entries {
		if e.Action != want[e.Key] {
			t.Errorf("%s: action = %s, want %s", e.Key, e.Action, want[e.Key])
		}
	}

	if _, err := os.Stat(filepath.Join(env.root, "models", "absent.bin")); !os.IsNotExist(err) {
		t.Error("plan must not fetch")
	}
}

func TestPlanCommand_Dot(t *testing.T) {
	env := newTestEnv(t)
	manifest := env.write(t, filepath.Join(env.dir, "manifest.yaml"), fmt.Sprintf(`root: %s
descriptors:
  - key: base
    kind: ModelFile
    source: https://models.example/base.safetensors
    destination: models/base.safetensors
  - key: lora
    kind: ModelFile
    source: https://models.example/lora.safetensors
    destination: models/lora.safetensors
    requires: [base]
`, env.root))

	out, err := env.run(t, "plan", "-m", manifest, "--dot")
	if err != nil {
		t.Fatalf("plan --dot: %v", err)
	}
	for _, want := range []string{"digraph Manifest", `"base" -> "lora"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestReconcileCommand(t *testing.T) {
	env := newTestEnv(t)
	source := env.write(t, filepath.Join(env.dir, "cache", "model.bin"), "weights")
	env.write(t, filepath.Join(env.root, "launch.env"), "CLI_ARGS=\"--port 8188\"\n")

	manifest := env.write(t, filepath.Join(env.dir, "manifest.yaml"), fmt.Sprintf(`root: %s
descriptors:
  - key: model
    kind: ModelFile
    source: %s
    destination: models/model.bin
  - key: listen
    kind: ConfigPatch
    destination: launch.env
    optional: true
    patch:
      type: rewrite
      anchor: CLI_ARGS
      tokens: ["--listen"]
`, env.root, source))

	out, err := env.run(t, "--json", "reconcile", "-m", manifest, "--no-restart")
	if err != nil {
		t.Fatalf("reconcile: %v\n%s", err, out)
	}

	var report engine.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if got := report.Outcomes(); len(got) != 2 || got[0] != engine.OutcomeApplied || got[1] != engine.OutcomeApplied {
		t.Errorf("outcomes = %v", got)
	}

	data, err := os.ReadFile(filepath.Join(env.root, "models", "model.bin"))
	if err != nil || string(data) != "weights" {
		t.Errorf("model not fetched: %q, %v", data, err)
	}
	data, _ = os.ReadFile(filepath.Join(env.root, "launch.env"))
	if !strings.Contains(string(data), "--port 8188 --listen") {
		t.Errorf("launch.env = %q", data)
	}

	out, err = env.run(t, "--json", "reconcile", "-m", manifest, "--no-restart")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	report = engine.Report{}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatal(err)
	}
	if report.Summary.AlreadySatisfied != 2 {
		t.Errorf("second pass summary = %+v", report.Summary)
	}

	store, err := stores.Open(context.Background(), stores.Config{Path: env.stateDB})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 recorded runs, got %d", len(runs))
	}
}

func TestReconcileCommand_RequiredFailure(t *testing.T) {
	env := newTestEnv(t)
	manifest := env.write(t, filepath.Join(env.dir, "manifest.yaml"), fmt.Sprintf(`root: %s
descriptors:
  - key: model
    kind: ModelFile
    source: %s
    destination: models/model.bin
`, env.root, filepath.Join(env.dir, "missing.bin")))

	out, err := env.run(t, "reconcile", "-m", manifest, "--no-restart")
	if ExitCode(err) != ExitRequiredFailed {
		t.Fatalf("Expected exit %d, got %v", ExitRequiredFailed, err)
	}
	if !IsReported(err) {
		t.Error("required failure should already be printed")
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("report missing failure:\n%s", out)
	}
}

func TestReconcileCommand_MissingRootAborts(t *testing.T) {
	env := newTestEnv(t)
	manifest := env.write(t, filepath.Join(env.dir, "manifest.yaml"), `root: /nonexistent/gpuforge-root
descriptors:
  - key: git
    kind: SystemPackage
    source: git
`)

	_, err := env.run(t, "reconcile", "-m", manifest, "--no-restart")
	if ExitCode(err) != ExitAborted {
		t.Fatalf("Expected exit %d, got %v", ExitAborted, err)
	}
	if IsReported(err) {
		t.Error("abort cause should be returned for logging")
	}
}

func TestHistoryCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	store, err := stores.Open(ctx, stores.Config{Path: env.stateDB, Host: "gpu-node-1"})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		err := store.RecordRun(ctx, &engine.Report{
			RunID:     id,
			Manifest:  "/etc/gpuforge/manifest.cue",
			Status:    engine.RunStatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Results: []engine.DescriptorResult{
				{Key: "sdxl", Kind: engine.KindModelFile, Required: true, Outcome: engine.OutcomeAlreadySatisfied},
			},
			Summary: engine.ReportSummary{Total: 1, AlreadySatisfied: 1},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	out, err := env.run(t, "--json", "history", "-n", "2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("runs = %+v", runs)
	}

	out, err = env.run(t, "history", "run-a")
	if err != nil {
		t.Fatalf("history run-a: %v", err)
	}
	for _, want := range []string{"run-a", "gpu-node-1", "sdxl", "already_satisfied"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	_, err = env.run(t, "history", "run-zzz")
	if !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	out, err = env.run(t, "history", "--prune", "1")
	if err != nil {
		t.Fatalf("history --prune: %v", err)
	}
	if !strings.Contains(out, "Pruned 2 run(s)") {
		t.Errorf("unexpected prune output: %q", out)
	}
}

func TestFactsCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--json", "facts")
	if err != nil {
		t.Fatalf("facts: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	for _, key := range []string{"hostname", "os", "arch", "gpus"} {
		if _, ok := got[key]; !ok {
			t.Errorf("facts missing %q", key)
		}
	}
}
