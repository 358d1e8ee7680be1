package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// fakeRunner answers commands from a table keyed by "name arg0 arg1 ...".
type fakeRunner struct {
	paths   map[string]bool
	results map[string]*Result
	calls   []Command
}

func (f *fakeRunner) Run(_ context.Context, c Command) (*Result, error) {
	f.calls = append(f.calls, c)
	key := strings.Join(append([]string{c.Name}, c.Args...), " ")
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return &Result{}, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.paths[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func TestExecRunner_Run(t *testing.T) {
	res, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "/bin/sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("output = %q / %q", res.Stdout, res.Stderr)
	}

	if _, err := (ExecRunner{}).Run(context.Background(), Command{Name: "/nonexistent/binary"}); err == nil {
		t.Error("Expected error for missing binary")
	}
}

func TestSystemdController_Restart(t *testing.T) {
	tests := []struct {
		name            string
		runner          *fakeRunner
		wantErr         bool
		wantUnavailable bool
	}{
		{
			name:   "success",
			runner: &fakeRunner{paths: map[string]bool{"systemctl": true}},
		},
		{
			name:            "no systemctl",
			runner:          &fakeRunner{},
			wantErr:         true,
			wantUnavailable: true,
		},
		{
			name: "unknown unit",
			runner: &fakeRunner{
				paths: map[string]bool{"systemctl": true},
				results: map[string]*Result{
					"systemctl restart comfy.service": {ExitCode: 5, Stderr: "Failed to restart comfy.service: Unit comfy.service not found.\n"},
				},
			},
			wantErr:         true,
			wantUnavailable: true,
		},
		{
			name: "unit fails to start",
			runner: &fakeRunner{
				paths: map[string]bool{"systemctl": true},
				results: map[string]*Result{
					"systemctl restart comfy.service": {ExitCode: 1, Stderr: "Job for comfy.service failed.\n"},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSystemdController(tt.runner, zerolog.Nop())
			err := c.Restart(context.Background(), "comfy.service")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Restart() error = %v, wantErr %v", err, tt.wantErr)
			}
			if engine.IsControllerUnavailable(err) != tt.wantUnavailable {
				t.Errorf("IsControllerUnavailable = %v, want %v (%v)", !tt.wantUnavailable, tt.wantUnavailable, err)
			}
		})
	}
}

func TestSystemdController_IsActive(t *testing.T) {
	runner := &fakeRunner{
		paths:   map[string]bool{"systemctl": true},
		results: map[string]*Result{"systemctl is-active comfy.service": {Stdout: "active\n"}},
	}
	active, err := NewSystemdController(runner, zerolog.Nop()).IsActive(context.Background(), "comfy.service")
	if err != nil || !active {
		t.Errorf("IsActive() = %v, %v", active, err)
	}
}

func TestPackageManager_Apt(t *testing.T) {
	runner := &fakeRunner{
		paths: map[string]bool{"apt": true, "dnf": true},
		results: map[string]*Result{
			"dpkg-query -W -f=${Status} git":                {Stdout: "install ok installed"},
			"dpkg-query -W -f=${Status} ffmpeg":             {Stdout: "deinstall ok config-files"},
			"dpkg-query -W -f=${Status} absent":             {ExitCode: 1},
			"apt install -y --no-install-recommends broken": {ExitCode: 100, Stderr: "E: Unable to locate package broken"},
		},
	}
	pm := NewPackageManager(runner, "", zerolog.Nop())

	if mgr, err := pm.Manager(); err != nil || mgr != "apt" {
		t.Fatalf("Manager() = %q, %v; want apt", mgr, err)
	}

	for name, want := range map[string]bool{"git": true, "ffmpeg": false, "absent": false} {
		got, err := pm.Installed(context.Background(), name)
		if err != nil {
			t.Fatalf("Installed(%s) error = %v", name, err)
		}
		if got != want {
			t.Errorf("Installed(%s) = %v, want %v", name, got, want)
		}
	}

	if err := pm.Install(context.Background(), "ffmpeg"); err != nil {
		t.Errorf("Install() error = %v", err)
	}
	last := runner.calls[len(runner.calls)-1]
	if last.Name != "apt" || !containsEnv(last.Env, "DEBIAN_FRONTEND=noninteractive") {
		t.Errorf("install command = %+v", last)
	}

	err := pm.Install(context.Background(), "broken")
	if err == nil || !strings.Contains(err.Error(), "Unable to locate package") {
		t.Errorf("Install(broken) error = %v", err)
	}
}

func TestPackageManager_Rpm(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]*Result{"rpm -q absent": {ExitCode: 1, Stdout: "package absent is not installed"}},
	}
	pm := NewPackageManager(runner, "dnf", zerolog.Nop())

	if ok, _ := pm.Installed(context.Background(), "git"); !ok {
		t.Error("Expected git to be installed")
	}
	if ok, _ := pm.Installed(context.Background(), "absent"); ok {
		t.Error("Expected absent to be missing")
	}
}

func TestPackageManager_NoManager(t *testing.T) {
	pm := NewPackageManager(&fakeRunner{}, "", zerolog.Nop())
	if _, err := pm.Installed(context.Background(), "git"); err == nil {
		t.Error("Expected detection error")
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func TestHookRunner_Shell(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	h := NewHookRunner(nil, HookConfig{}, zerolog.Nop())
	res, err := h.Run(context.Background(), engine.Action{
		Command: `pwd > marker; echo "$PLUGIN_NAME"`,
		Dir:     "sub",
		Env:     map[string]string{"PLUGIN_NAME": "nodes"},
	}, dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "nodes" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "marker")); err != nil {
		t.Errorf("hook did not run in the action dir: %v", err)
	}
}

func TestHookRunner_Failures(t *testing.T) {
	h := NewHookRunner(nil, HookConfig{Timeout: 200 * time.Millisecond}, zerolog.Nop())

	res, err := h.Run(context.Background(), engine.Action{Command: "/bin/sh", Args: []string{"-c", "echo nope >&2; exit 2"}}, t.TempDir())
	if err == nil {
		t.Fatal("Expected error for non-zero exit")
	}
	if res == nil || res.ExitCode != 2 || !strings.Contains(err.Error(), "nope") {
		t.Errorf("result = %+v, err = %v", res, err)
	}

	start := time.Now()
	if _, err := h.Run(context.Background(), engine.Action{Command: "sleep 5"}, t.TempDir()); err == nil {
		t.Error("Expected timeout error")
	}
	if time.Since(start) > 4*time.Second {
		t.Error("hook timeout was not enforced")
	}

	if _, err := h.Run(context.Background(), engine.Action{}, ""); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestLastLines(t *testing.T) {
	if got := lastLines("a\nb\nccc\n", 5); got != "ccc" {
		t.Errorf("lastLines() = %q", got)
	}
	if got := lastLines(" short ", 50); got != "short" {
		t.Errorf("lastLines() = %q", got)
	}
}
