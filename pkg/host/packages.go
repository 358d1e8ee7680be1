package host

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var supportedManagers = []string{"apt", "dnf", "yum", "zypper"}

// DetectPackageManager returns the first supported package manager on PATH.
func DetectPackageManager(runner Runner) (string, error) {
	for _, mgr := range supportedManagers {
		if _, err := runner.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

// PackageManager installs OS packages non-interactively.
type PackageManager struct {
	runner  Runner
	logger  zerolog.Logger
	once    sync.Once
	manager string
	err     error
}

// NewPackageManager creates a package manager. An empty manager is detected
// on first use.
func NewPackageManager(runner Runner, manager string, logger zerolog.Logger) *PackageManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &PackageManager{
		runner:  runner,
		manager: manager,
		logger:  logger.With().Str("component", "packages").Logger(),
	}
}

// Manager returns the package manager in use.
func (p *PackageManager) Manager() (string, error) {
	p.once.Do(func() {
		if p.manager == "" {
			p.manager, p.err = DetectPackageManager(p.runner)
		}
	})
	return p.manager, p.err
}

// Installed reports whether name is installed.
func (p *PackageManager) Installed(ctx context.Context, name string) (bool, error) {
	manager, err := p.Manager()
	if err != nil {
		return false, err
	}

	var cmd Command
	switch manager {
	case "apt":
		cmd = Command{Name: "dpkg-query", Args: []string{"-W", "-f=${Status}", name}}
	case "dnf", "yum", "zypper":
		cmd = Command{Name: "rpm", Args: []string{"-q", name}}
	default:
		return false, fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("failed to query package %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	if manager == "apt" {
		// dpkg keeps removed packages with config files around.
		return strings.HasSuffix(strings.TrimSpace(res.Stdout), "install ok installed"), nil
	}
	return true, nil
}

// Install installs name.
func (p *PackageManager) Install(ctx context.Context, name string) error {
	manager, err := p.Manager()
	if err != nil {
		return err
	}

	var args []string
	switch manager {
	case "apt":
		args = []string{"install", "-y", "--no-install-recommends", name}
	case "dnf", "yum":
		args = []string{"install", "-y", name}
	case "zypper":
		args = []string{"--non-interactive", "install", name}
	default:
		return fmt.Errorf("unsupported package manager: %s", manager)
	}

	cmd := Command{Name: manager, Args: args}
	if manager == "apt" {
		cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	}

	p.logger.Info().Str("manager", manager).Str("package", name).Msg("Installing package")
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to install %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s install %s exited with %d: %s", manager, name, res.ExitCode, lastLines(res.Stderr, 512))
	}
	return nil
}
