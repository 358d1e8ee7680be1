package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// SystemdController restarts services with systemctl.
type SystemdController struct {
	runner Runner
	logger zerolog.Logger
}

var (
	_ engine.ServiceController    = (*SystemdController)(nil)
	_ engine.ServiceStatusChecker = (*SystemdController)(nil)
)

// NewSystemdController creates a controller. A nil runner uses ExecRunner.
func NewSystemdController(runner Runner, logger zerolog.Logger) *SystemdController {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &SystemdController{
		runner: runner,
		logger: logger.With().Str("component", "systemd").Logger(),
	}
}

// Restart restarts unit. A host without systemctl, or without the unit,
// yields a CONTROLLER_UNAVAILABLE error.
func (c *SystemdController) Restart(ctx context.Context, unit string) error {
	if unit == "" {
		return fmt.Errorf("service name is required")
	}
	if _, err := c.runner.LookPath("systemctl"); err != nil {
		return engine.NewControllerUnavailableError(unit, err)
	}

	c.logger.Info().Str("unit", unit).Msg("Restarting service")
	res, err := c.runner.Run(ctx, Command{Name: "systemctl", Args: []string{"restart", unit}})
	if err != nil {
		return engine.NewTransientError("systemctl restart failed", err).
			WithOperation("restart").WithDetail("service", unit)
	}
	if res.ExitCode == 0 {
		return nil
	}

	stderr := lastLines(res.Stderr, 512)
	if unitUnknown(stderr) {
		return engine.NewControllerUnavailableError(unit, fmt.Errorf("%s", stderr))
	}
	return engine.NewPermanentError(
		fmt.Sprintf("systemctl restart %s exited with %d", unit, res.ExitCode),
		fmt.Errorf("%s", stderr),
	).WithOperation("restart").WithDetail("service", unit)
}

// IsActive reports whether unit is active. The orchestrator calls it after a
// successful restart.
func (c *SystemdController) IsActive(ctx context.Context, unit string) (bool, error) {
	if _, err := c.runner.LookPath("systemctl"); err != nil {
		return false, engine.NewControllerUnavailableError(unit, err)
	}
	res, err := c.runner.Run(ctx, Command{Name: "systemctl", Args: []string{"is-active", unit}})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "active", nil
}

func unitUnknown(stderr string) bool {
	return strings.Contains(stderr, "not found") ||
		strings.Contains(stderr, "not loaded") ||
		strings.Contains(stderr, "System has not been booted with systemd")
}
