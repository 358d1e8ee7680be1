package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/telemetry"
)

// DefaultSettingsPath is read when no settings file is named.
const DefaultSettingsPath = "/etc/gpuforge/gpuforge.toml"

// Settings configures the gpuforge tool itself, as opposed to the host's
// desired state.
type Settings struct {
	// Root overrides the manifest root.
	Root string `toml:"root"`

	// Service overrides the manifest service unit.
	Service string `toml:"service"`

	RestartPolicy string `toml:"restart_policy" validate:"oneof=always on-change never"`

	// StateDB is the run history database. Empty disables history.
	StateDB string `toml:"state_db"`

	// PolicyPaths lists extra .rego files or directories.
	PolicyPaths []string `toml:"policy_paths" validate:"dive,required"`

	telemetry.Config

	Fetch FetchSettings `toml:"fetch"`
	Hooks HookSettings  `toml:"hooks"`
}

// FetchSettings configures artifact downloads.
type FetchSettings struct {
	UserAgent        string        `toml:"user_agent" validate:"required"`
	HeaderTimeout    time.Duration `toml:"header_timeout" validate:"gte=0"`
	ProgressInterval time.Duration `toml:"progress_interval" validate:"gte=0"`
	SFTP             SFTPSettings  `toml:"sftp"`
}

// SFTPSettings holds connection defaults for sftp:// locators.
type SFTPSettings struct {
	User                  string        `toml:"user"`
	Port                  int           `toml:"port" validate:"gte=0,lte=65535"`
	PrivateKey            string        `toml:"private_key"`
	UseAgent              bool          `toml:"use_agent"`
	KnownHosts            string        `toml:"known_hosts"`
	StrictHostKeyChecking bool          `toml:"strict_host_key_checking"`
	ConnectTimeout        time.Duration `toml:"connect_timeout" validate:"gte=0"`
}

// HookSettings configures post-fetch actions.
type HookSettings struct {
	Shell   string        `toml:"shell" validate:"required"`
	Timeout time.Duration `toml:"timeout" validate:"gte=0"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		RestartPolicy: "always",
		StateDB:       "/var/lib/gpuforge/state.db",
		Config:        *telemetry.DefaultConfig(),
		Fetch: FetchSettings{
			UserAgent:        "gpuforge",
			ProgressInterval: 10 * time.Second,
			SFTP: SFTPSettings{
				Port:                  22,
				KnownHosts:            filepath.Join(home, ".ssh", "known_hosts"),
				StrictHostKeyChecking: true,
				ConnectTimeout:        30 * time.Second,
			},
		},
		Hooks: HookSettings{
			Shell:   "/bin/sh",
			Timeout: 30 * time.Minute,
		},
	}
}

// LoadSettings reads path over the defaults. An empty path reads
// DefaultSettingsPath if it exists. GPUFORGE_ROOT, GPUFORGE_SERVICE and
// GPUFORGE_STATE_DB override the file.
func LoadSettings(path string, logger zerolog.Logger) (*Settings, error) {
	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsPath
	}

	md, err := toml.DecodeFile(path, s)
	switch {
	case err == nil:
		for _, key := range md.Undecoded() {
			logger.Warn().Str("key", key.String()).Str("file", path).Msg("Unknown settings key")
		}
		if md.IsDefined("tracing", "exporter") && !md.IsDefined("tracing", "enabled") {
			s.Tracing.Enabled = s.Tracing.Exporter != "none"
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		logger.Debug().Str("file", path).Msg("No settings file, using defaults")
	default:
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	if v, ok := os.LookupEnv("GPUFORGE_ROOT"); ok {
		s.Root = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("GPUFORGE_SERVICE"); ok {
		s.Service = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("GPUFORGE_STATE_DB"); ok {
		s.StateDB = strings.TrimSpace(v)
	}
}

// Validate checks field constraints and the telemetry section.
func (s *Settings) Validate() error {
	if err := newValidator().Struct(s); err != nil {
		return err
	}
	return s.Config.Validate()
}
