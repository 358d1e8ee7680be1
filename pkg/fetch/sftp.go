package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
	"github.com/openfroyo/gpuforge/pkg/engine"
	sshtransport "github.com/openfroyo/gpuforge/pkg/transports/ssh"
)

// SFTPConfig holds defaults for sftp:// locators. The user and port in a
// locator take precedence.
type SFTPConfig struct {
	User                  string
	Port                  int
	PrivateKeyPath        string
	UseAgent              bool
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectionTimeout     time.Duration
}

// SFTPDialFunc opens an SFTP session for a locator. The returned func closes
// the session and its transport.
type SFTPDialFunc func(ctx context.Context, u *url.URL) (*sftp.Client, func() error, error)

// SFTPFetcher downloads files from SSH hosts with resume support.
type SFTPFetcher struct {
	config           SFTPConfig
	dial             SFTPDialFunc
	progressInterval time.Duration
	logger           zerolog.Logger
}

// NewSFTPFetcher creates an SFTP fetcher that connects with pkg/transports/ssh.
func NewSFTPFetcher(cfg SFTPConfig, progressInterval time.Duration, logger zerolog.Logger) *SFTPFetcher {
	if progressInterval <= 0 {
		progressInterval = defaultProgressInterval
	}
	f := &SFTPFetcher{
		config:           cfg,
		progressInterval: progressInterval,
		logger:           logger,
	}
	f.dial = f.dialSSH
	return f
}

func (f *SFTPFetcher) fetch(ctx context.Context, req engine.FetchRequest) (int64, error) {
	u, err := url.Parse(req.Locator)
	if err != nil {
		return 0, fmt.Errorf("parsing locator: %w", err)
	}
	if u.Path == "" {
		return 0, fmt.Errorf("sftp locator %q has no path", req.Locator)
	}
	logger := f.logger.With().Str("key", req.Key).Str("host", u.Host).Logger()

	client, closeFn, err := f.dial(ctx, u)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Debug().Err(err).Msg("Closing SFTP session")
		}
	}()

	remote, err := client.Open(u.Path)
	if err != nil {
		return 0, &sshtransport.TransportError{Op: "open", Err: fmt.Errorf("%s: %w", u.Path, err)}
	}
	defer remote.Close()

	info, err := remote.Stat()
	if err != nil {
		return 0, &sshtransport.TransportError{Op: "stat", Err: fmt.Errorf("%s: %w", u.Path, err)}
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", u.Path)
	}

	partial, offset, err := atomicfs.OpenPartial(req.Destination)
	if err != nil {
		return 0, err
	}
	if offset > info.Size() {
		logger.Warn().Int64("offset", offset).Int64("size", info.Size()).Msg("Partial download larger than remote file, restarting")
		if err := partial.Truncate(); err != nil {
			partial.Keep()
			return 0, fmt.Errorf("truncating partial download: %w", err)
		}
		offset = 0
	}
	if offset > 0 {
		if _, err := remote.Seek(offset, io.SeekStart); err != nil {
			partial.Keep()
			return 0, &sshtransport.TransportError{Op: "seek", Err: err}
		}
		logger.Info().Int64("offset", offset).Msg("Resuming download")
	}

	body := newProgressReader(remote, offset, info.Size(), f.progressInterval, logger)
	n, err := copyContext(ctx, partial, body)
	if err != nil {
		partial.Keep()
		return n, &sshtransport.TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	if offset+n != info.Size() {
		partial.Keep()
		return n, fmt.Errorf("%s: short read, got %d of %d bytes", u.Path, offset+n, info.Size())
	}

	return n, publish(ctx, partial, req.Destination, req.Checksum, needsDecompress(u.Path, req.Destination))
}

func (f *SFTPFetcher) dialSSH(ctx context.Context, u *url.URL) (*sftp.Client, func() error, error) {
	user := f.config.User
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}

	cfg := sshtransport.DefaultConfig(u.Hostname(), user)
	if f.config.Port > 0 {
		cfg.Port = f.config.Port
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q", p)
		}
		cfg.Port = port
	}
	if f.config.UseAgent {
		cfg.AuthMethod = sshtransport.AuthMethodAgent
	}
	cfg.PrivateKeyPath = f.config.PrivateKeyPath
	if f.config.KnownHostsPath != "" {
		cfg.KnownHostsPath = f.config.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = f.config.StrictHostKeyChecking
	if f.config.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = f.config.ConnectionTimeout
	}

	client, err := sshtransport.NewClient(cfg, f.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	session, err := client.OpenSFTP()
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	return session, func() error {
		_ = session.Close()
		return client.Close()
	}, nil
}
