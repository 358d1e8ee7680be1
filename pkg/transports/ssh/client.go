package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu     sync.RWMutex
	client *ssh.Client
	agent  io.Closer
	stop   chan struct{}
}

// NewClient creates a client. It does not connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Cancelling ctx aborts the dial and
// the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, agentConn, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		closeQuietly(agentConn)
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake has no context of its own.
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	stopWatch()
	if err != nil {
		_ = conn.Close()
		closeQuietly(agentConn)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &TransportError{Op: "connect", Err: err, IsTemporary: ctx.Err() != nil, IsAuthError: isAuthFailure(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.agent = agentConn
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.stop)
	}

	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	close(c.stop)
	err := c.client.Close()
	closeQuietly(c.agent)
	c.client, c.agent = nil, nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// OpenSFTP starts an SFTP session on the connection. The caller closes it.
func (c *Client) OpenSFTP() (*sftp.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("not connected")}
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("keep-alive failed")
				return
			}
		}
	}
}

func isAuthFailure(err error) bool {
	var serverErr *ssh.ServerAuthError
	return errors.As(err, &serverErr)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
