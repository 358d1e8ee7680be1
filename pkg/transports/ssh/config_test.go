package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("mirror.internal", "models")

	if config.Host != "mirror.internal" {
		t.Errorf("expected host 'mirror.internal', got '%s'", config.Host)
	}
	if config.User != "models" {
		t.Errorf("expected user 'models', got '%s'", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key auth with missing key",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "agent auth without socket",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
			},
			errorMsg: "SSH_AUTH_SOCK",
		},
		{
			name: "unknown auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			errorMsg: "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "strict checking without known_hosts",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.KnownHostsPath = ""
			},
			errorMsg: "known_hosts path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("mirror.internal", "models")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got: %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("mirror.internal", "models")
	config.Port = 2222

	if address := config.Address(); address != "mirror.internal:2222" {
		t.Errorf("expected address 'mirror.internal:2222', got '%s'", address)
	}

	config.Host = "::1"
	if address := config.Address(); address != "[::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got '%s'", address)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("mirror.internal", "models")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, closer, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if closer != nil {
			t.Error("expected no closer for password auth")
		}
		if clientConfig.User != "models" {
			t.Errorf("expected user 'models', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")

		_, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("failed to generate test key: %v", err)
		}
		keyBytes, err := marshalED25519PrivateKey(privKey)
		if err != nil {
			t.Fatalf("failed to marshal key: %v", err)
		}
		if err := os.WriteFile(keyPath, keyBytes, 0o600); err != nil {
			t.Fatalf("failed to write test key: %v", err)
		}

		config := DefaultConfig("mirror.internal", "models")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, _, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with garbage key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}

		config := DefaultConfig("mirror.internal", "models")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected parse error, got nil")
		}
	})

	t.Run("agent authentication", func(t *testing.T) {
		sock := startTestAgent(t)
		t.Setenv("SSH_AUTH_SOCK", sock)

		config := DefaultConfig("mirror.internal", "models")
		config.AuthMethod = AuthMethodAgent
		config.StrictHostKeyChecking = false

		clientConfig, closer, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if closer == nil {
			t.Fatal("expected agent connection closer")
		}
		defer closer.Close()

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("mirror.internal", "models")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "absent")

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts, got nil")
		}
	})
}

// startTestAgent serves an in-memory keyring on a unix socket.
func startTestAgent(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: privKey}); err != nil {
		t.Fatal(err)
	}

	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "agent.sock")
	listener, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on agent socket: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	return sock
}

// marshalED25519PrivateKey marshals an ED25519 private key to PEM format.
func marshalED25519PrivateKey(privKey ed25519.PrivateKey) ([]byte, error) {
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(pemBlock), nil
}
