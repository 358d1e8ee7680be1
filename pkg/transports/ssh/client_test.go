package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with an sftp subsystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel, sftp.ReadOnly())
			if err != nil {
				return
			}
			if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
				return
			}
			return
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0
	return config
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func TestClient_ConnectAndReadOverSFTP(t *testing.T) {
	server := newTestSSHServer(t)

	remote := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(remote, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	client, err := NewClient(server.clientConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected new client to be disconnected")
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("Expected client to be connected")
	}

	sc, err := client.OpenSFTP()
	if err != nil {
		t.Fatalf("OpenSFTP() error = %v", err)
	}
	defer sc.Close()

	f, err := sc.Open(remote)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "weights" {
		t.Errorf("content = %q, want %q", data, "weights")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected client to be disconnected after Close")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_AuthFailure(t *testing.T) {
	server := newTestSSHServer(t)

	config := server.clientConfig(t)
	config.Password = "wrong"

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		client.Close()
		t.Fatal("Expected authentication failure")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %T", err)
	}
	if te.Op != "connect" {
		t.Errorf("Op = %q, want connect", te.Op)
	}
	if client.IsConnected() {
		t.Error("Expected client to stay disconnected")
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	_ = listener.Close()

	config := DefaultConfig("127.0.0.1", "testuser")
	config.Port = addr.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = "x"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if !te.Temporary() {
		t.Error("Expected refused connection to be temporary")
	}
}

func TestClient_ConnectCancelled(t *testing.T) {
	server := newTestSSHServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, err := NewClient(server.clientConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(ctx); err == nil {
		client.Close()
		t.Fatal("Expected error for cancelled context")
	}
}

func TestClient_OpenSFTPRequiresConnection(t *testing.T) {
	config := DefaultConfig("127.0.0.1", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "x"

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.OpenSFTP(); err == nil {
		t.Error("Expected error when not connected")
	}
}

func TestTransportError(t *testing.T) {
	base := errors.New("connection reset")
	err := &TransportError{Op: "open", Err: base, IsTemporary: true}

	if err.Error() != "open: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("Expected Unwrap to expose the cause")
	}
	if !err.Temporary() {
		t.Error("Expected Temporary() to be true")
	}
}
