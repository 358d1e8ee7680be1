package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
	"github.com/openfroyo/gpuforge/pkg/engine"
)

// memSFTP serves one in-memory filesystem to every dialed session.
type memSFTP struct {
	handlers sftp.Handlers
	dials    int
}

func newMemSFTP(t *testing.T, files map[string][]byte) *memSFTP {
	t.Helper()
	m := &memSFTP{handlers: sftp.InMemHandler()}

	client, closeFn, err := m.dial(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	for name, data := range files {
		f, err := client.Create(name)
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}
	m.dials = 0
	return m
}

func (m *memSFTP) dial(_ context.Context, _ *url.URL) (*sftp.Client, func() error, error) {
	m.dials++
	serverConn, clientConn := net.Pipe()

	server := sftp.NewRequestServer(serverConn, m.handlers)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		_ = server.Close()
		return nil, nil, err
	}
	return client, func() error {
		err := client.Close()
		_ = server.Close()
		return err
	}, nil
}

func TestSFTPFetch(t *testing.T) {
	data := bytes.Repeat([]byte("vae "), 5000)
	remote := newMemSFTP(t, map[string][]byte{"/vae.safetensors": data})

	router := newTestRouter(t, Options{SFTPDial: remote.dial})
	dest := filepath.Join(t.TempDir(), "vae", "vae.safetensors")

	err := router.Fetch(context.Background(), engine.FetchRequest{
		Key: "vae", Locator: "sftp://models@mirror.lan/vae.safetensors", Destination: dest, Checksum: sha256Of(data),
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	assertContent(t, dest, data)
	assertAbsent(t, atomicfs.PartialPath(dest))
	if remote.dials != 1 {
		t.Errorf("dials = %d, want 1", remote.dials)
	}
}

func TestSFTPFetch_Resume(t *testing.T) {
	data := []byte("0123456789abcdef")
	remote := newMemSFTP(t, map[string][]byte{"/model.bin": data})

	dest := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(atomicfs.PartialPath(dest), data[:6], 0o644); err != nil {
		t.Fatal(err)
	}

	err := newTestRouter(t, Options{SFTPDial: remote.dial}).Fetch(context.Background(), engine.FetchRequest{
		Key: "m", Locator: "sftp://mirror.lan/model.bin", Destination: dest, Checksum: sha256Of(data),
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	assertContent(t, dest, data)
}

func TestSFTPFetch_OversizedPartialRestarts(t *testing.T) {
	data := []byte("small")
	remote := newMemSFTP(t, map[string][]byte{"/model.bin": data})

	dest := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(atomicfs.PartialPath(dest), []byte("a much longer stale partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := newTestRouter(t, Options{SFTPDial: remote.dial}).Fetch(context.Background(), engine.FetchRequest{
		Key: "m", Locator: "sftp://mirror.lan/model.bin", Destination: dest,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	assertContent(t, dest, data)
}

func TestSFTPFetch_Errors(t *testing.T) {
	remote := newMemSFTP(t, nil)

	t.Run("missing remote file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "model.bin")
		err := newTestRouter(t, Options{SFTPDial: remote.dial}).Fetch(context.Background(), engine.FetchRequest{
			Key: "m", Locator: "sftp://mirror.lan/absent.bin", Destination: dest,
		})
		if !engine.IsFetchError(err) {
			t.Fatalf("Expected fetch error, got %v", err)
		}
		assertAbsent(t, dest)
	})

	t.Run("dial failure", func(t *testing.T) {
		dialErr := errors.New("connection refused")
		dial := func(context.Context, *url.URL) (*sftp.Client, func() error, error) {
			return nil, nil, dialErr
		}
		dest := filepath.Join(t.TempDir(), "model.bin")
		err := newTestRouter(t, Options{SFTPDial: dial}).Fetch(context.Background(), engine.FetchRequest{
			Key: "m", Locator: "sftp://mirror.lan/model.bin", Destination: dest,
		})
		if !errors.Is(err, dialErr) {
			t.Fatalf("Expected dial error in chain, got %v", err)
		}
		assertAbsent(t, dest)
	})
}

func TestCopyContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	n, err := copyContext(ctx, &dst, bytes.NewReader([]byte("data")))
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("copyContext() = %d, %v", n, err)
	}

	n, err = copyContext(context.Background(), &dst, io.LimitReader(bytes.NewReader(bytes.Repeat([]byte("x"), copyBufferSize*2+7)), copyBufferSize*2+7))
	if err != nil || n != int64(copyBufferSize*2+7) {
		t.Errorf("copyContext() = %d, %v", n, err)
	}
}
