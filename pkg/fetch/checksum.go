package fetch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// Checksum pins the expected digest of fetched content.
type Checksum struct {
	Algorithm string
	Digest    []byte
}

// ParseChecksum parses "sha256:<hex>" or "blake3:<hex>". An empty string
// returns nil.
func ParseChecksum(s string) (*Checksum, error) {
	if s == "" {
		return nil, nil
	}
	algo, hexDigest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("checksum %q must be algorithm:hex", s)
	}

	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("checksum %q: %w", s, err)
	}

	c := &Checksum{Algorithm: strings.ToLower(algo), Digest: digest}
	h, err := c.New()
	if err != nil {
		return nil, err
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("checksum %q: %s digest must be %d bytes, got %d", s, c.Algorithm, h.Size(), len(digest))
	}
	return c, nil
}

// New returns a fresh hash for the checksum's algorithm.
func (c *Checksum) New() (hash.Hash, error) {
	switch c.Algorithm {
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", c.Algorithm)
	}
}

// Verify compares a computed digest against the pinned one. A mismatch is a
// permanent CHECKSUM_MISMATCH error: refetching the same source will not fix it.
func (c *Checksum) Verify(sum []byte) error {
	if !bytes.Equal(sum, c.Digest) {
		return engine.NewPermanentError(
			fmt.Sprintf("%s mismatch: expected %x, got %x", c.Algorithm, c.Digest, sum), nil,
		).WithCode(engine.ErrCodeChecksumMismatch).WithOperation("fetch")
	}
	return nil
}

func (c *Checksum) String() string {
	return c.Algorithm + ":" + hex.EncodeToString(c.Digest)
}
