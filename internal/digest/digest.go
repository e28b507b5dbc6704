// Package digest canonicalizes program binaries and computes their content
// digest. The same Canonicalizer must be used for locally built artifacts and
// for bytes read from chain, otherwise the digests are not comparable.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a SHA-256 over canonical program bytes.
type Digest [Size]byte

// Sum hashes bytes that are already canonical.
func Sum(canonical []byte) Digest {
	return Digest(sha256.Sum256(canonical))
}

// Parse decodes a hex digest, with or without a "sha256:" prefix.
func Parse(value string) (Digest, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "sha256:")
	raw, err := hex.DecodeString(value)
	if err != nil {
		return Digest{}, fmt.Errorf("decode digest %q: %w", value, err)
	}
	if len(raw) != Size {
		return Digest{}, fmt.Errorf("digest %q has %d bytes, want %d", value, len(raw), Size)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// FromBytes copies a 32-byte slice into a Digest.
func FromBytes(raw []byte) (Digest, error) {
	if len(raw) != Size {
		return Digest{}, fmt.Errorf("digest has %d bytes, want %d", len(raw), Size)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// File reads the binary at path and returns its canonical digest together
// with the raw size on disk.
func File(c *Canonicalizer, path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("read %s: %w", path, err)
	}
	_, d := c.CanonicalizeAndHash(raw)
	return d, int64(len(raw)), nil
}
