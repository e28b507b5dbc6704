package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/cochaviz/sbfverify/internal/apperr"
)

// ErrUnsupportedVersion is returned for versions absent from the catalog.
var ErrUnsupportedVersion = errors.New("unsupported toolchain version")

// ErrVersionNotDetected is returned when a lockfile does not pin the SDK.
var ErrVersionNotDetected = errors.New("toolchain version not found in Cargo.lock")

// sdkCrates are checked in order; the first one present pins the toolchain.
var sdkCrates = []string{"solana-program", "solana-sdk", "solana-pubkey"}

// Selector maps requested versions to images. It holds no mutable state and is
// safe for concurrent use.
type Selector struct {
	catalog *Catalog
}

// NewSelector binds a selector to an already loaded catalog.
func NewSelector(catalog *Catalog) *Selector {
	return &Selector{catalog: catalog}
}

// Select returns the image registered for version.
func (s *Selector) Select(version string) (ImageRef, error) {
	const op = "select image"
	if s == nil || s.catalog == nil {
		return ImageRef{}, apperr.Errorf(apperr.KindConfig, apperr.DetailUnsupportedVersion, op, "no toolchain catalog loaded")
	}
	v, err := ParseVersion(version)
	if err != nil {
		return ImageRef{}, apperr.New(apperr.KindConfig, apperr.DetailUnsupportedVersion, op, err)
	}
	ref, ok := s.catalog.Lookup(v.String())
	if !ok {
		return ImageRef{}, apperr.New(apperr.KindConfig, apperr.DetailUnsupportedVersion, op,
			fmt.Errorf("%w: %s", ErrUnsupportedVersion, v.String()))
	}
	return ref, nil
}

// Catalog exposes the backing catalog for listing.
func (s *Selector) Catalog() *Catalog {
	return s.catalog
}

type cargoLock struct {
	Packages []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`
}

// DetectVersion reads the SDK version pinned in a Cargo.lock document.
func DetectVersion(lockfile []byte) (string, error) {
	var lock cargoLock
	if err := toml.Unmarshal(lockfile, &lock); err != nil {
		return "", fmt.Errorf("parse Cargo.lock: %w", err)
	}
	for _, crate := range sdkCrates {
		for _, pkg := range lock.Packages {
			if pkg.Name != crate {
				continue
			}
			v, err := ParseVersion(pkg.Version)
			if err != nil {
				return "", err
			}
			return v.String(), nil
		}
	}
	return "", ErrVersionNotDetected
}

// DetectVersionInDir looks for Cargo.lock in dir and then in its parents up
// to and including root, matching how cargo resolves workspace lockfiles.
func DetectVersionInDir(root, dir string) (string, error) {
	root = filepath.Clean(root)
	current := filepath.Clean(dir)
	for {
		data, err := os.ReadFile(filepath.Join(current, "Cargo.lock"))
		if err == nil {
			return DetectVersion(data)
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if current == root {
			return "", ErrVersionNotDetected
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrVersionNotDetected
		}
		current = parent
	}
}
