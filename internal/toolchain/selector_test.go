package toolchain

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/sbfverify/internal/apperr"
)

func TestEmbeddedCatalogHasEntries(t *testing.T) {
	catalog, err := EmbeddedCatalog()
	require.NoError(t, err)
	require.Positive(t, catalog.Len())

	versions := catalog.Versions()
	require.Equal(t, "1.14.29", versions[0])
	for i := 1; i < len(versions); i++ {
		prev, _ := ParseVersion(versions[i-1])
		next, _ := ParseVersion(versions[i])
		require.True(t, prev.LessThan(next), "versions not sorted: %v", versions)
	}
}

func TestSelectKnownVersion(t *testing.T) {
	catalog, err := ParseCatalog([]byte(`
images:
  - version: 1.18.26
    repository: example/verifiable
    tag: 1.18.26
  - version: 2.1.0
    repository: example/verifiable
    digest: sha256:abc
`))
	require.NoError(t, err)
	selector := NewSelector(catalog)

	ref, err := selector.Select("v1.18.26")
	require.NoError(t, err)
	require.Equal(t, "example/verifiable:1.18.26", ref.String())

	ref, err = selector.Select("2.1.0")
	require.NoError(t, err)
	require.Equal(t, "example/verifiable@sha256:abc", ref.String())
}

func TestSelectRejectsUnsupportedVersion(t *testing.T) {
	catalog, err := EmbeddedCatalog()
	require.NoError(t, err)
	selector := NewSelector(catalog)

	for _, version := range []string{"0.0.1", "1.18", "latest", "1.18.26-beta.1", ""} {
		_, err := selector.Select(version)
		require.Error(t, err, version)
		require.True(t, apperr.Is(err, apperr.KindConfig, apperr.DetailUnsupportedVersion), version)
	}

	_, err = selector.Select("0.0.1")
	require.True(t, errors.Is(err, ErrUnsupportedVersion))
}

func TestSelectorIsSafeForConcurrentReaders(t *testing.T) {
	catalog, err := EmbeddedCatalog()
	require.NoError(t, err)
	selector := NewSelector(catalog)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, v := range catalog.Versions() {
				if _, err := selector.Select(v); err != nil {
					t.Errorf("select %s: %v", v, err)
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseCatalogOverlay(t *testing.T) {
	base := []byte("images:\n  - {version: 1.18.26, repository: base/image, tag: one}\n")
	overlay := []byte("images:\n  - {version: 1.18.26, repository: mirror/image, tag: two}\n")

	catalog, err := ParseCatalog(base, overlay)
	require.NoError(t, err)
	ref, ok := catalog.Lookup("1.18.26")
	require.True(t, ok)
	require.Equal(t, "mirror/image:two", ref.String())

	_, err = ParseCatalog([]byte("images:\n  - {version: one, repository: x}\n"))
	require.Error(t, err)
	_, err = ParseCatalog([]byte("images:\n  - {version: 1.0.0}\n"))
	require.Error(t, err)
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("images:\n  - {version: 9.9.9, repository: local/image, tag: dev}\n"), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	_, ok := catalog.Lookup("9.9.9")
	require.True(t, ok)
	_, ok = catalog.Lookup("1.18.26")
	require.True(t, ok)
}

func TestParseImageRef(t *testing.T) {
	cases := map[string]ImageRef{
		"repo/image:1.0":                {Repository: "repo/image", Tag: "1.0"},
		"localhost:5000/image":          {Repository: "localhost:5000/image"},
		"localhost:5000/image:tag":      {Repository: "localhost:5000/image", Tag: "tag"},
		"repo/image@sha256:deadbeef":    {Repository: "repo/image", Digest: "sha256:deadbeef"},
		"  solanafoundation/build:2.0 ": {Repository: "solanafoundation/build", Tag: "2.0"},
	}
	for input, want := range cases {
		got, err := ParseImageRef(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := ParseImageRef("")
	require.Error(t, err)
	_, err = ParseImageRef("repo@md5:1")
	require.Error(t, err)
}

const lockfile = `
version = 3

[[package]]
name = "borsh"
version = "1.5.1"

[[package]]
name = "solana-program"
version = "1.18.26"
source = "registry+https://github.com/rust-lang/crates.io-index"
`

func TestDetectVersion(t *testing.T) {
	version, err := DetectVersion([]byte(lockfile))
	require.NoError(t, err)
	require.Equal(t, "1.18.26", version)

	_, err = DetectVersion([]byte("[[package]]\nname = \"serde\"\nversion = \"1.0.0\"\n"))
	require.ErrorIs(t, err, ErrVersionNotDetected)
}

func TestDetectVersionInDirWalksToWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	crate := filepath.Join(root, "programs", "counter")
	require.NoError(t, os.MkdirAll(crate, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Cargo.lock"), []byte(lockfile), 0o644))

	version, err := DetectVersionInDir(root, crate)
	require.NoError(t, err)
	require.Equal(t, "1.18.26", version)

	_, err = DetectVersionInDir(crate, crate)
	require.ErrorIs(t, err, ErrVersionNotDetected)
}
