// Package toolchain resolves toolchain versions to verifiable build images.
package toolchain

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

//go:embed assets/catalog.yaml
var embeddedCatalog []byte

// ImageRef identifies a container image pinned for one toolchain version.
type ImageRef struct {
	Version    string `yaml:"version" json:"version"`
	Repository string `yaml:"repository" json:"repository"`
	Tag        string `yaml:"tag,omitempty" json:"tag,omitempty"`
	Digest     string `yaml:"digest,omitempty" json:"digest,omitempty"`
}

// String renders the reference docker understands, preferring the digest.
func (r ImageRef) String() string {
	switch {
	case r.Repository == "":
		return ""
	case r.Digest != "":
		return r.Repository + "@" + r.Digest
	case r.Tag != "":
		return r.Repository + ":" + r.Tag
	default:
		return r.Repository
	}
}

// IsZero reports whether no image was set.
func (r ImageRef) IsZero() bool {
	return r.Repository == ""
}

// ParseImageRef parses a user supplied reference such as "repo:tag" or
// "repo@sha256:...".
func ParseImageRef(value string) (ImageRef, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ImageRef{}, errors.New("image reference is empty")
	}
	if repo, d, ok := strings.Cut(value, "@"); ok {
		if repo == "" || !strings.HasPrefix(d, "sha256:") {
			return ImageRef{}, fmt.Errorf("invalid image reference %q", value)
		}
		return ImageRef{Repository: repo, Digest: d}, nil
	}
	// The tag separator is the last colon after the last slash, so registry
	// ports are not mistaken for tags.
	slash := strings.LastIndex(value, "/")
	if colon := strings.LastIndex(value, ":"); colon > slash {
		return ImageRef{Repository: value[:colon], Tag: value[colon+1:]}, nil
	}
	return ImageRef{Repository: value}, nil
}

type catalogFile struct {
	Images []ImageRef `yaml:"images"`
}

// Catalog is an immutable version to image mapping.
type Catalog struct {
	entries  map[string]ImageRef
	versions []string
}

// EmbeddedCatalog parses the catalog compiled into the binary.
func EmbeddedCatalog() (*Catalog, error) {
	return ParseCatalog(embeddedCatalog)
}

// LoadCatalog builds a catalog from the embedded entries overlaid with the
// entries of each file in paths. Later files win on duplicate versions.
func LoadCatalog(paths ...string) (*Catalog, error) {
	sources := [][]byte{embeddedCatalog}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		sources = append(sources, data)
	}
	return ParseCatalog(sources...)
}

// ParseCatalog parses one or more YAML catalog documents.
func ParseCatalog(documents ...[]byte) (*Catalog, error) {
	entries := make(map[string]ImageRef)
	for i, document := range documents {
		var file catalogFile
		if err := yaml.Unmarshal(document, &file); err != nil {
			return nil, fmt.Errorf("parse catalog document %d: %w", i, err)
		}
		for j, entry := range file.Images {
			version, err := ParseVersion(entry.Version)
			if err != nil {
				return nil, fmt.Errorf("catalog document %d entry %d: %w", i, j, err)
			}
			if strings.TrimSpace(entry.Repository) == "" {
				return nil, fmt.Errorf("catalog document %d entry %d: repository is required", i, j)
			}
			entry.Version = version.String()
			entries[entry.Version] = entry
		}
	}

	versions := make([]string, 0, len(entries))
	for v := range entries {
		versions = append(versions, v)
	}
	slices.SortFunc(versions, func(a, b string) int {
		return semver.MustParse(a).Compare(semver.MustParse(b))
	})

	return &Catalog{entries: entries, versions: versions}, nil
}

// Lookup returns the image for an exact version.
func (c *Catalog) Lookup(version string) (ImageRef, bool) {
	v, err := ParseVersion(version)
	if err != nil {
		return ImageRef{}, false
	}
	ref, ok := c.entries[v.String()]
	return ref, ok
}

// Versions lists catalog versions in ascending semver order.
func (c *Catalog) Versions() []string {
	return slices.Clone(c.versions)
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// ParseVersion accepts MAJOR.MINOR.PATCH, optionally prefixed by "v".
func ParseVersion(value string) (*semver.Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "v")
	v, err := semver.StrictNewVersion(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid toolchain version %q: %w", value, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return nil, fmt.Errorf("invalid toolchain version %q: pre-release versions are not supported", value)
	}
	return v, nil
}
