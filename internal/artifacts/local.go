package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Ensure LocalArtifactStore satisfies ArtifactStore.
var _ ArtifactStore = (*LocalArtifactStore)(nil)

// LocalArtifactStore persists artifacts and a JSON metadata sidecar under BaseDir.
type LocalArtifactStore struct {
	BaseDir string
}

// StoreArtifact copies the file into the store and records its metadata.
func (store *LocalArtifactStore) StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	src, err := os.Open(artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()
	return store.store(src, filepath.Ext(artifactPath), kind, metadata)
}

// StoreBytes writes content into the store and records its metadata.
func (store *LocalArtifactStore) StoreBytes(name string, content []byte, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if name == "" {
		return Artifact{}, errors.New("artifact name is required")
	}
	return store.store(bytes.NewReader(content), filepath.Ext(name), kind, metadata)
}

func (store *LocalArtifactStore) store(src io.Reader, ext string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	artifactID := uuid.NewString()
	destPath := filepath.Join(store.BaseDir, artifactID+ext)

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Artifact{}, err
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hasher), src); err != nil {
		dst.Close()
		_ = os.Remove(destPath)
		return Artifact{}, fmt.Errorf("copy artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return Artifact{}, err
	}

	checksum := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	artifact := Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         FileURI(destPath),
		Checksum:    &checksum,
		Metadata:    maps.Clone(metadata),
		ContentType: detectContentType(destPath),
	}

	if err := store.writeMetadata(destPath, artifact); err != nil {
		_ = os.Remove(destPath)
		return Artifact{}, err
	}
	return artifact, nil
}

// RemoveArtifact deletes the artifact file and its metadata document.
func (store *LocalArtifactStore) RemoveArtifact(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (store *LocalArtifactStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func metadataPath(path string) string {
	return path + ".json"
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".so":
		return "application/x-sharedlib"
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
