package artifacts

// ArtifactStore keeps artifacts that were explicitly retained.
type ArtifactStore interface {
	StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	// StoreBytes keeps content under a generated name carrying the
	// extension of name.
	StoreBytes(name string, content []byte, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	RemoveArtifact(artifact Artifact) error
}
