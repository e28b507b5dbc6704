package artifacts

// ArtifactKind classifies stored artifacts.
type ArtifactKind string

const (
	ProgramArtifact ArtifactKind = "program" // Built program binary
	LogArtifact     ArtifactKind = "log"     // Captured build log
	ReportArtifact  ArtifactKind = "report"  // Verification report
)

// Artifact is a file kept beyond the invocation that produced it.
type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Checksum    *string        `json:"checksum,omitempty"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
