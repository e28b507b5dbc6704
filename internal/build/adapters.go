package build

import (
	"context"

	"github.com/cochaviz/sbfverify/internal/toolchain"
)

// EnvironmentPreparer provisions the source checkout and the output directory
// owned by one invocation.
type EnvironmentPreparer interface {
	Prepare(ctx context.Context, target Target) (Environment, error)
}

// Environment is the filesystem state owned by one invocation.
type Environment interface {
	InvocationID() string
	// SourceDir is mounted read-only into the build container.
	SourceDir() string
	// OutputDir is the only writable mount and is unique to the invocation.
	OutputDir() string
	// Commit is the resolved source revision, when known.
	Commit() string
	Cleanup() error
}

// Request is everything a driver needs for one build.
type Request struct {
	Target      Target
	Image       toolchain.ImageRef
	Environment Environment
}

// Output is what a driver reports after a successful build.
type Output struct {
	BinaryPath string
	LogTail    string
	// Metadata is recorded alongside retained artifacts.
	Metadata map[string]any
}

// Driver runs a build in an isolated environment. It must tear down anything
// it started before returning when ctx is done.
type Driver interface {
	Build(ctx context.Context, request Request) (Output, error)
}
