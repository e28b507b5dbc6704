package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/artifacts"
	"github.com/cochaviz/sbfverify/internal/digest"
	"github.com/cochaviz/sbfverify/internal/toolchain"
)

// DefaultTimeout bounds a build when the caller does not.
const DefaultTimeout = 30 * time.Minute

// Service runs one build per call. Calls do not share filesystem state and may
// run concurrently.
type Service struct {
	Logger        *slog.Logger
	Preparer      EnvironmentPreparer
	Driver        Driver
	Selector      *toolchain.Selector
	Canonicalizer *digest.Canonicalizer
	ArtifactStore artifacts.ArtifactStore
	// Retain copies the raw binary and the build log tail into
	// ArtifactStore before the workspace is removed.
	Retain bool
}

// Build produces the artifact for target. When image is zero the image is
// selected from target.ToolchainVersion, or from the version pinned in the
// checkout's Cargo.lock when no version was given. A timeout of zero uses
// DefaultTimeout.
//
// The returned artifact owns the invocation workspace; callers must Release it.
func (s *Service) Build(ctx context.Context, target Target, image toolchain.ImageRef, timeout time.Duration) (Artifact, error) {
	const op = "build"

	if s.Preparer == nil || s.Driver == nil {
		return Artifact{}, apperr.Errorf(apperr.KindInternal, "", op, "build service is not configured")
	}

	target = target.Clone()
	if err := target.Validate(); err != nil {
		return Artifact{}, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, op, err)
	}
	if _, err := target.FlagArgs(); err != nil {
		return Artifact{}, apperr.New(apperr.KindConfig, apperr.DetailMalformedFlags, op, err)
	}

	if image.IsZero() && target.ToolchainVersion != "" {
		selected, err := s.Selector.Select(target.ToolchainVersion)
		if err != nil {
			return Artifact{}, err
		}
		image = selected
	}

	logger := s.logger().With("repository", target.RepoURL)
	if target.CommitRef != "" {
		logger = logger.With("commit", target.CommitRef)
	}

	env, err := s.Preparer.Prepare(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("build interrupted: %w", ctx.Err())
		}
		return Artifact{}, apperr.Wrap(apperr.KindBuild, op, fmt.Errorf("prepare workspace: %w", err))
	}
	logger = logger.With("invocation", env.InvocationID())
	logger.Debug("build environment prepared", "source", env.SourceDir(), "output", env.OutputDir())

	keep := false
	defer func() {
		if keep {
			return
		}
		if err := env.Cleanup(); err != nil {
			logger.Warn("failed to remove build workspace", "error", err)
		}
	}()

	if image.IsZero() {
		image, err = s.detectImage(env, target)
		if err != nil {
			return Artifact{}, err
		}
		logger.Info("toolchain detected from Cargo.lock", "version", image.Version)
	}
	logger = logger.With("image", image.String())

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("starting build", "timeout", timeout)
	started := time.Now()
	output, err := s.Driver.Build(buildCtx, Request{Target: target, Image: image, Environment: env})
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			logger.Warn("build failed", "exit_code", failure.ExitCode, "timed_out", failure.TimedOut)
			if failure.LogTail != "" {
				logger.Debug("build log tail", "log", failure.LogTail)
			}
			detail := ""
			if failure.TimedOut {
				detail = apperr.DetailTimedOut
			}
			return Artifact{}, apperr.New(apperr.KindBuild, detail, op, failure)
		}
		if ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("build interrupted: %w", ctx.Err())
		}
		return Artifact{}, apperr.Wrap(apperr.KindBuild, op, err)
	}
	logger.Info("build driver completed", "binary", filepath.Base(output.BinaryPath), "elapsed", time.Since(started).Round(time.Millisecond))

	d, size, err := digest.File(s.canonicalizer(), output.BinaryPath)
	if err != nil {
		return Artifact{}, apperr.Wrap(apperr.KindBuild, op, fmt.Errorf("digest artifact: %w", err))
	}

	artifact := Artifact{
		RawPath: output.BinaryPath,
		Digest:  d,
		Size:    size,
		Image:   image,
		Commit:  env.Commit(),
	}

	if s.Retain && s.ArtifactStore != nil {
		artifact, err = s.retain(artifact, target, output)
		if err != nil {
			return Artifact{}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		logger.Info("artifact retained", "path", artifact.RawPath, "log", artifact.LogPath)
		return artifact, nil
	}

	keep = true
	artifact.release = env.Cleanup
	logger.Info("build finished", "digest", d.String(), "size", size)
	return artifact, nil
}

// retain stores the binary and its log. Both are kept or neither is.
func (s *Service) retain(artifact Artifact, target Target, output Output) (Artifact, error) {
	metadata := maps.Clone(output.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["digest"] = artifact.Digest.String()
	metadata["image"] = artifact.Image.String()
	metadata["repository"] = target.RepoURL
	metadata["commit"] = artifact.Commit

	program, err := s.ArtifactStore.StoreArtifact(output.BinaryPath, artifacts.ProgramArtifact, metadata)
	if err != nil {
		return Artifact{}, fmt.Errorf("retain artifact: %w", err)
	}
	metadata["program_artifact"] = program.ID
	logArtifact, err := s.ArtifactStore.StoreBytes("build.log", []byte(output.LogTail), artifacts.LogArtifact, metadata)
	if err != nil {
		if removeErr := s.ArtifactStore.RemoveArtifact(program); removeErr != nil {
			s.logger().Warn("failed to remove partially retained artifact", "artifact", program.ID, "error", removeErr)
		}
		return Artifact{}, fmt.Errorf("retain build log: %w", err)
	}

	if artifact.RawPath, err = artifacts.PathFromURI(program.URI); err != nil {
		return Artifact{}, err
	}
	if artifact.LogPath, err = artifacts.PathFromURI(logArtifact.URI); err != nil {
		return Artifact{}, err
	}
	artifact.Retained = true
	return artifact, nil
}

func (s *Service) detectImage(env Environment, target Target) (toolchain.ImageRef, error) {
	const op = "select image"
	source := env.SourceDir()
	version, err := toolchain.DetectVersionInDir(source, filepath.Join(source, target.CrateSubpath))
	if err != nil {
		return toolchain.ImageRef{}, apperr.New(apperr.KindConfig, apperr.DetailUnsupportedVersion, op,
			fmt.Errorf("no toolchain version given and none could be detected: %w", err))
	}
	return s.Selector.Select(version)
}

func (s *Service) canonicalizer() *digest.Canonicalizer {
	if s.Canonicalizer != nil {
		return s.Canonicalizer
	}
	return digest.Default()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
