package jobserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/build"
	"github.com/cochaviz/sbfverify/internal/remote"
	"github.com/cochaviz/sbfverify/internal/toolchain"
	"github.com/cochaviz/sbfverify/internal/verify"
)

var _ Runner = (*PipelineRunner)(nil)

// PipelineRunner runs jobs through a verification pipeline.
type PipelineRunner struct {
	Pipeline *verify.Pipeline
	// Timeout bounds each build. Zero uses build.DefaultTimeout.
	Timeout time.Duration
	// AllowLocal permits repo_url values naming directories on the server.
	AllowLocal bool
}

func (r *PipelineRunner) Run(ctx context.Context, params remote.Params, progress func(remote.Status)) (verify.Result, error) {
	request, err := r.request(params)
	if err != nil {
		return verify.Result{}, err
	}

	pipeline := *r.Pipeline
	pipeline.OnStage = func(stage verify.Stage) {
		switch stage {
		case verify.StageBuilding:
			progress(remote.StatusBuilding)
		case verify.StageVerifying:
			progress(remote.StatusVerifying)
		}
	}

	report, err := pipeline.Run(ctx, request)
	if err != nil {
		return verify.Result{}, err
	}
	return report.Result, nil
}

// request maps job parameters onto a pipeline request.
func (r *PipelineRunner) request(params remote.Params) (verify.Request, error) {
	const op = "prepare job"

	if !r.AllowLocal && !isRemoteURL(params.RepoURL) {
		return verify.Request{}, apperr.Errorf(apperr.KindConfig, apperr.DetailInvalidInput, op,
			"repo_url %q is not a remote repository", params.RepoURL)
	}
	programID, err := solana.PublicKeyFromBase58(params.ProgramID)
	if err != nil {
		return verify.Request{}, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, op, fmt.Errorf("program_id: %w", err))
	}
	flags, err := build.ParseFlags(params.BuildArgs)
	if err != nil {
		return verify.Request{}, apperr.New(apperr.KindConfig, apperr.DetailMalformedFlags, op, err)
	}

	var image toolchain.ImageRef
	if params.BaseImage != "" {
		if image, err = toolchain.ParseImageRef(params.BaseImage); err != nil {
			return verify.Request{}, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, op, err)
		}
	}

	return verify.Request{
		Target: build.Target{
			RepoURL:      params.RepoURL,
			CommitRef:    params.CommitHash,
			CrateSubpath: params.MountPath,
			BinaryName:   params.LibraryName,
			BuildFlags:   flags,
		},
		Image:     image,
		ProgramID: programID,
		Timeout:   r.Timeout,
	}, nil
}

func isRemoteURL(repo string) bool {
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(repo, scheme) {
			return true
		}
	}
	return false
}
