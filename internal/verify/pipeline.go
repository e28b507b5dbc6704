package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/build"
	"github.com/cochaviz/sbfverify/internal/chain"
	"github.com/cochaviz/sbfverify/internal/digest"
	"github.com/cochaviz/sbfverify/internal/toolchain"
)

// Builder produces a local artifact. *build.Service implements it.
type Builder interface {
	Build(ctx context.Context, target build.Target, image toolchain.ImageRef, timeout time.Duration) (build.Artifact, error)
}

// ProgramReader reads deployed programs. *chain.Reader implements it.
type ProgramReader interface {
	FetchDeployed(ctx context.Context, programID solana.PublicKey) (chain.OnChainProgram, error)
}

// Stage names the step the pipeline is about to run.
type Stage string

const (
	StageBuilding  Stage = "building"
	StageVerifying Stage = "verifying"
)

// Request is one verification.
type Request struct {
	Target    build.Target
	Image     toolchain.ImageRef
	ProgramID solana.PublicKey
	Timeout   time.Duration
	// Signer, when set, attests a verified result.
	Signer *solana.PrivateKey
}

// Report is everything a verification observed.
type Report struct {
	ProgramID   solana.PublicKey     `json:"program_id"`
	Repository  string               `json:"repository"`
	Commit      string               `json:"commit,omitempty"`
	Image       string               `json:"image"`
	LocalDigest digest.Digest        `json:"local_digest"`
	OnChain     chain.OnChainProgram `json:"on_chain"`
	Result      Result               `json:"result"`
	Attestation *AttestationReceipt  `json:"attestation,omitempty"`
}

// Pipeline runs build, digest, fetch and compare in sequence.
type Pipeline struct {
	Builder  Builder
	Reader   ProgramReader
	Attestor *Attestor
	Logger   *slog.Logger
	// OnStage is called before each stage.
	OnStage func(Stage)
}

// Run verifies request.ProgramID against a rebuild of request.Target. A
// mismatch is reported in the Report with a nil error; errors are operational
// failures that prevented a verdict.
func (p *Pipeline) Run(ctx context.Context, request Request) (Report, error) {
	const op = "verify"

	if request.ProgramID.IsZero() {
		return Report{}, apperr.Errorf(apperr.KindConfig, apperr.DetailInvalidInput, op, "program id is required")
	}
	if request.Signer != nil && p.Attestor == nil {
		return Report{}, apperr.Errorf(apperr.KindConfig, apperr.DetailInvalidInput, op, "attestation requested but no registry is configured")
	}

	logger := p.logger().With("program_id", request.ProgramID.String())

	p.stage(StageBuilding)
	artifact, err := p.Builder.Build(ctx, request.Target, request.Image, request.Timeout)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if err := artifact.Release(); err != nil {
			logger.Warn("failed to release build workspace", "error", err)
		}
	}()
	logger.Info("local build digest", "digest", artifact.Digest.String())

	p.stage(StageVerifying)
	program, err := p.Reader.FetchDeployed(ctx, request.ProgramID)
	if err != nil {
		return Report{}, err
	}
	logger.Info("on-chain digest", "digest", program.DeployedDigest.String(), "slot", program.SlotObserved)

	report := Report{
		ProgramID:   request.ProgramID,
		Repository:  request.Target.RepoURL,
		Commit:      artifact.Commit,
		Image:       artifact.Image.String(),
		LocalDigest: artifact.Digest,
		OnChain:     program,
		Result:      Verify(artifact.Digest, program.DeployedDigest),
	}
	logger.Info("verification finished", "status", report.Result.Status)

	if request.Signer != nil && report.Result.Verified() {
		receipt, err := p.Attestor.Write(ctx, report.Result, program, *request.Signer)
		if err != nil {
			return report, err
		}
		report.Attestation = &receipt
	}
	return report, nil
}

func (p *Pipeline) stage(stage Stage) {
	if p.OnStage != nil {
		p.OnStage(stage)
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
