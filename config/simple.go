// Package simple wires the sbfverify components from a config.Config. The
// command line tool calls one function per subcommand.
package simple

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/artifacts"
	"github.com/cochaviz/sbfverify/internal/build"
	"github.com/cochaviz/sbfverify/internal/build/adapters/docker"
	"github.com/cochaviz/sbfverify/internal/chain"
	"github.com/cochaviz/sbfverify/internal/config"
	"github.com/cochaviz/sbfverify/internal/digest"
	"github.com/cochaviz/sbfverify/internal/jobserver"
	"github.com/cochaviz/sbfverify/internal/logging"
	"github.com/cochaviz/sbfverify/internal/remote"
	"github.com/cochaviz/sbfverify/internal/toolchain"
	"github.com/cochaviz/sbfverify/internal/verify"
)

// RPCRequestsPerSecond paces reads against the cluster.
const RPCRequestsPerSecond = 10

// Catalog returns the built in toolchain catalog overlaid with the configured
// one.
func Catalog(cfg config.Config) (*toolchain.Catalog, error) {
	catalog, err := toolchain.LoadCatalog(cfg.Build.Catalog)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "load toolchain catalog", err)
	}
	return catalog, nil
}

// ArtifactStore returns the store retained artifacts are kept in.
func ArtifactStore(cfg config.Config) *artifacts.LocalArtifactStore {
	return &artifacts.LocalArtifactStore{BaseDir: cfg.ArtifactDir()}
}

func ensureStateDirs(cfg config.Config) error {
	return apperr.Wrap(apperr.KindConfig, "create state directories", cfg.EnsureStateDirs())
}

// Canonicalizer returns the digest policy of cfg.
func Canonicalizer(cfg config.Config) *digest.Canonicalizer {
	return digest.FromPolicy(cfg.Canonicalization.Sections)
}

// NewBuildService assembles the containerized builder.
func NewBuildService(cfg config.Config, retain bool, logger *slog.Logger) (*build.Service, error) {
	logger = logging.Component(logger, "build")

	catalog, err := Catalog(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureStateDirs(cfg); err != nil {
		return nil, err
	}

	return &build.Service{
		Logger:   logger,
		Preparer: &docker.WorkspacePreparer{BaseDir: cfg.WorkDir(), GitBinary: cfg.Build.Git},
		Driver: &docker.Driver{
			Logger: logger.With("driver", "docker"),
			Binary: cfg.Build.Docker,
			Jobs:   cfg.Build.Jobs,
		},
		Selector:      toolchain.NewSelector(catalog),
		Canonicalizer: Canonicalizer(cfg),
		ArtifactStore: ArtifactStore(cfg),
		Retain:        retain,
	}, nil
}

// NewReader returns a program reader for cfg.RPCURL together with the client
// it owns. Callers close the client.
func NewReader(cfg config.Config, logger *slog.Logger) (*chain.Reader, *chain.RPCClient) {
	client := chain.NewRPCClient(cfg.RPCURL)
	reader := chain.NewReader(client)
	reader.Canonicalizer = Canonicalizer(cfg)
	reader.Limiter = rate.NewLimiter(rate.Limit(RPCRequestsPerSecond), RPCRequestsPerSecond)
	reader.Logger = logging.Component(logger, "chain")
	return reader, client
}

// Build runs one local build. The caller releases the artifact.
func Build(ctx context.Context, cfg config.Config, target build.Target, image toolchain.ImageRef, retain bool, logger *slog.Logger) (build.Artifact, error) {
	service, err := NewBuildService(cfg, retain, logger)
	if err != nil {
		return build.Artifact{}, err
	}
	return service.Build(ctx, target, image, cfg.Build.Timeout)
}

// ExecutableHash digests a local program binary.
func ExecutableHash(cfg config.Config, path string) (digest.Digest, int64, error) {
	return digest.File(Canonicalizer(cfg), path)
}

// ProgramHash reads and digests a deployed program.
func ProgramHash(ctx context.Context, cfg config.Config, programID solana.PublicKey, logger *slog.Logger) (chain.OnChainProgram, error) {
	reader, client := NewReader(cfg, logger)
	defer client.Close()
	return reader.FetchDeployed(ctx, programID)
}

// LoadSigner reads a solana-keygen keypair file.
func LoadSigner(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return key, nil
}

// NewPipeline assembles a verification pipeline. The returned close function
// releases the RPC client.
func NewPipeline(cfg config.Config, retain bool, logger *slog.Logger) (*verify.Pipeline, func() error, error) {
	builder, err := NewBuildService(cfg, retain, logger)
	if err != nil {
		return nil, nil, err
	}
	reader, client := NewReader(cfg, logger)

	pipeline := &verify.Pipeline{
		Builder: builder,
		Reader:  reader,
		Logger:  logging.Component(logger, "verify"),
	}
	if cfg.Attestation.Registry != "" {
		registry, err := solana.PublicKeyFromBase58(cfg.Attestation.Registry)
		if err != nil {
			client.Close()
			return nil, nil, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "attestation registry", err)
		}
		pipeline.Attestor = &verify.Attestor{
			Registry: registry,
			Fetcher:  client,
			Sender:   client,
			Logger:   logging.Component(logger, "attest"),
		}
	}
	return pipeline, client.Close, nil
}

// VerifyFromRepo rebuilds request.Target and compares it with the deployed
// program. With retain, the binary, its build log and the report are kept in
// the artifact store.
func VerifyFromRepo(ctx context.Context, cfg config.Config, request verify.Request, retain bool, logger *slog.Logger) (verify.Report, error) {
	pipeline, closeClient, err := NewPipeline(cfg, retain, logger)
	if err != nil {
		return verify.Report{}, err
	}
	defer closeClient()
	if request.Timeout == 0 {
		request.Timeout = cfg.Build.Timeout
	}

	report, err := pipeline.Run(ctx, request)
	if retain && report.Result.Status != "" {
		stored, retainErr := RetainReport(cfg, report)
		if retainErr != nil {
			return report, errors.Join(err, retainErr)
		}
		logger.Info("report retained", "artifact", stored.ID, "uri", stored.URI)
	}
	return report, err
}

// RetainReport keeps report as JSON in the artifact store.
func RetainReport(cfg config.Config, report verify.Report) (artifacts.Artifact, error) {
	const op = "retain report"
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return artifacts.Artifact{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	stored, err := ArtifactStore(cfg).StoreBytes("report.json", payload, artifacts.ReportArtifact, map[string]any{
		"program_id": report.ProgramID.String(),
		"repository": report.Repository,
		"commit":     report.Commit,
		"result":     string(report.Result.Status),
	})
	if err != nil {
		return artifacts.Artifact{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return stored, nil
}

// NewOrchestrator returns a client for cfg.Remote.URL mirroring jobs into the
// local job database. Callers close the returned store.
func NewOrchestrator(cfg config.Config, logger *slog.Logger) (*remote.Orchestrator, *remote.BoltStore, error) {
	if cfg.Remote.URL == "" {
		return nil, nil, apperr.Errorf(apperr.KindConfig, apperr.DetailInvalidInput, "remote", "remote.url is not configured")
	}
	if err := ensureStateDirs(cfg); err != nil {
		return nil, nil, err
	}
	store, err := remote.OpenBoltStore(cfg.JobsDB())
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "open job database", err)
	}

	orchestrator := remote.NewOrchestrator(remote.NewHTTPClient(cfg.Remote.URL), store)
	orchestrator.Logger = logging.Component(logger, "remote")
	orchestrator.InitialInterval = cfg.Remote.InitialInterval
	orchestrator.MaxInterval = cfg.Remote.MaxInterval
	orchestrator.Timeout = cfg.Remote.Timeout
	return orchestrator, store, nil
}

// Serve runs the remote job API on listen until ctx is done.
func Serve(ctx context.Context, cfg config.Config, listen string, logger *slog.Logger) error {
	if listen == "" {
		listen = cfg.Server.Listen
	}
	pipeline, closeClient, err := NewPipeline(cfg, false, logger)
	if err != nil {
		return err
	}
	defer closeClient()
	// Jobs never attest; the server holds no signing key.
	pipeline.Attestor = nil

	store, err := remote.OpenBoltStore(cfg.ServerDB())
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "open job database", err)
	}
	defer store.Close()

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "serve", fmt.Errorf("listen on %s: %w", listen, err))
	}

	server := jobserver.New(store,
		&jobserver.PipelineRunner{Pipeline: pipeline, Timeout: cfg.Build.Timeout},
		jobserver.WithLogger(logger),
		jobserver.WithWorkers(cfg.Server.Workers),
	)
	return server.Serve(ctx, listener)
}
