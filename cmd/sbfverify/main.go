package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	simple "github.com/cochaviz/sbfverify/config"
	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/build"
	"github.com/cochaviz/sbfverify/internal/config"
	"github.com/cochaviz/sbfverify/internal/logging"
	"github.com/cochaviz/sbfverify/internal/remote"
	"github.com/cochaviz/sbfverify/internal/toolchain"
	"github.com/cochaviz/sbfverify/internal/verify"
)

// errMismatch is returned when a rebuild does not match the deployed program.
var errMismatch = errors.New("deployed program does not match the build")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	a.level.Set(slog.LevelInfo)
	a.logger = logging.New(logging.FormatText, a.stderr, &a.level)
	slog.SetDefault(a.logger)

	err := newRootCommand(a).ExecuteContext(ctx)
	os.Exit(exitCode(a.logger, err))
}

func exitCode(logger *slog.Logger, err error) int {
	switch {
	case err == nil:
		return apperr.ExitOK
	case errors.Is(err, context.Canceled):
		logger.Warn("command interrupted")
		return apperr.ExitInterrupted
	case errors.Is(err, errMismatch):
		logger.Error(err.Error())
		return apperr.ExitMismatch
	default:
		logger.Error("command failed", "error", err, "kind", apperr.KindOf(err))
		return apperr.ExitCode(err)
	}
}

// app carries state shared by the subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg    config.Config
	logger *slog.Logger
	level  slog.LevelVar

	configPath string
	logLevel   string
	logFormat  string
	rpcURL     string
}

// load reads the configuration and applies the global flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "load config", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if cmd.Flags().Changed("url") {
		cfg.RPCURL = a.rpcURL
	}
	if err := cfg.Validate(); err != nil {
		return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "load config", err)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	format, _ := logging.ParseFormat(cfg.Log.Format)
	a.level.Set(level)
	a.logger = logging.New(format, a.stderr, &a.level)
	slog.SetDefault(a.logger)
	a.cfg = cfg
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sbfverify",
		Short:         "Verify that deployed Solana programs match their source",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Configuration file (default "+config.DefaultPath()+")")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log verbosity (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&a.rpcURL, "url", "u", config.DefaultRPCURL, "Cluster RPC URL")

	root.AddCommand(
		newBuildCommand(a),
		newVerifyFromRepoCommand(a),
		newGetProgramHashCommand(a),
		newGetExecutableHashCommand(a),
		newListToolchainsCommand(a),
		newRemoteCommand(a),
		newServeCommand(a),
	)
	return root
}

// targetFlags are shared by the commands that build.
type targetFlags struct {
	commitHash  string
	libraryName string
	mountPath   string
	baseImage   string
	toolchain   string
	buildArgs   []string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.commitHash, "commit-hash", "", "Commit to check out before building")
	cmd.Flags().StringVar(&f.libraryName, "library-name", "", "Crate library name of the program")
	cmd.Flags().StringVar(&f.mountPath, "mount-path", "", "Crate directory relative to the repository root")
	cmd.Flags().StringVar(&f.baseImage, "base-image", "", "Build image to use instead of the catalog image")
	cmd.Flags().StringVar(&f.toolchain, "toolchain", "", "Toolchain version (default: detected from Cargo.lock)")
	cmd.Flags().StringArrayVar(&f.buildArgs, "build-arg", nil, "Extra cargo build-sbf flag such as --features=x; repeatable")
}

func (f *targetFlags) resolve(repo string) (build.Target, toolchain.ImageRef, error) {
	const op = "parse flags"

	flags, err := build.ParseFlags(f.buildArgs)
	if err != nil {
		return build.Target{}, toolchain.ImageRef{}, apperr.New(apperr.KindConfig, apperr.DetailMalformedFlags, op, err)
	}
	var image toolchain.ImageRef
	if f.baseImage != "" {
		if image, err = toolchain.ParseImageRef(f.baseImage); err != nil {
			return build.Target{}, toolchain.ImageRef{}, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, op, err)
		}
	}
	return build.Target{
		ToolchainVersion: f.toolchain,
		RepoURL:          repo,
		CommitRef:        f.commitHash,
		CrateSubpath:     f.mountPath,
		BinaryName:       f.libraryName,
		BuildFlags:       flags,
	}, image, nil
}

func parseProgramID(value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return solana.PublicKey{}, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "parse program id", err)
	}
	return key, nil
}

func newBuildCommand(a *app) *cobra.Command {
	var (
		target targetFlags
		retain bool
	)

	cmd := &cobra.Command{
		Use:   "build [path]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Build a program in the pinned toolchain container and print its digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "."
			if len(args) == 1 {
				source = args[0]
			}
			if abs, err := filepath.Abs(source); err == nil {
				if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
					source = abs
				}
			}

			t, image, err := target.resolve(source)
			if err != nil {
				return err
			}
			logger := a.logger.With("command", "build", "source", source)
			logger.Info("starting build")

			artifact, err := simple.Build(cmd.Context(), a.cfg, t, image, retain, logger)
			if err != nil {
				return err
			}
			defer artifact.Release()

			fmt.Fprintln(cmd.OutOrStdout(), artifact.Digest)
			if artifact.Retained {
				logger.Info("artifact retained", "path", artifact.RawPath, "log", artifact.LogPath)
			}
			logger.Info("build finished", "image", artifact.Image.String(), "size", artifact.Size)
			return nil
		},
	}
	target.register(cmd)
	cmd.Flags().BoolVar(&retain, "retain", false, "Keep the built binary in the state directory")
	return cmd
}

func newVerifyFromRepoCommand(a *app) *cobra.Command {
	var (
		target    targetFlags
		programID string
		attest    bool
		keypair   string
		asJSON    bool
		retain    bool
	)

	cmd := &cobra.Command{
		Use:   "verify-from-repo <repo-url>",
		Args:  cobra.ExactArgs(1),
		Short: "Rebuild a repository and compare it with a deployed program",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProgramID(programID)
			if err != nil {
				return err
			}
			t, image, err := target.resolve(args[0])
			if err != nil {
				return err
			}
			request := verify.Request{Target: t, Image: image, ProgramID: id}

			if attest {
				path := keypair
				if path == "" {
					path = a.cfg.Attestation.Keypair
				}
				if path == "" {
					return apperr.Errorf(apperr.KindConfig, apperr.DetailInvalidInput, "verify", "--attest requires --keypair")
				}
				signer, err := simple.LoadSigner(path)
				if err != nil {
					return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "verify", err)
				}
				request.Signer = &signer
			}

			logger := a.logger.With("command", "verify-from-repo")
			report, err := simple.VerifyFromRepo(cmd.Context(), a.cfg, request, retain, logger)
			return reportOutcome(cmd.OutOrStdout(), report, err, asJSON)
		},
	}
	target.register(cmd)
	cmd.Flags().StringVar(&programID, "program-id", "", "Address of the deployed program")
	cmd.Flags().BoolVar(&attest, "attest", false, "Record a verified result in the attestation registry")
	cmd.Flags().StringVar(&keypair, "keypair", "", "Signer keypair file for --attest")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&retain, "retain", false, "Keep the binary, build log and report in the state directory")
	_ = cmd.MarkFlagRequired("program-id")
	return cmd
}

// reportOutcome prints any report that reached a verdict, including one whose
// attestation failed afterwards, and picks the command error.
func reportOutcome(w io.Writer, report verify.Report, runErr error, asJSON bool) error {
	if report.Result.Status == "" {
		return runErr
	}
	if err := printReport(w, report, asJSON); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}
	if !report.Result.Verified() {
		return errMismatch
	}
	return nil
}

func printReport(w io.Writer, report verify.Report, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	fmt.Fprintf(w, "program:         %s\n", report.ProgramID)
	fmt.Fprintf(w, "repository:      %s\n", report.Repository)
	if report.Commit != "" {
		fmt.Fprintf(w, "commit:          %s\n", report.Commit)
	}
	fmt.Fprintf(w, "image:           %s\n", report.Image)
	fmt.Fprintf(w, "executable hash: %s\n", report.LocalDigest)
	fmt.Fprintf(w, "on-chain hash:   %s (slot %d)\n", report.OnChain.DeployedDigest, report.OnChain.SlotObserved)
	fmt.Fprintf(w, "result:          %s\n", report.Result)
	if report.Attestation != nil {
		fmt.Fprintf(w, "attestation:     %s %s\n", report.Attestation.Status, report.Attestation.Address)
	}
	return nil
}

func newGetProgramHashCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get-program-hash <program-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the digest of a deployed program",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProgramID(args[0])
			if err != nil {
				return err
			}
			program, err := simple.ProgramHash(cmd.Context(), a.cfg, id, a.logger.With("command", "get-program-hash"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), program.DeployedDigest)
			return nil
		},
	}
}

func newGetExecutableHashCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get-executable-hash <path>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the digest of a local program binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := simple.ExecutableHash(a.cfg, args[0])
			if err != nil {
				return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "hash executable", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newListToolchainsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-toolchains",
		Args:  cobra.NoArgs,
		Short: "List the toolchain versions with a pinned build image",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := simple.Catalog(a.cfg)
			if err != nil {
				return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "load catalog", err)
			}
			out := cmd.OutOrStdout()
			for _, version := range catalog.Versions() {
				image, _ := catalog.Lookup(version)
				fmt.Fprintf(out, "%s\t%s\n", version, image)
			}
			return nil
		},
	}
}

func newRemoteCommand(a *app) *cobra.Command {
	var remoteURL string

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run verifications on a remote job server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			if cmd.Flags().Changed("remote-url") {
				a.cfg.Remote.URL = remoteURL
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&remoteURL, "remote-url", "", "Base URL of the job server (default from config)")

	cmd.AddCommand(newRemoteSubmitCommand(a), newRemoteGetStatusCommand(a))
	return cmd
}

func newRemoteSubmitCommand(a *app) *cobra.Command {
	var (
		target    targetFlags
		programID string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit <repo-url>",
		Args:  cobra.ExactArgs(1),
		Short: "Submit a verification job and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.toolchain != "" {
				return apperr.Errorf(apperr.KindConfig, apperr.DetailInvalidInput, "submit job",
					"--toolchain is not supported remotely; use --base-image")
			}
			logger := a.logger.With("command", "remote.submit")
			orchestrator, store, err := simple.NewOrchestrator(a.cfg, logger)
			if err != nil {
				return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "submit job", err)
			}
			defer store.Close()

			job, err := orchestrator.Submit(cmd.Context(), remote.Params{
				RepoURL:     args[0],
				ProgramID:   programID,
				CommitHash:  target.commitHash,
				LibraryName: target.libraryName,
				BaseImage:   target.baseImage,
				MountPath:   target.mountPath,
				BuildArgs:   target.buildArgs,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			if !wait {
				return nil
			}

			orchestrator.OnUpdate = func(job remote.Job) {
				logger.Info("job status", "job_id", job.ID, "status", job.Status)
			}
			final, err := orchestrator.Wait(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			return jobOutcome(final)
		},
	}
	target.register(cmd)
	cmd.Flags().StringVar(&programID, "program-id", "", "Address of the deployed program")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	_ = cmd.MarkFlagRequired("program-id")
	return cmd
}

func newRemoteGetStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get-status <job-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the current snapshot of a job as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			orchestrator, store, err := simple.NewOrchestrator(a.cfg, a.logger.With("command", "remote.get-status"))
			if err != nil {
				return apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, "get job", err)
			}
			defer store.Close()

			job, err := orchestrator.Poll(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(job)
		},
	}
}

// jobOutcome maps a terminal job onto the command result.
func jobOutcome(job remote.Job) error {
	switch {
	case job.Status == remote.StatusFailed:
		return apperr.Errorf(apperr.KindRemote, "", "remote job", "job %s failed: %s", job.ID, job.Error)
	case job.Result == nil:
		return apperr.Errorf(apperr.KindRemote, "", "remote job", "job %s finished without a result", job.ID)
	case !job.Result.Verified():
		return fmt.Errorf("job %s: %w: %s", job.ID, errMismatch, job.Result)
	default:
		return nil
	}
}

func newServeCommand(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "Run the remote verification job server",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := simple.Serve(cmd.Context(), a.cfg, listen, a.logger.With("command", "serve"))
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (default from config)")
	return cmd
}
