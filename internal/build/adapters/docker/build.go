package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/sbfverify/internal/build"
)

// Ensure Driver satisfies the build driver interface.
var _ build.Driver = (*Driver)(nil)

const (
	sourceMount = "/build"
	outputMount = "/out"
	deployDir   = "deploy"

	containerPrefix = "sbfverify-"
	invocationLabel = "io.sbfverify.invocation"
)

// containerEnv pins everything that could leak host state into the build.
var containerEnv = []string{
	"LC_ALL=C",
	"LANG=C",
	"TZ=UTC",
	"SOURCE_DATE_EPOCH=0",
	"CARGO_INCREMENTAL=0",
	"CARGO_TARGET_DIR=" + outputMount + "/target",
}

// clientEnv lists the host variables passed to the docker client itself.
var clientEnv = []string{"PATH", "HOME", "XDG_RUNTIME_DIR"}

// Driver runs cargo build-sbf in a throwaway container.
type Driver struct {
	Logger *slog.Logger
	// Binary is the docker compatible client. Defaults to "docker".
	Binary string
	// Jobs sets CARGO_BUILD_JOBS inside the container when positive.
	Jobs int
	// Output receives the container's output in addition to the log tail.
	Output io.Writer
	// TailSize bounds the log tail kept for failures.
	TailSize int
	// WaitDelay bounds how long to wait for output after the process is
	// killed.
	WaitDelay time.Duration
}

// Build runs one container. When ctx expires the container is removed and a
// timed out *build.Failure is returned; when ctx is cancelled the error wraps
// ctx.Err().
func (d *Driver) Build(ctx context.Context, request build.Request) (build.Output, error) {
	env := request.Environment
	if env == nil {
		return build.Output{}, errors.New("build environment is required")
	}
	if request.Image.IsZero() {
		return build.Output{}, errors.New("build image is required")
	}

	name := containerPrefix + env.InvocationID()
	args, err := d.runArgs(name, request)
	if err != nil {
		return build.Output{}, err
	}

	logger := d.logger().With("container", name, "image", request.Image.String())
	logger.Debug("running container", "command", d.binary()+" "+strings.Join(args, " "))

	tail := newTailBuffer(d.TailSize)
	var sink io.Writer = tail
	if d.Output != nil {
		sink = io.MultiWriter(tail, d.Output)
	}

	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Env = filterEnv(os.Environ())
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// The docker client may have children; kill the whole group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = d.waitDelay()

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		d.removeContainer(logger, name)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return build.Output{}, &build.Failure{ExitCode: -1, TimedOut: true, LogTail: tail.String()}
		}
		return build.Output{}, fmt.Errorf("build interrupted: %w", ctxErr)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return build.Output{}, &build.Failure{
				ExitCode: exitErr.ExitCode(),
				Reason:   lastLine(tail.String()),
				LogTail:  tail.String(),
			}
		}
		return build.Output{}, fmt.Errorf("run %s: %w", d.binary(), runErr)
	}

	binary, err := locateBinary(env.OutputDir(), request.Target)
	if err != nil {
		return build.Output{}, &build.Failure{Reason: err.Error(), LogTail: tail.String()}
	}

	return build.Output{
		BinaryPath: binary,
		LogTail:    tail.String(),
		Metadata: map[string]any{
			"container": name,
			"image":     request.Image.String(),
		},
	}, nil
}

func (d *Driver) runArgs(name string, request build.Request) ([]string, error) {
	env := request.Environment
	target := request.Target

	flags, err := target.FlagArgs()
	if err != nil {
		return nil, err
	}

	workdir := sourceMount
	if target.CrateSubpath != "" {
		workdir = path.Join(sourceMount, filepath.ToSlash(target.CrateSubpath))
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", invocationLabel + "=" + env.InvocationID(),
		"--volume", env.SourceDir() + ":" + sourceMount + ":ro",
		"--volume", env.OutputDir() + ":" + outputMount + ":rw",
		"--workdir", workdir,
	}
	for _, kv := range containerEnv {
		args = append(args, "--env", kv)
	}
	if d.Jobs > 0 {
		args = append(args, "--env", "CARGO_BUILD_JOBS="+strconv.Itoa(d.Jobs))
	}

	args = append(args, request.Image.String(),
		"cargo", "build-sbf", "--sbf-out-dir", path.Join(outputMount, deployDir))
	args = append(args, flags...)
	args = append(args, "--", "--locked")
	return args, nil
}

// removeContainer force removes the container with a fresh context since the
// build context is already done.
func (d *Driver) removeContainer(logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary(), "rm", "-f", name)
	cmd.Env = filterEnv(os.Environ())
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("failed to remove container", "error", err, "output", strings.TrimSpace(string(out)))
		return
	}
	logger.Info("removed container")
}

func locateBinary(outputDir string, target build.Target) (string, error) {
	dir := filepath.Join(outputDir, deployDir)
	if name := target.ArtifactFileName(); name != "" {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("expected artifact %s was not produced", name)
		}
		return candidate, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", errors.New("build produced no program binary")
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = filepath.Base(m)
		}
		return "", fmt.Errorf("build produced several binaries (%s); set a library name", strings.Join(names, ", "))
	}
}

func filterEnv(environ []string) []string {
	filtered := make([]string, 0, len(clientEnv))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "DOCKER_") {
			filtered = append(filtered, kv)
			continue
		}
		for _, allowed := range clientEnv {
			if key == allowed {
				filtered = append(filtered, kv)
				break
			}
		}
	}
	return filtered
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func (d *Driver) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

func (d *Driver) waitDelay() time.Duration {
	if d.WaitDelay > 0 {
		return d.WaitDelay
	}
	return 5 * time.Second
}

func (d *Driver) logger() *slog.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
