package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/digest"
	"github.com/cochaviz/sbfverify/internal/logging"
	"github.com/cochaviz/sbfverify/internal/remote"
	"github.com/cochaviz/sbfverify/internal/verify"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("state_dir: "+filepath.Join(dir, "state")+"\n"), 0o644))

	var stdout, stderr bytes.Buffer
	a := &app{stdout: &stdout, stderr: &stderr}
	a.logger = logging.New(logging.FormatText, &stderr, &a.level)

	root := newRootCommand(a)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestGetExecutableHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.so")
	require.NoError(t, os.WriteFile(path, []byte("program\x00\x00\x00"), 0o644))

	out, err := run(t, "get-executable-hash", path)
	require.NoError(t, err)
	require.Equal(t, digest.Sum([]byte("program")).String()+"\n", out)
}

func TestGetExecutableHashMissingFile(t *testing.T) {
	_, err := run(t, "get-executable-hash", filepath.Join(t.TempDir(), "missing.so"))
	require.True(t, apperr.Is(err, apperr.KindConfig, ""))
}

func TestListToolchains(t *testing.T) {
	out, err := run(t, "list-toolchains")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		require.Len(t, strings.Split(line, "\t"), 2, line)
	}
}

func TestVerifyRequiresValidProgramID(t *testing.T) {
	_, err := run(t, "verify-from-repo", "https://example.com/r.git", "--program-id", "nope")
	require.True(t, apperr.Is(err, apperr.KindConfig, apperr.DetailInvalidInput))
	require.Equal(t, apperr.ExitFailure, exitCode(logging.Discard(), err))
}

func TestBuildRejectsMalformedBuildArgs(t *testing.T) {
	_, err := run(t, "build", t.TempDir(), "--build-arg=Bad Flag")
	require.True(t, apperr.Is(err, apperr.KindConfig, apperr.DetailMalformedFlags))
}

func TestRemoteSubmitNeedsServer(t *testing.T) {
	_, err := run(t, "remote", "submit", "https://example.com/r.git", "--program-id", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.True(t, apperr.Is(err, apperr.KindConfig, ""))
}

func TestExitCodes(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("build interrupted: %w", context.Canceled), 130},
		{fmt.Errorf("job x: %w", errMismatch), 2},
		{apperr.Errorf(apperr.KindBuild, "", "build", "exit 101"), 1},
		{apperr.Errorf(apperr.KindRemote, apperr.DetailSubmission, "submit", "503"), 3},
		{apperr.Errorf(apperr.KindRemote, apperr.DetailTimedOut, "wait", "late"), 4},
		{apperr.Errorf(apperr.KindRemote, apperr.DetailUnknownJob, "poll", "404"), 5},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, exitCode(logger, tc.err), "%v", tc.err)
	}
}

func TestJobOutcome(t *testing.T) {
	d := digest.Sum([]byte("a"))
	verified := verify.Verify(d, d)
	mismatch := verify.Verify(d, digest.Sum([]byte("b")))

	require.NoError(t, jobOutcome(remote.Job{ID: "1", Status: remote.StatusSucceeded, Result: &verified}))
	require.ErrorIs(t, jobOutcome(remote.Job{ID: "1", Status: remote.StatusSucceeded, Result: &mismatch}), errMismatch)
	require.True(t, apperr.Is(jobOutcome(remote.Job{ID: "1", Status: remote.StatusFailed, Error: "boom"}), apperr.KindRemote, ""))
}

func TestReportOutcomePrintsVerdictBeforeAttestationError(t *testing.T) {
	d := digest.Sum([]byte("program"))
	attestErr := apperr.Errorf(apperr.KindChainRead, apperr.DetailRPC, "attest", "send transaction")

	var out bytes.Buffer
	err := reportOutcome(&out, verify.Report{Repository: "https://example.com/r.git", LocalDigest: d, Result: verify.Verify(d, d)}, attestErr, false)
	require.ErrorIs(t, err, attestErr)
	require.Contains(t, out.String(), "result:          verified")

	out.Reset()
	err = reportOutcome(&out, verify.Report{Result: verify.Verify(d, digest.Sum([]byte("other")))}, nil, false)
	require.ErrorIs(t, err, errMismatch)
	require.Contains(t, out.String(), "mismatch")

	out.Reset()
	buildErr := apperr.Errorf(apperr.KindBuild, "", "build", "exit 101")
	require.ErrorIs(t, reportOutcome(&out, verify.Report{}, buildErr, false), buildErr)
	require.Empty(t, out.String())
}
