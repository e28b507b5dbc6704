// Package docker runs builds inside a verifiable build image with the docker
// command line client.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/sbfverify/internal/build"
)

// Ensure WorkspacePreparer implements the EnvironmentPreparer interface.
var _ build.EnvironmentPreparer = (*WorkspacePreparer)(nil)

// WorkspacePreparer creates a private workspace per invocation and checks out
// the requested source into it.
type WorkspacePreparer struct {
	// BaseDir holds the per invocation workspaces. Defaults to os.TempDir().
	BaseDir string
	// GitBinary defaults to "git".
	GitBinary string
}

// Prepare provisions the workspace. A RepoURL naming an existing local
// directory is used in place when no CommitRef is requested; anything else is
// cloned.
func (p *WorkspacePreparer) Prepare(ctx context.Context, target build.Target) (build.Environment, error) {
	baseDir := p.BaseDir
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	root, err := os.MkdirTemp(baseDir, "sbfverify-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{
		id:     uuid.NewString(),
		root:   root,
		output: filepath.Join(root, "out"),
	}

	if err := ws.populate(ctx, p.git(), target); err != nil {
		return nil, errors.Join(err, ws.Cleanup())
	}
	return ws, nil
}

func (p *WorkspacePreparer) git() string {
	if p.GitBinary != "" {
		return p.GitBinary
	}
	return "git"
}

func (ws *Workspace) populate(ctx context.Context, git string, target build.Target) error {
	// The container may run as a different user than the one owning the
	// workspace.
	if err := os.MkdirAll(ws.output, 0o777); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Chmod(ws.output, 0o777); err != nil {
		return fmt.Errorf("chmod output dir: %w", err)
	}

	if local, ok := localSource(target.RepoURL); ok && target.CommitRef == "" {
		ws.source = local
		// Local sources need not be git checkouts.
		ws.commit, _ = revParse(ctx, git, local)
		return nil
	}

	ws.source = filepath.Join(ws.root, "src")
	if _, err := runGit(ctx, git, "", "clone", "--quiet", "--", target.RepoURL, ws.source); err != nil {
		return fmt.Errorf("clone %s: %w", target.RepoURL, err)
	}
	if target.CommitRef == "" {
		commit, err := revParse(ctx, git, ws.source)
		if err != nil {
			return fmt.Errorf("resolve commit: %w", err)
		}
		ws.commit = commit
		return nil
	}

	commit, err := checkout(ctx, git, ws.source, target.CommitRef)
	if err != nil {
		return err
	}
	ws.commit = commit
	return nil
}

// checkout detaches dir at ref and returns the commit it resolved to. The ref
// is resolved before checking out so that the build never silently falls back
// to the default branch.
func checkout(ctx context.Context, git, dir, ref string) (string, error) {
	if err := build.ValidateCommitRef(ref); err != nil {
		return "", err
	}
	out, err := runGit(ctx, git, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %s: unknown revision: %w", ref, err)
	}
	want := strings.TrimSpace(out)
	if _, err := runGit(ctx, git, dir, "checkout", "--quiet", "--detach", want); err != nil {
		return "", fmt.Errorf("checkout %s: %w", ref, err)
	}
	head, err := revParse(ctx, git, dir)
	if err != nil {
		return "", fmt.Errorf("resolve commit: %w", err)
	}
	if head != want {
		return "", fmt.Errorf("checkout %s: HEAD is %s, want %s", ref, head, want)
	}
	return head, nil
}

func localSource(repo string) (string, bool) {
	path := strings.TrimPrefix(repo, "file://")
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return abs, true
}

func revParse(ctx context.Context, git, dir string) (string, error) {
	out, err := runGit(ctx, git, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func runGit(ctx context.Context, git, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, git, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}

var _ build.Environment = (*Workspace)(nil)

// Workspace is the directory tree owned by one invocation.
type Workspace struct {
	id     string
	root   string
	source string
	output string
	commit string

	once       sync.Once
	cleanupErr error
}

func (ws *Workspace) InvocationID() string { return ws.id }
func (ws *Workspace) SourceDir() string    { return ws.source }
func (ws *Workspace) OutputDir() string    { return ws.output }
func (ws *Workspace) Commit() string       { return ws.commit }

// Cleanup removes the workspace root. A local source used in place lives
// outside the root and is never touched.
func (ws *Workspace) Cleanup() error {
	ws.once.Do(func() {
		if ws.root == "" {
			return
		}
		if err := os.RemoveAll(ws.root); err != nil && !errors.Is(err, fs.ErrNotExist) {
			ws.cleanupErr = fmt.Errorf("remove workspace: %w", err)
		}
	})
	return ws.cleanupErr
}
