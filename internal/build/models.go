package build

import (
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/cochaviz/sbfverify/internal/digest"
	"github.com/cochaviz/sbfverify/internal/toolchain"
)

// flagKey matches cargo long options without the leading dashes.
var flagKey = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// reservedFlags are set by the build profile and may not be overridden.
var reservedFlags = []string{"sbf-out-dir", "bpf-out-dir", "jobs", "offline", "frozen", "locked", "manifest-path"}

// Target fully determines a build under the reproducibility contract. Treat
// it as a value; Clone before handing it to code that may retain it.
type Target struct {
	ToolchainVersion string
	RepoURL          string
	CommitRef        string
	CrateSubpath     string
	BinaryName       string
	BuildFlags       map[string]string
}

// Clone returns a deep copy of t.
func (t Target) Clone() Target {
	clone := t
	clone.BuildFlags = maps.Clone(t.BuildFlags)
	return clone
}

// Validate checks the fields that would otherwise fail late inside the
// container.
func (t Target) Validate() error {
	if strings.TrimSpace(t.RepoURL) == "" {
		return fmt.Errorf("repository is required")
	}
	if t.CrateSubpath != "" && !filepath.IsLocal(t.CrateSubpath) {
		return fmt.Errorf("crate path %q must be relative to the repository root", t.CrateSubpath)
	}
	if err := ValidateCommitRef(t.CommitRef); err != nil {
		return err
	}
	if strings.ContainsAny(t.BinaryName, `/\ `) {
		return fmt.Errorf("library name %q is not a valid crate name", t.BinaryName)
	}
	return nil
}

// ValidateCommitRef rejects revisions git would read as an option or that
// cannot name a single commit. The empty ref means the default branch.
func ValidateCommitRef(ref string) error {
	if ref == "" {
		return nil
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("commit %q must not start with '-'", ref)
	}
	if strings.ContainsFunc(ref, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return fmt.Errorf("commit %q contains whitespace or control characters", ref)
	}
	return nil
}

// FlagArgs renders build flags as cargo arguments in key order.
func (t Target) FlagArgs() ([]string, error) {
	keys := slices.Sorted(maps.Keys(t.BuildFlags))
	args := make([]string, 0, len(keys))
	for _, key := range keys {
		value := t.BuildFlags[key]
		if !flagKey.MatchString(key) {
			return nil, fmt.Errorf("malformed build flag %q", key)
		}
		if slices.Contains(reservedFlags, key) {
			return nil, fmt.Errorf("build flag %q is fixed by the build profile", key)
		}
		if strings.ContainsAny(value, "\x00\n\r") {
			return nil, fmt.Errorf("build flag %q has a malformed value", key)
		}
		if value == "" {
			args = append(args, "--"+key)
			continue
		}
		args = append(args, "--"+key+"="+value)
	}
	return args, nil
}

// ArtifactFileName is the file cargo build-sbf emits for BinaryName.
func (t Target) ArtifactFileName() string {
	if t.BinaryName == "" {
		return ""
	}
	return strings.ReplaceAll(t.BinaryName, "-", "_") + ".so"
}

// ParseFlags parses "key" or "key=value" pairs. Duplicate keys are rejected.
func ParseFlags(values []string) (map[string]string, error) {
	flags := make(map[string]string, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(raw), "-"))
		if raw == "" {
			continue
		}
		key, value, _ := strings.Cut(raw, "=")
		if _, exists := flags[key]; exists {
			return nil, fmt.Errorf("build flag %q given more than once", key)
		}
		flags[key] = value
	}
	return flags, nil
}

// Artifact is the binary produced by one build invocation. Unless it was
// retained, RawPath disappears once Release is called.
type Artifact struct {
	RawPath  string
	Digest   digest.Digest
	Size     int64
	Image    toolchain.ImageRef
	Commit   string
	Retained bool
	// LogPath is the retained build log, set with Retained.
	LogPath string

	release func() error
}

// Release removes the invocation's workspace. It is safe to call more than once.
func (a Artifact) Release() error {
	if a.release == nil {
		return nil
	}
	return a.release()
}

// Failure is a build that ran and did not produce an artifact. Given fixed
// inputs it is deterministic and is never retried.
type Failure struct {
	ExitCode int
	TimedOut bool
	Reason   string
	LogTail  string
}

func (f *Failure) Error() string {
	switch {
	case f.TimedOut:
		return "build timed out"
	case f.Reason != "":
		return fmt.Sprintf("build failed (exit code %d): %s", f.ExitCode, f.Reason)
	default:
		return fmt.Sprintf("build failed with exit code %d", f.ExitCode)
	}
}
