// Package remote submits verifications to a remote worker and follows them
// until they finish.
package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cochaviz/sbfverify/internal/build"
	"github.com/cochaviz/sbfverify/internal/verify"
)

// Status is the lifecycle state of a remote job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusVerifying Status = "verifying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusTimedOut is assigned locally when waiting gives up. The remote
	// job may still be running.
	StatusTimedOut Status = "timed_out"
	// StatusUnknown stands for any status this client does not recognise.
	StatusUnknown Status = "unknown"
)

var knownStatuses = []Status{
	StatusQueued, StatusBuilding, StatusVerifying, StatusSucceeded, StatusFailed, StatusTimedOut,
}

// ParseStatus maps a wire value to a Status. Unrecognised values map to
// StatusUnknown.
func ParseStatus(value string) Status {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range knownStatuses {
		if normalized == known {
			return known
		}
	}
	return StatusUnknown
}

// Terminal reports whether the remote side will not change the status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// Params are the inputs of a remote verification.
type Params struct {
	RepoURL     string `json:"repo_url"`
	ProgramID   string `json:"program_id"`
	CommitHash  string `json:"commit_hash,omitempty"`
	LibraryName string `json:"library_name,omitempty"`
	BaseImage   string `json:"base_image,omitempty"`
	// MountPath is the crate directory relative to the repository root.
	MountPath string   `json:"mount_path,omitempty"`
	BuildArgs []string `json:"build_args,omitempty"`
}

// Validate checks the fields the remote side requires.
func (p Params) Validate() error {
	if strings.TrimSpace(p.RepoURL) == "" {
		return errors.New("repo_url is required")
	}
	if _, err := solana.PublicKeyFromBase58(p.ProgramID); err != nil {
		return errors.New("program_id is not a valid public key")
	}
	if err := build.ValidateCommitRef(p.CommitHash); err != nil {
		return fmt.Errorf("commit_hash: %w", err)
	}
	return nil
}

// Job is a snapshot of a remote job. Result is set once the job is terminal.
type Job struct {
	ID           string         `json:"job_id"`
	Status       Status         `json:"status"`
	Params       Params         `json:"params"`
	Result       *verify.Result `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitzero"`
	UpdatedAt    time.Time      `json:"updated_at,omitzero"`
	LastPolledAt time.Time      `json:"last_polled_at,omitzero"`
}

// Fail moves j to StatusFailed with an error result classified from err.
func (j *Job) Fail(err error) {
	result := verify.Errored(err)
	j.Status = StatusFailed
	j.Error = err.Error()
	j.Result = &result
}
