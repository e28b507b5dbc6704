// Package verify compares local and deployed digests and publishes
// attestations for programs that match.
package verify

import (
	"fmt"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/digest"
)

// Status tags a Result.
type Status string

const (
	StatusVerified Status = "verified"
	StatusMismatch Status = "mismatch"
	StatusError    Status = "error"
)

// Result is the outcome of one verification. Mismatch is a result, not an
// error.
type Result struct {
	Status Status `json:"status"`
	// Digest is set when verified.
	Digest *digest.Digest `json:"digest,omitempty"`
	// Expected is the locally rebuilt digest and Actual the deployed one;
	// both are set on mismatch.
	Expected *digest.Digest `json:"expected,omitempty"`
	Actual   *digest.Digest `json:"actual,omitempty"`

	ErrorKind apperr.Kind `json:"error_kind,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Verify compares the local build digest against the deployed one. It is
// exact equality over the full digest.
func Verify(local, deployed digest.Digest) Result {
	if local == deployed {
		return Result{Status: StatusVerified, Digest: &local}
	}
	return Result{Status: StatusMismatch, Expected: &local, Actual: &deployed}
}

// Errored records a pipeline that could not reach a verdict.
func Errored(err error) Result {
	return Result{Status: StatusError, ErrorKind: apperr.KindOf(err), Message: err.Error()}
}

// Verified reports whether the digests matched.
func (r Result) Verified() bool {
	return r.Status == StatusVerified && r.Digest != nil
}

func (r Result) String() string {
	switch r.Status {
	case StatusVerified:
		return fmt.Sprintf("verified (%s)", r.Digest)
	case StatusMismatch:
		return fmt.Sprintf("mismatch: local %s, on-chain %s", r.Expected, r.Actual)
	default:
		return fmt.Sprintf("error (%s): %s", r.ErrorKind, r.Message)
	}
}
