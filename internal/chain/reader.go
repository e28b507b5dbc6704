package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/digest"
)

const (
	defaultAttempts       = 3
	defaultInitialBackoff = 250 * time.Millisecond
)

// OnChainProgram describes a deployed program and the digest of its bytes.
type OnChainProgram struct {
	ProgramID          solana.PublicKey  `json:"program_id"`
	LoaderKind         LoaderKind        `json:"loader"`
	ProgramDataAddress *solana.PublicKey `json:"program_data_address,omitempty"`
	DeployedDigest     digest.Digest     `json:"digest"`
	// Size is the length of the executable as stored, padding included.
	Size         int    `json:"size"`
	DeploySlot   uint64 `json:"deploy_slot,omitempty"`
	SlotObserved uint64 `json:"slot_observed"`
}

// Reader fetches and digests deployed programs. It never writes to the
// cluster and is safe for concurrent use.
type Reader struct {
	Fetcher       AccountFetcher
	Canonicalizer *digest.Canonicalizer
	// Limiter throttles RPC requests when set.
	Limiter *rate.Limiter
	// Attempts bounds tries per account for transient RPC failures.
	Attempts       uint
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

// NewReader returns a reader with the default canonicalization and retry policy.
func NewReader(fetcher AccountFetcher) *Reader {
	return &Reader{Fetcher: fetcher}
}

// FetchDeployed reads the program's executable and returns its canonical digest.
func (r *Reader) FetchDeployed(ctx context.Context, programID solana.PublicKey) (OnChainProgram, error) {
	program, _, err := r.FetchExecutable(ctx, programID)
	return program, err
}

// FetchExecutable is FetchDeployed that also returns the raw executable bytes.
func (r *Reader) FetchExecutable(ctx context.Context, programID solana.PublicKey) (OnChainProgram, []byte, error) {
	const op = "fetch deployed program"
	logger := r.logger().With("program_id", programID.String())

	account, err := r.fetch(ctx, programID)
	if err != nil {
		return OnChainProgram{}, nil, r.classify(ctx, op, "program", err)
	}
	if !account.Executable {
		return OnChainProgram{}, nil, apperr.Errorf(apperr.KindChainRead, apperr.DetailNotExecutable, op,
			"account %s is not executable", programID)
	}

	decoded, err := DecodeProgramAccount(account)
	if err != nil {
		detail := apperr.DetailMalformedAccount
		if !account.Owner.IsAnyOf(UpgradeableLoaderID, LoaderV2ID, LoaderV1ID) {
			detail = apperr.DetailNotExecutable
		}
		return OnChainProgram{}, nil, apperr.New(apperr.KindChainRead, detail, op, err)
	}

	program := OnChainProgram{
		ProgramID:    programID,
		LoaderKind:   decoded.Kind,
		SlotObserved: account.Slot,
	}

	executable := account.Data
	if decoded.Kind == Upgradeable {
		derived, err := ProgramDataAddress(programID)
		if err != nil {
			return OnChainProgram{}, nil, apperr.New(apperr.KindInternal, "", op, err)
		}
		if !derived.Equals(decoded.ProgramDataAddress) {
			return OnChainProgram{}, nil, apperr.Errorf(apperr.KindChainRead, apperr.DetailMalformedAccount, op,
				"program points at %s, expected derived address %s", decoded.ProgramDataAddress, derived)
		}
		logger = logger.With("program_data", derived.String())

		dataAccount, err := r.fetch(ctx, derived)
		if err != nil {
			return OnChainProgram{}, nil, r.classify(ctx, op, "program data", err)
		}
		if !dataAccount.Owner.Equals(UpgradeableLoaderID) {
			return OnChainProgram{}, nil, apperr.Errorf(apperr.KindChainRead, apperr.DetailMalformedAccount, op,
				"program data account is owned by %s", dataAccount.Owner)
		}
		executable, program.DeploySlot, err = ExtractProgramData(dataAccount.Data)
		if err != nil {
			return OnChainProgram{}, nil, apperr.New(apperr.KindChainRead, apperr.DetailMalformedAccount, op, err)
		}
		program.ProgramDataAddress = &derived
		program.SlotObserved = max(program.SlotObserved, dataAccount.Slot)
	}

	_, program.DeployedDigest = r.canonicalizer().CanonicalizeAndHash(executable)
	program.Size = len(executable)

	logger.Debug("fetched deployed program",
		"loader", program.LoaderKind,
		"digest", program.DeployedDigest.String(),
		"slot", program.SlotObserved,
	)
	return program, executable, nil
}

func (r *Reader) fetch(ctx context.Context, address solana.PublicKey) (AccountInfo, error) {
	if r.Fetcher == nil {
		return AccountInfo{}, backoff.Permanent(errors.New("no account fetcher configured"))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff()

	return backoff.Retry(ctx, func() (AccountInfo, error) {
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return AccountInfo{}, backoff.Permanent(err)
			}
		}
		account, err := r.Fetcher.FetchAccount(ctx, address)
		switch {
		case err == nil:
			return account, nil
		case errors.Is(err, ErrAccountNotFound), ctx.Err() != nil:
			return AccountInfo{}, backoff.Permanent(err)
		default:
			r.logger().Debug("account fetch failed", "address", address.String(), "error", err)
			return AccountInfo{}, err
		}
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(r.attempts()))
}

func (r *Reader) classify(ctx context.Context, op, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, ErrAccountNotFound) {
		return apperr.New(apperr.KindChainRead, apperr.DetailAccountNotFound, op, fmt.Errorf("%s account: %w", what, err))
	}
	return apperr.New(apperr.KindChainRead, apperr.DetailRPC, op, fmt.Errorf("%s account: %w", what, err))
}

func (r *Reader) attempts() uint {
	if r.Attempts > 0 {
		return r.Attempts
	}
	return defaultAttempts
}

func (r *Reader) initialBackoff() time.Duration {
	if r.InitialBackoff > 0 {
		return r.InitialBackoff
	}
	return defaultInitialBackoff
}

func (r *Reader) canonicalizer() *digest.Canonicalizer {
	if r.Canonicalizer != nil {
		return r.Canonicalizer
	}
	return digest.Default()
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
