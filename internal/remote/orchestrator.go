package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/cochaviz/sbfverify/internal/apperr"
)

const (
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultWaitTimeout     = 30 * time.Minute
	// DefaultRequestTimeout bounds a single status request.
	DefaultRequestTimeout = 30 * time.Second
)

// Orchestrator drives remote jobs from the client side. Terminal snapshots
// are mirrored into Store and served from there afterwards.
type Orchestrator struct {
	API    API
	Store  Store
	Logger *slog.Logger
	Clock  func() time.Time

	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds Wait in wall-clock time.
	Timeout time.Duration
	// RequestTimeout bounds one status request shared by concurrent polls.
	RequestTimeout time.Duration
	// OnUpdate is called by Wait whenever the observed status changes.
	OnUpdate func(Job)

	group     singleflight.Group
	storeOnce sync.Once
}

// NewOrchestrator returns an orchestrator with the default polling policy.
func NewOrchestrator(api API, store Store) *Orchestrator {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Orchestrator{API: api, Store: store}
}

// Submit creates a remote job. It is attempted once; a failure leaves it
// unknown whether the remote side recorded the job.
func (o *Orchestrator) Submit(ctx context.Context, params Params) (Job, error) {
	const op = "submit job"
	if err := params.Validate(); err != nil {
		return Job{}, apperr.New(apperr.KindConfig, apperr.DetailInvalidInput, op, err)
	}

	job, err := o.API.Submit(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return Job{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return Job{}, apperr.New(apperr.KindRemote, apperr.DetailSubmission, op, err)
	}
	if job.Params.RepoURL == "" {
		job.Params = params
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = o.now()
	}
	if err := o.store().Save(job); err != nil {
		o.logger().Warn("failed to record submitted job", "job_id", job.ID, "error", err)
	}
	o.logger().Info("job submitted", "job_id", job.ID, "status", job.Status)
	return job, nil
}

// Poll returns the current snapshot of id. At most one request per job is in
// flight; concurrent callers share its answer.
func (o *Orchestrator) Poll(ctx context.Context, id string) (Job, error) {
	const op = "poll job"

	if stored, err := o.store().Get(id); err == nil && stored.Status.Terminal() {
		return stored, nil
	}

	// The shared request outlives any single caller; each caller stops
	// waiting on its own ctx.
	ch := o.group.DoChan(id, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout())
		defer cancel()
		job, err := o.API.Get(callCtx, id)
		if err != nil {
			return Job{}, err
		}
		if job.ID == "" {
			job.ID = id
		}
		job.LastPolledAt = o.now()
		if err := o.store().Save(job); err != nil {
			o.logger().Warn("failed to mirror job", "job_id", id, "error", err)
		}
		// A terminal snapshot saved earlier wins over whatever the remote
		// side says now.
		if stored, err := o.store().Get(id); err == nil && stored.Status.Terminal() {
			return stored, nil
		}
		return job, nil
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		return Job{}, fmt.Errorf("%s: %w", op, ctx.Err())
	case result = <-ch:
	}
	if err := result.Err; err != nil {
		if errors.Is(err, ErrUnknownJob) {
			return Job{}, apperr.New(apperr.KindRemote, apperr.DetailUnknownJob, op, err)
		}
		return Job{}, apperr.New(apperr.KindRemote, "", op, err)
	}
	return result.Val.(Job), nil
}

// Wait polls id with exponential backoff until it is terminal. When Timeout
// elapses first, the last snapshot is returned with StatusTimedOut together
// with a timed out error. Cancelling ctx stops polling only; the remote job
// is left alone.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Job, error) {
	const op = "wait for job"

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.initialInterval()
	policy.MaxInterval = o.maxInterval()

	logger := o.logger().With("job_id", id)
	last := Job{ID: id}
	for {
		job, err := o.Poll(waitCtx, id)
		switch {
		case err == nil:
			if job.Status != last.Status && o.OnUpdate != nil {
				o.OnUpdate(job)
			}
			last = job
			if job.Status.Terminal() {
				return job, nil
			}
		case apperr.Is(err, apperr.KindRemote, apperr.DetailUnknownJob):
			return Job{}, err
		case waitCtx.Err() == nil:
			logger.Warn("poll failed, retrying", "error", err)
		}

		if err := sleep(waitCtx, policy.NextBackOff()); err != nil {
			if ctx.Err() != nil {
				return last, fmt.Errorf("%s: %w", op, ctx.Err())
			}
			last.Status = StatusTimedOut
			logger.Warn("stopped waiting; the remote job may still complete", "timeout", o.timeout())
			return last, apperr.Errorf(apperr.KindRemote, apperr.DetailTimedOut, op,
				"job %s not finished after %s", id, o.timeout())
		}
	}
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) store() Store {
	o.storeOnce.Do(func() {
		if o.Store == nil {
			o.Store = NewMemoryStore()
		}
	})
	return o.Store
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) initialInterval() time.Duration {
	if o.InitialInterval > 0 {
		return o.InitialInterval
	}
	return DefaultInitialInterval
}

func (o *Orchestrator) maxInterval() time.Duration {
	if o.MaxInterval > 0 {
		return o.MaxInterval
	}
	return DefaultMaxInterval
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultWaitTimeout
}

func (o *Orchestrator) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
