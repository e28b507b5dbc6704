package jobserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/remote"
)

const shutdownTimeout = 10 * time.Second

// Start fails jobs left unfinished by a previous process and starts the
// workers. Workers stop when ctx is done; Wait blocks until they have.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.abandonStale()
		for i := range s.workers {
			s.wg.Add(1)
			go s.work(ctx, i)
		}
	})
}

// Wait blocks until every worker has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Serve starts the workers and serves the API on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.Start(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("serving job API", "address", listener.Addr().String(), "workers", s.workers)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	s.Wait()
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	return err
}

// abandonStale marks jobs that were running when the server last stopped as
// failed. They cannot be resumed.
func (s *Server) abandonStale() {
	jobs, err := s.store.List()
	if err != nil {
		s.logger.Warn("failed to list jobs on start", "error", err)
		return
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		job.Fail(apperr.Errorf(apperr.KindInternal, "", "run job", "server restarted before the job finished"))
		job.UpdatedAt = s.clock()
		if err := s.store.Save(job); err != nil {
			s.logger.Warn("failed to fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Info("failed stale job", "job_id", job.ID)
	}
}

func (s *Server) work(ctx context.Context, worker int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.runJob(ctx, id)
			logger.Debug("worker idle")
		}
	}
}

func (s *Server) runJob(ctx context.Context, id string) {
	logger := s.logger.With("job_id", id)

	job, err := s.store.Get(id)
	if err != nil {
		logger.Error("queued job vanished", "error", err)
		return
	}
	save := func() {
		job.UpdatedAt = s.clock()
		if err := s.store.Save(job); err != nil {
			logger.Error("failed to store job", "status", job.Status, "error", err)
		}
	}

	progress := func(status remote.Status) {
		if status.Terminal() || status == job.Status {
			return
		}
		job.Status = status
		save()
		logger.Info("job progressed", "status", status)
	}

	result, err := s.runner.Run(ctx, job.Params, progress)
	if err != nil {
		job.Fail(err)
		save()
		logger.Warn("job failed", "error", err)
		return
	}
	job.Status = remote.StatusSucceeded
	job.Result = &result
	save()
	logger.Info("job finished", "result", result.Status)
}
