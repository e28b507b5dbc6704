// Package jobserver serves the remote verification API. Jobs are accepted
// over HTTP, queued, and run one per worker.
package jobserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/remote"
	"github.com/cochaviz/sbfverify/internal/verify"
)

// DefaultQueueSize bounds the jobs accepted but not yet started.
const DefaultQueueSize = 64

// Runner executes one job. progress reports the non-terminal status the job
// has moved to and must be called from the goroutine running Run.
type Runner interface {
	Run(ctx context.Context, params remote.Params, progress func(remote.Status)) (verify.Result, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server owns the job queue and its HTTP API.
type Server struct {
	store   remote.Store
	runner  Runner
	logger  *slog.Logger
	workers int
	clock   func() time.Time

	queue  chan string
	router *gin.Engine

	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWorkers sets how many jobs run concurrently.
func WithWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// New returns a server storing jobs in store and running them with runner.
// Workers start with Start.
func New(store remote.Store, runner Runner, opts ...Option) *Server {
	s := &Server{
		store:   store,
		runner:  runner,
		logger:  slog.Default(),
		workers: 1,
		clock:   func() time.Time { return time.Now().UTC() },
		queue:   make(chan string, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "jobserver")
	s.router = s.routes()
	return s
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/jobs", s.handleCreate)
	r.GET("/jobs", s.handleList)
	r.GET("/jobs/:id", s.handleGet)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func (s *Server) handleCreate(c *gin.Context) {
	var params remote.Params
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := params.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	now := s.clock()
	job := remote.Job{
		ID:        uuid.NewString(),
		Status:    remote.StatusQueued,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Save(job); err != nil {
		s.logger.Error("failed to store job", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to store job"})
		return
	}

	select {
	case s.queue <- job.ID:
	default:
		job.Fail(apperr.Errorf(apperr.KindInternal, "", "queue job", "job queue is full"))
		job.UpdatedAt = s.clock()
		if err := s.store.Save(job); err != nil {
			s.logger.Error("failed to store rejected job", "job_id", job.ID, "error", err)
		}
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "job queue is full"})
		return
	}

	s.logger.Info("job queued", "job_id", job.ID, "repo_url", params.RepoURL, "program_id", params.ProgramID)
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleGet(c *gin.Context) {
	job, err := s.store.Get(c.Param("id"))
	if errors.Is(err, remote.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to read job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to read job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleList(c *gin.Context) {
	jobs, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": jobs})
}
