package jobserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/digest"
	"github.com/cochaviz/sbfverify/internal/logging"
	"github.com/cochaviz/sbfverify/internal/remote"
	"github.com/cochaviz/sbfverify/internal/verify"
)

const testProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// gatedRunner holds each job until release is closed.
type gatedRunner struct {
	release chan struct{}
	result  verify.Result
	err     error
}

func (r *gatedRunner) Run(ctx context.Context, _ remote.Params, progress func(remote.Status)) (verify.Result, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return verify.Result{}, ctx.Err()
	}
	progress(remote.StatusBuilding)
	progress(remote.StatusVerifying)
	return r.result, r.err
}

func startServer(t *testing.T, store remote.Store, runner Runner, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := New(store, runner, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Wait()
	})
	return srv, ts
}

func fastOrchestrator(url string) *remote.Orchestrator {
	o := remote.NewOrchestrator(remote.NewHTTPClient(url), nil)
	o.Logger = logging.Discard()
	o.InitialInterval = 5 * time.Millisecond
	o.MaxInterval = 20 * time.Millisecond
	o.Timeout = 10 * time.Second
	return o
}

func TestRemoteJobRunsToVerifiedResult(t *testing.T) {
	d := digest.Sum([]byte("program"))
	runner := &gatedRunner{release: make(chan struct{}), result: verify.Verify(d, d)}
	_, ts := startServer(t, remote.NewMemoryStore(), runner)
	orchestrator := fastOrchestrator(ts.URL)

	job, err := orchestrator.Submit(context.Background(), remote.Params{
		RepoURL:    "https://example.com/program.git",
		ProgramID:  testProgramID,
		CommitHash: "abc123",
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, remote.StatusQueued, job.Status)

	current, err := orchestrator.Poll(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, remote.StatusQueued, current.Status)
	require.Nil(t, current.Result)

	var seen []remote.Status
	orchestrator.OnUpdate = func(job remote.Job) { seen = append(seen, job.Status) }
	close(runner.release)

	final, err := orchestrator.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, remote.StatusSucceeded, final.Status)
	require.NotNil(t, final.Result)
	require.True(t, final.Result.Verified())
	require.Equal(t, d, *final.Result.Digest)
	require.Equal(t, "abc123", final.Params.CommitHash)
	require.Equal(t, remote.StatusSucceeded, seen[len(seen)-1])
}

func TestRunnerErrorFailsJob(t *testing.T) {
	runner := &gatedRunner{
		release: make(chan struct{}),
		err:     apperr.Errorf(apperr.KindBuild, "", "build", "docker daemon unreachable"),
	}
	close(runner.release)
	_, ts := startServer(t, remote.NewMemoryStore(), runner)
	orchestrator := fastOrchestrator(ts.URL)

	job, err := orchestrator.Submit(context.Background(), remote.Params{RepoURL: "https://example.com/r.git", ProgramID: testProgramID})
	require.NoError(t, err)

	final, err := orchestrator.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, remote.StatusFailed, final.Status)
	require.Contains(t, final.Error, "docker daemon unreachable")
	require.NotNil(t, final.Result)
	require.Equal(t, verify.StatusError, final.Result.Status)
	require.Equal(t, apperr.KindBuild, final.Result.ErrorKind)
	require.Contains(t, final.Result.Message, "docker daemon unreachable")
}

func TestMismatchIsASucceededJob(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{}), result: verify.Verify(digest.Sum([]byte("a")), digest.Sum([]byte("b")))}
	close(runner.release)
	_, ts := startServer(t, remote.NewMemoryStore(), runner)
	orchestrator := fastOrchestrator(ts.URL)

	job, err := orchestrator.Submit(context.Background(), remote.Params{RepoURL: "https://example.com/r.git", ProgramID: testProgramID})
	require.NoError(t, err)
	final, err := orchestrator.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, remote.StatusSucceeded, final.Status)
	require.Equal(t, verify.StatusMismatch, final.Result.Status)
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	_, ts := startServer(t, remote.NewMemoryStore(), &gatedRunner{release: make(chan struct{})})

	for _, body := range []string{
		`{`,
		`{"repo_url":""}`,
		`{"repo_url":"https://x","program_id":"nope"}`,
		`{"repo_url":"https://x","program_id":"` + testProgramID + `","commit_hash":"--progress"}`,
	} {
		resp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestGetUnknownJob(t *testing.T) {
	_, ts := startServer(t, remote.NewMemoryStore(), &gatedRunner{release: make(chan struct{})})

	_, err := remote.NewHTTPClient(ts.URL).Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, remote.ErrUnknownJob)
}

func TestFullQueueRejectsJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := remote.NewMemoryStore()
	// Workers are never started, so the single queue slot stays taken.
	srv := New(store, &gatedRunner{release: make(chan struct{})}, WithLogger(logging.Discard()), WithQueueSize(1))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := remote.NewHTTPClient(ts.URL)
	params := remote.Params{RepoURL: "https://example.com/r.git", ProgramID: testProgramID}
	_, err := client.Submit(context.Background(), params)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), params)
	var status *remote.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusServiceUnavailable, status.Code)

	jobs, err := store.List()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	var rejected []remote.Job
	for _, job := range jobs {
		if job.Status == remote.StatusFailed {
			rejected = append(rejected, job)
		}
	}
	require.Len(t, rejected, 1)
	require.NotNil(t, rejected[0].Result)
	require.Equal(t, verify.StatusError, rejected[0].Result.Status)
}

func TestStartFailsStaleJobs(t *testing.T) {
	store := remote.NewMemoryStore()
	require.NoError(t, store.Save(remote.Job{ID: "stale", Status: remote.StatusBuilding}))
	require.NoError(t, store.Save(remote.Job{ID: "done", Status: remote.StatusSucceeded}))

	startServer(t, store, &gatedRunner{release: make(chan struct{})})

	stale, err := store.Get("stale")
	require.NoError(t, err)
	require.Equal(t, remote.StatusFailed, stale.Status)
	require.NotEmpty(t, stale.Error)
	require.NotNil(t, stale.Result)
	require.Equal(t, apperr.KindInternal, stale.Result.ErrorKind)

	done, err := store.Get("done")
	require.NoError(t, err)
	require.Equal(t, remote.StatusSucceeded, done.Status)
}
