package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPClientSubmitAndGet(t *testing.T) {
	var received Params
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			_ = json.NewDecoder(r.Body).Decode(&received)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"job_id":"abc","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/abc":
			_, _ = w.Write([]byte(`{"job_id":"abc","status":"rebuilding_cache","extra":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL + "/")
	job, err := client.Submit(context.Background(), Params{RepoURL: "https://example.com/repo", ProgramID: testProgramID, CommitHash: "abc123"})
	require.NoError(t, err)
	require.Equal(t, "abc", job.ID)
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, "abc123", received.CommitHash)

	job, err = client.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, job.Status)

	_, err = client.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestHTTPClientSubmitRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"repo_url is required"}`))
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL).Submit(context.Background(), Params{})
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusBadRequest, status.Code)
	require.Equal(t, "repo_url is required", status.Message)
}
