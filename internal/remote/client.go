package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownJob is returned for job ids the remote side does not know.
var ErrUnknownJob = errors.New("unknown job")

// API is the remote job service.
type API interface {
	Submit(ctx context.Context, params Params) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote returned %d", e.Code)
}

var _ API = (*HTTPClient)(nil)

// HTTPClient talks to the job API over HTTP.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient returns a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit posts a new job. It is never retried, so a job is created at most
// once per call.
func (c *HTTPClient) Submit(ctx context.Context, params Params) (Job, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return Job{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return Job{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var job Job
	if err := c.do(req, http.StatusCreated, &job); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		return Job{}, errors.New("remote accepted the job without returning an id")
	}
	return job, nil
}

// Get fetches the current snapshot of a job.
func (c *HTTPClient) Get(ctx context.Context, id string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := c.do(req, http.StatusOK, &job); err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			return Job{}, fmt.Errorf("%s: %w", id, ErrUnknownJob)
		}
		return Job{}, err
	}
	return job, nil
}

func (c *HTTPClient) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &payload)
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
