package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tasksync/tasksync/internal/sync"
	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/config"
	"github.com/tasksync/tasksync/pkg/errors"
)

// httpRemote is a plain JSON-over-HTTP transport for the remote task
// service. It carries no resilience of its own; retries, breakers and
// rate limiting are layered on by the resilient client.
type httpRemote struct {
	baseURL string
	token   string
	client  *http.Client
}

func newRemoteCaller(cfg *config.Config) sync.RemoteCaller {
	return &httpRemote{
		baseURL: envOr("REMOTE_BASE_URL", "http://localhost:8080/api/v1"),
		token:   os.Getenv("REMOTE_API_TOKEN"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *httpRemote) CreateTask(ctx context.Context, t *task.RemoteTask) (*task.RemoteTask, error) {
	var created task.RemoteTask
	if err := r.do(ctx, http.MethodPost, "/tasks", t, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (r *httpRemote) UpdateTask(ctx context.Context, t *task.RemoteTask) error {
	return r.do(ctx, http.MethodPut, "/tasks/"+t.RemoteID, t, nil)
}

func (r *httpRemote) DeleteTask(ctx context.Context, remoteID string) error {
	return r.do(ctx, http.MethodDelete, "/tasks/"+remoteID, nil, nil)
}

func (r *httpRemote) ListTasks(ctx context.Context, syncToken string) ([]*task.RemoteTask, string, error) {
	path := "/tasks"
	if syncToken != "" {
		path += "?sync_token=" + syncToken
	}
	var resp struct {
		Tasks     []*task.RemoteTask `json:"tasks"`
		SyncToken string             `json:"sync_token"`
	}
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Tasks, resp.SyncToken, nil
}

func (r *httpRemote) do(ctx context.Context, method, path string, body, dest interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.NewInternalError("failed to encode request body").WithCause(err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return errors.NewInternalError("failed to build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Classify(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Classify(
			fmt.Errorf("remote returned %s: %s", resp.Status, data),
			resp.StatusCode,
		)
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return errors.NewInternalError("failed to decode response").WithCause(err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
