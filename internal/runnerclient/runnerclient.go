// Package runnerclient is the Manager's outbound HTTP client to Runners:
// ping, run, result, and file calls, all bearer-authenticated. The Client
// sets no timeout of its own: each call is bounded by the context its
// caller passes (the Dispatcher bounds ping and run). Grounded on the teacher's
// worker/internal/heartbeat.Client and worker/internal/registration.Register
// outbound-call shape (context-scoped http.Client, short fixed timeout,
// explicit bearer header), generalized from a single control-plane target
// to an arbitrary per-call Runner URL + token.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/example/manager/pkg/managerapi"
)

// Client issues outbound calls to Runners. It holds no per-Runner state;
// callers pass the target URL and bearer token on every call, since the
// Manager may talk to many Runners concurrently.
type Client struct {
	httpClient *http.Client
}

func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

// NewWithTransport allows tests to inject a custom RoundTripper (e.g. for
// stubbing Runner responses) without standing up a real listener.
func NewWithTransport(rt http.RoundTripper) *Client {
	return &Client{httpClient: &http.Client{Transport: rt}}
}

func bearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Ping calls GET {runnerURL}/runner/ping. The returned error never wraps
// the bearer token; callers must not log it either.
func (c *Client) Ping(ctx context.Context, runnerURL, token string) (managerapi.RunnerPingResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(runnerURL, "/")+"/runner/ping", nil)
	if err != nil {
		return managerapi.RunnerPingResponse{}, err
	}
	bearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return managerapi.RunnerPingResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return managerapi.RunnerPingResponse{}, fmt.Errorf("runner ping: unexpected status %s", resp.Status)
	}
	var out managerapi.RunnerPingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return managerapi.RunnerPingResponse{}, fmt.Errorf("runner ping: decoding response: %w", err)
	}
	return out, nil
}

// Run calls POST {runnerURL}/task/run. A non-2xx response is reported as
// *RunError so the Dispatcher can distinguish a rejection from a transport
// failure.
func (c *Client) Run(ctx context.Context, runnerURL, token string, body managerapi.RunnerRunRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(runnerURL, "/")+"/task/run", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	bearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &RunError{Status: resp.StatusCode, Body: string(detail)}
	}
	return nil
}

// RunError is returned by Run when the Runner rejects the task with a
// non-2xx response, as opposed to a network-level failure.
type RunError struct {
	Status int
	Body   string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("runner rejected /task/run with status %d: %s", e.Status, e.Body)
}

// Manifest calls GET {runnerURL}/task/result/{taskID} for proxy-mode result
// access and returns the raw manifest bytes and the upstream status code.
func (c *Client) Manifest(ctx context.Context, runnerURL, token, taskID string) ([]byte, int, error) {
	url := strings.TrimRight(runnerURL, "/") + "/task/result/" + taskID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	bearer(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// StreamFile calls GET {runnerURL}/task/result/{taskID}/file/{filePath} and
// returns the response for the caller to stream 1:1 to its own client. The
// caller owns closing the returned body.
func (c *Client) StreamFile(ctx context.Context, runnerURL, token, taskID, filePath string) (*http.Response, error) {
	url := strings.TrimRight(runnerURL, "/") + "/task/result/" + taskID + "/file/" + filePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	bearer(req, token)
	return c.httpClient.Do(req)
}
