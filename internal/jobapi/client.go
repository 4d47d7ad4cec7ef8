// Package jobapi talks to the external space download and summarization API.
package jobapi

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

	"sqragent/internal/retry"
)

const maxErrorBodyBytes = 1024

// Job statuses reported by the API.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Prompt types accepted by Summarize.
const (
	PromptDefault = ""
	PromptShorten = "shorten"
)

// APIError is a non-2xx response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsGatewayUnavailable reports whether err means the upstream gateway is down
// (HTTP 502/503/504 or a "Bad Gateway" error body).
func IsGatewayUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "bad gateway")
}

// JobStatus is the state of a download job.
type JobStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SummarizeRequest asks for a summary of a downloaded space. CustomPrompt
// takes precedence over PromptType.
type SummarizeRequest struct {
	SpaceURL     string
	PromptType   string
	CustomPrompt string
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

func New(baseURL, apiKey string, httpClient *http.Client, policy retry.Policy) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		policy:  policy,
	}
}

// StartJob queues a download of the space and returns the job ID.
func (c *Client) StartJob(ctx context.Context, spaceURL string) (string, error) {
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.call(ctx, "start job", http.MethodPost, "/async/download-spaces", map[string]string{"spacesUrl": spaceURL}, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", retry.Permanent(fmt.Errorf("start job: response missing jobId"))
	}
	return out.JobID, nil
}

// Status returns the current status of jobID.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var out struct {
		Job *JobStatus `json:"job"`
	}
	if err := c.call(ctx, "job status", http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return JobStatus{}, err
	}
	if out.Job == nil || out.Job.Status == "" {
		return JobStatus{}, retry.Permanent(fmt.Errorf("job status: response missing job.status"))
	}
	return *out.Job, nil
}

// Summarize generates a summary for an already downloaded space.
func (c *Client) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	body := map[string]string{"spacesUrl": req.SpaceURL}
	switch {
	case req.CustomPrompt != "":
		body["customPrompt"] = req.CustomPrompt
	case req.PromptType != "":
		body["promptType"] = req.PromptType
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.call(ctx, "summarize", http.MethodPost, "/summarize-spaces", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", retry.Permanent(fmt.Errorf("summarize: empty summary"))
	}
	return out.Summary, nil
}

// call performs one API request under the retry policy. Transport failures
// are transient; non-2xx responses and malformed bodies are permanent.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("%s: marshal request: %w", op, err))
		}
		payload = b
	}

	_, err := retry.Do(ctx, c.policy, op, func(ctx context.Context) (struct{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("%s: build request: %w", op, err))
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			return struct{}{}, retry.Transient(fmt.Errorf("%s: %w", op, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			msg := strings.TrimSpace(string(respBody))
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return struct{}{}, retry.Permanent(&APIError{Op: op, StatusCode: resp.StatusCode, Body: msg})
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, retry.Transient(fmt.Errorf("%s: read response: %w", op, err))
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("%s: decode response: %w", op, err))
		}
		return struct{}{}, nil
	})
	return err
}
