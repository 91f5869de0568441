// Package reporter pushes job status transitions to the control plane REST API.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"provider/internal/job"
)

var ErrNoToken = errors.New("reporter has no auth token")

// APIError is a non-retryable response from the control plane.
type APIError struct {
	JobID      string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status update for job %s rejected: %d %s", e.JobID, e.StatusCode, e.Body)
}

// Update is the PATCH /jobs/{id} body.
type Update struct {
	Status       job.Status `json:"status"`
	Result       *string    `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With("component", "reporter"),
	}
}

// SetToken replaces the bearer token used for subsequent reports.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) ReportRunning(ctx context.Context, jobID string) error {
	return c.Patch(ctx, jobID, Update{Status: job.StatusRunning})
}

// ReportTerminal sends the final status with the accumulated log text.
func (c *Client) ReportTerminal(ctx context.Context, res job.Result) error {
	logs := res.Logs
	return c.Patch(ctx, res.JobID, Update{
		Status:       res.Outcome.Status(),
		Result:       &logs,
		ErrorMessage: res.ErrorMessage(),
	})
}

// Patch sends update, retrying transport errors and 5xx responses.
func (c *Client) Patch(ctx context.Context, jobID string, update Update) error {
	token := c.currentToken()
	if token == "" {
		return ErrNoToken
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode status update: %w", err)
	}
	endpoint := c.baseURL + "/jobs/" + url.PathEscape(jobID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(attempt)
			c.logger.Warn("Retrying status update",
				"job_id", jobID,
				"status", update.Status,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("status update for job %s: %w", jobID, ctx.Err())
			}
		}

		retry, err := c.do(ctx, endpoint, jobID, token, body)
		if err == nil {
			c.logger.Debug("Status update sent", "job_id", jobID, "status", update.Status)
			return nil
		}
		if !retry || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("status update for job %s failed after %d attempts: %w", jobID, c.maxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint, jobID, token string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("status update for job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{JobID: jobID, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	return resp.StatusCode >= 500, apiErr
}
