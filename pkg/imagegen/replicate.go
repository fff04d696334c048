// Package imagegen drives text-to-image models hosted on Replicate.
package imagegen

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

	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

const (
	defaultAPIBase      = "https://api.replicate.com/v1"
	defaultPollInterval = time.Second
	httpTimeout         = 60 * time.Second
)

const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

var ErrNotConfigured = errors.New("replicate token not configured")

// Prediction is Replicate's job record.
type Prediction struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	URLs    struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
}

// Done reports whether the prediction reached a terminal status.
func (p *Prediction) Done() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// OutputURLs decodes the output, which is a URL list for image models
// and null until the prediction succeeds.
func (p *Prediction) OutputURLs() []string {
	if len(p.Output) == 0 {
		return nil
	}
	var urls []string
	if err := json.Unmarshal(p.Output, &urls); err == nil {
		return urls
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// Err returns the failure text of a failed or canceled prediction.
func (p *Prediction) Err() error {
	switch p.Status {
	case StatusFailed:
		return fmt.Errorf("prediction %s failed: %s", p.ID, errorText(p.Error))
	case StatusCanceled:
		return fmt.Errorf("prediction %s canceled", p.ID)
	}
	return nil
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// APIError is a non-2xx answer from the predictions API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate API request failed: status=%d detail=%s", e.StatusCode, e.Detail)
}

type Client struct {
	apiBase      string
	token        string
	version      string
	pollInterval time.Duration
	httpClient   *http.Client
}

func NewClient(cfg config.ReplicateConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrNotConfigured
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if _, err := url.Parse(apiBase); err != nil {
		return nil, fmt.Errorf("parse replicate api base: %w", err)
	}
	version := strings.TrimSpace(cfg.ModelVersion)
	if version == "" {
		version = config.DefaultImageVersion
	}
	interval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Client{
		apiBase:      apiBase,
		token:        token,
		version:      version,
		pollInterval: interval,
		httpClient:   &http.Client{Timeout: httpTimeout},
	}, nil
}

// Submit starts a prediction for prompt.
func (c *Client) Submit(ctx context.Context, prompt string) (*Prediction, error) {
	body := map[string]interface{}{
		"version": c.version,
		"input":   map[string]interface{}{"prompt": prompt},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal prediction request: %w", err)
	}
	pred, err := c.do(ctx, http.MethodPost, c.apiBase+"/predictions", payload)
	if err != nil {
		return nil, err
	}
	logger.InfoCF("imagegen", "Prediction submitted", map[string]any{
		"id":     pred.ID,
		"status": pred.Status,
		"prompt": utils.Truncate(prompt, 80),
	})
	return pred, nil
}

// Poll fetches the current record for the prediction id.
func (c *Client) Poll(ctx context.Context, id string) (*Prediction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("prediction id is required")
	}
	return c.do(ctx, http.MethodGet, c.apiBase+"/predictions/"+url.PathEscape(id), nil)
}

// Wait polls every interval until pred is terminal or ctx ends, and
// returns the output URLs of a successful prediction.
func (c *Client) Wait(ctx context.Context, pred *Prediction, interval time.Duration) ([]string, error) {
	if interval <= 0 {
		interval = c.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !pred.Done() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for prediction %s: %w", pred.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := c.Poll(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
		pred = next
	}
	if err := pred.Err(); err != nil {
		return nil, err
	}
	urls := pred.OutputURLs()
	if len(urls) == 0 {
		return nil, fmt.Errorf("prediction %s succeeded without output", pred.ID)
	}
	return urls, nil
}

// Generate submits prompt and waits for the images.
func (c *Client) Generate(ctx context.Context, prompt string) ([]string, error) {
	pred, err := c.Submit(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, pred, c.pollInterval)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (*Prediction, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create replicate request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send replicate request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read replicate response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: apiDetail(data)}
	}

	var pred Prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, fmt.Errorf("parse replicate response: %w", err)
	}
	return &pred, nil
}

func apiDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}
	return utils.Truncate(trimmed, 200)
}
