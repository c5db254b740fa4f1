package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

// Claim is the coordinator's claim response: the created job plus the item
// snapshot and the effective encoder arguments.
type Claim struct {
	Job   domain.Job    `json:"job"`
	Item  domain.Item   `json:"item"`
	Entry *domain.Entry `json:"entry"`
	Args  string        `json:"args"`
}

// Client is the typed coordinator client. All calls share one 30s-timeout
// http.Client; cancel polling uses a shorter one so a hung coordinator
// cannot stall the watcher for half a minute.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pollClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pollClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(slog.String("component", "client")),
	}
}

func (c *Client) ClaimJob(ctx context.Context, workerID, workerName string) (*Claim, error) {
	body := map[string]string{"workerId": workerID, "workerName": workerName}
	resp, err := c.post(ctx, c.httpClient, "/api/jobs/claim", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError("claim", resp)
	}
	var claim Claim
	if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	return &claim, nil
}

func (c *Client) Start(ctx context.Context, jobID string) error {
	return c.expectOK(ctx, "start", "/api/jobs/"+jobID+"/start", map[string]string{})
}

// Progress reports pct/eta/logTail. Failures are logged and swallowed: a
// missed progress report must never kill a running encode.
func (c *Client) Progress(ctx context.Context, jobID string, pct, etaSec *float64, logTail string) {
	body := map[string]interface{}{}
	if pct != nil {
		body["pct"] = *pct
	}
	if etaSec != nil {
		body["etaSec"] = *etaSec
	}
	if logTail != "" {
		body["logTail"] = logTail
	}
	resp, err := c.post(ctx, c.httpClient, "/api/jobs/"+jobID+"/progress", body)
	if err != nil {
		c.logger.Debug("progress report failed", slog.String("error", err.Error()))
		return
	}
	resp.Body.Close()
}

func (c *Client) Complete(ctx context.Context, jobID string, outputSizeBytes int64) error {
	return c.expectOK(ctx, "complete", "/api/jobs/"+jobID+"/complete",
		map[string]int64{"outputSizeBytes": outputSizeBytes})
}

func (c *Client) Fail(ctx context.Context, jobID, message string) error {
	return c.expectOK(ctx, "fail", "/api/jobs/"+jobID+"/fail", map[string]string{"error": message})
}

// Heartbeat announces the worker. Failures are logged and swallowed; the
// next tick retries.
func (c *Client) Heartbeat(ctx context.Context, workerID, workerName string, hours []domain.WorkHours, within bool) {
	body := map[string]interface{}{
		"workerId":        workerID,
		"workerName":      workerName,
		"workHours":       hours,
		"withinWorkHours": within,
	}
	resp, err := c.post(ctx, c.httpClient, "/api/workers/heartbeat", body)
	if err != nil {
		c.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
		return
	}
	resp.Body.Close()
}

// CancelRequested polls the job's cancel flag. Errors and odd statuses
// read as "not cancelled" so a coordinator blip never aborts an encode.
func (c *Client) CancelRequested(ctx context.Context, jobID string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+jobID, nil)
	if err != nil {
		return false
	}
	resp, err := c.pollClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return false
	}
	return job.CancelRequested
}

// UpdateItemPath tells the coordinator the installed file now lives at a
// different path (extension changed during install).
func (c *Client) UpdateItemPath(ctx context.Context, itemID, path string) error {
	return c.expectOK(ctx, "update item path", "/api/items/"+itemID+"/path",
		map[string]string{"path": path})
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func (c *Client) expectOK(ctx context.Context, op, path string, body interface{}) error {
	resp, err := c.post(ctx, c.httpClient, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}
	return nil
}

func responseError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s: %s (status %d)", op, envelope.Error.Message, resp.StatusCode)
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
}
