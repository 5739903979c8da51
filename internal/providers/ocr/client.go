package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is one page's transcription as returned by the provider.
type Result struct {
	Markdown  string
	Chunks    json.RawMessage
	Model     *string
	RequestID string
}

// Client transcribes a stored page image into markdown. Implementations
// must honor ctx cancellation; the pipeline enforces the deadline.
type Client interface {
	ProcessFileURL(ctx context.Context, fileURL string) (*Result, error)
}

// MarkerClient talks to a DataLab-style marker API: submit a job,
// then poll its check URL until it completes.
type MarkerClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	mode         string
	outputFormat string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

type MarkerOption func(*MarkerClient)

func WithHTTPClient(c *http.Client) MarkerOption {
	return func(m *MarkerClient) { m.httpClient = c }
}

func WithPollInterval(d time.Duration) MarkerOption {
	return func(m *MarkerClient) { m.pollInterval = d }
}

// WithPollTimeout caps how long a single job may stay in the polling loop.
func WithPollTimeout(d time.Duration) MarkerOption {
	return func(m *MarkerClient) { m.pollTimeout = d }
}

func NewMarkerClient(baseURL, apiKey string, opts ...MarkerOption) *MarkerClient {
	m := &MarkerClient{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		mode:         "fast",
		outputFormat: "markdown",
		pollInterval: 2 * time.Second,
		pollTimeout:  3 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type markerJobRef struct {
	requestID string
	checkURL  string
}

func (m *MarkerClient) ProcessFileURL(ctx context.Context, fileURL string) (*Result, error) {
	if m.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.pollTimeout)
		defer cancel()
	}
	job, err := m.submit(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	return m.poll(ctx, job)
}

func (m *MarkerClient) submit(ctx context.Context, fileURL string) (*markerJobRef, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("file_url", fileURL)
	_ = form.WriteField("mode", m.mode)
	_ = form.WriteField("output_format", m.outputFormat)
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/marker", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Api-Key", m.apiKey)

	payload, status, err := m.do(req)
	if err != nil {
		return nil, fmt.Errorf("marker submit: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("marker submit failed (status %d): %s", status, errorMessage(payload))
	}
	if success, ok := payload["success"].(bool); ok && !success {
		return nil, fmt.Errorf("marker submit returned success=false: %s", errorMessage(payload))
	}

	job := m.extractJobRef(payload)
	if job == nil {
		return nil, fmt.Errorf("marker submit response missing request reference")
	}
	return job, nil
}

func (m *MarkerClient) poll(ctx context.Context, job *markerJobRef) (*Result, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.checkURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", m.apiKey)

		payload, status, err := m.do(req)
		if err != nil {
			return nil, fmt.Errorf("marker poll: %w", err)
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("marker poll failed (status %d): %s", status, errorMessage(payload))
		}

		switch jobStatus(payload) {
		case "complete", "completed":
			return extractResult(job.requestID, payload), nil
		case "failed", "error":
			return nil, fmt.Errorf("OCR job %s failed: %s", job.requestID, errorMessage(payload))
		}
		if success, ok := payload["success"].(bool); ok && !success {
			return nil, fmt.Errorf("OCR job %s returned success=false: %s", job.requestID, errorMessage(payload))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("OCR polling aborted for request %s: %w", job.requestID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *MarkerClient) do(req *http.Request) (map[string]interface{}, int, error) {
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("non-JSON body (status %d): %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return payload, resp.StatusCode, nil
}

func (m *MarkerClient) extractJobRef(payload map[string]interface{}) *markerJobRef {
	checkURL, _ := payload["request_check_url"].(string)
	if checkURL != "" && !strings.HasPrefix(checkURL, "http://") && !strings.HasPrefix(checkURL, "https://") {
		if base, err := url.Parse(m.baseURL + "/"); err == nil {
			if joined, err := base.Parse(checkURL); err == nil {
				checkURL = joined.String()
			}
		}
	}

	requestID, _ := payload["request_id"].(string)
	if requestID == "" {
		requestID, _ = payload["request_check_id"].(string)
	}
	if requestID == "" && checkURL != "" {
		parts := strings.Split(strings.TrimRight(checkURL, "/"), "/")
		requestID = parts[len(parts)-1]
	}
	if requestID == "" {
		return nil
	}
	if checkURL == "" {
		checkURL = fmt.Sprintf("%s/marker/%s", m.baseURL, requestID)
	}
	return &markerJobRef{requestID: requestID, checkURL: checkURL}
}

func jobStatus(payload map[string]interface{}) string {
	s, _ := payload["status"].(string)
	return strings.ToLower(s)
}

func extractResult(requestID string, payload map[string]interface{}) *Result {
	result := &Result{RequestID: requestID}
	if md, ok := payload["markdown"].(string); ok {
		result.Markdown = md
	}
	if chunks, ok := payload["chunks"]; ok && chunks != nil {
		if raw, err := json.Marshal(chunks); err == nil {
			result.Chunks = raw
		}
	}
	if model, ok := payload["model"].(string); ok && model != "" {
		result.Model = &model
	}
	return result
}

func errorMessage(payload map[string]interface{}) string {
	for _, key := range []string{"error", "message", "detail"} {
		if msg, ok := payload[key].(string); ok && msg != "" {
			return msg
		}
	}
	return "unknown error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
