package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vectorops-cmd/liveguard/internal/logging"
)

// Form contract the detection endpoint expects. The backend reads exactly
// one multipart file field; a mismatched field name fails the request, so
// these are fixed here rather than configurable.
const (
	imageFieldName = "image"
	imageFileName  = "image.jpg"
	sourceField    = "source"
)

// Client talks to the external spoof-detection backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a detection client for the given backend base URL.
// Every request carries the timeout; a hung backend can not stall a caller
// past it.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("inference_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Detect posts one frame for classification. At-most-once: no retry on any
// failure. source is "camera" or "upload".
func (c *Client) Detect(ctx context.Context, image []byte, source string) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(imageFieldName, imageFileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if source != "" {
		if err := writer.WriteField(sourceField, source); err != nil {
			return nil, fmt.Errorf("write source field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/detect", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
		c.logger.Error("detect request failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		statusErr := &StatusError{Code: resp.StatusCode, Body: string(text)}
		c.logger.Warn("backend rejected detection",
			zap.Int("status", resp.StatusCode),
			zap.Int("body_bytes", len(text)))
		return nil, statusErr
	}

	var raw rawResult
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, logging.NewOperationError("inference.decode_response", "", err)
	}
	if raw.Error != "" {
		return nil, &RemoteError{Message: raw.Error}
	}
	return raw.normalize(), nil
}

// Ping issues one liveness probe. Fire-and-forget semantics belong to the
// caller; this never retries.
func (c *Client) Ping(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ping", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(text)}
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, logging.NewOperationError("inference.decode_ping", "", err)
	}
	return &status, nil
}

// RecentLogs fetches up to limit past detections, newest first.
func (c *Client) RecentLogs(ctx context.Context, limit int) ([]LogRow, error) {
	endpoint := c.baseURL + "/api/logs?limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(text)}
	}

	var payload struct {
		Rows []rawResult `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, logging.NewOperationError("inference.decode_logs", "", err)
	}

	rows := make([]LogRow, 0, len(payload.Rows))
	for i := range payload.Rows {
		raw := &payload.Rows[i]
		row := LogRow{Result: *raw.normalize()}
		if raw.Timestamp != "" {
			if ts, err := parseTimestamp(raw.Timestamp); err == nil {
				row.Timestamp = ts
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchUpload streams a server-persisted frame, used to proxy thumbnails.
// The caller owns the returned body.
func (c *Client) FetchUpload(ctx context.Context, filename string) (io.ReadCloser, string, error) {
	endpoint := c.baseURL + "/uploads/" + url.PathEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, "", &StatusError{Code: resp.StatusCode, Body: string(text)}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
