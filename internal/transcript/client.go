package transcript

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
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is matched by every status error that ends the session
var ErrUnauthorized = errors.New("transcript: session unauthorized")

// SinceLayout is the format of the last_msg_timestamp query parameter
const SinceLayout = "2006-01-02T15:04:05.000Z07:00"

// StatusError is a response outside the success range
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying (5xx and 429)
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Is makes every non-transient status match ErrUnauthorized
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && !e.Transient()
}

// IsUnauthorized reports whether err ends the session
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Config contains ingestion client configuration
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// ChunkUpload is one PUT to the ingestion endpoint
type ChunkUpload struct {
	Domain       string
	MeetingID    string
	ConnectionID string
	Token        string
	Index        int
	Timestamp    int64 // unix seconds
	Duration     int   // seconds
	Payload      []byte
}

// FetchRequest scopes a transcript poll
type FetchRequest struct {
	Domain    string     `json:"domain,omitempty"`
	MeetingID string     `json:"meetingId"`
	Token     string     `json:"token,omitempty"`
	Since     *time.Time `json:"since,omitempty"`

	// ConnectionID scopes an authorization failure to a capture session
	ConnectionID string `json:"connectionId,omitempty"`
}

// Fetcher returns transcript entries newer than the request watermark
type Fetcher interface {
	FetchTranscript(ctx context.Context, req FetchRequest) ([]Entry, error)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Client talks to the ingestion and transcription endpoints
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewClient creates a new ingestion HTTP client
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "meet-audio-relay/1.0"
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// PutChunk uploads one encoded segment
func (c *Client) PutChunk(ctx context.Context, chunk ChunkUpload) error {
	query := url.Values{}
	query.Set("meeting_id", chunk.MeetingID)
	query.Set("connection_id", chunk.ConnectionID)
	query.Set("token", chunk.Token)
	query.Set("i", strconv.Itoa(chunk.Index))
	query.Set("ts", strconv.FormatInt(chunk.Timestamp, 10))
	query.Set("l", strconv.Itoa(chunk.Duration))

	endpoint := strings.TrimRight(chunk.Domain, "/") + "/api/v1/extension/audio?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(chunk.Payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	_, err = c.do(req)
	return err
}

// FetchTranscript polls for entries newer than req.Since
func (c *Client) FetchTranscript(ctx context.Context, req FetchRequest) ([]Entry, error) {
	query := url.Values{}
	query.Set("meeting_id", req.MeetingID)
	query.Set("token", req.Token)
	if req.Since != nil {
		query.Set("last_msg_timestamp", req.Since.UTC().Format(SinceLayout))
	}

	endpoint := strings.TrimRight(req.Domain, "/") + "/api/v1/transcription?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	if len(bytes.TrimSpace(body)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return entries, nil
}

// do performs one request; 2xx and 3xx count as success
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	c.incrementTotalRequests()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.incrementFailedRequests()
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.incrementFailedRequests()
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		c.incrementFailedRequests()
		c.logger.Debug("Request rejected",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
		)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(start))
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = duration
	} else {
		c.avgResponseTime = (c.avgResponseTime + duration) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var successRate float64
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
	}
}
