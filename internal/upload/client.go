package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubroom/capture-service/internal/audio"
	"github.com/dubroom/capture-service/internal/session"
)

// Client posts encoded takes to the collaborator service.
type Client struct {
	config     Config
	logger     *slog.Logger
	httpClient *http.Client
	semaphore  chan struct{} // bounds concurrent uploads

	// Statistics
	totalUploads    uint64
	successUploads  uint64
	failedUploads   uint64
	bytesUploaded   uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains upload client configuration.
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
}

// Result is the collaborator's acknowledgement of a received take.
type Result struct {
	AssetID    string    `json:"asset_id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
}

// ClientStats represents client statistics.
type ClientStats struct {
	TotalUploads    uint64        `json:"total_uploads"`
	SuccessUploads  uint64        `json:"success_uploads"`
	FailedUploads   uint64        `json:"failed_uploads"`
	SuccessRate     float64       `json:"success_rate"`
	BytesUploaded   uint64        `json:"bytes_uploaded"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveUploads   int           `json:"active_uploads"`
}

// NewClient creates an upload client for the configured collaborator
// endpoint.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		logger:     logger,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Upload sends one encoded take to the collaborator. The payload is
// checked against the WAV header invariants before any bytes leave the
// agent. A failure is final; the caller decides whether to re-record.
func (c *Client) Upload(ctx context.Context, clip *session.EncodedClip) (*Result, error) {
	if clip == nil || len(clip.WAV) == 0 {
		return nil, fmt.Errorf("clip has no audio payload")
	}
	if err := audio.ValidateWAV(clip.WAV); err != nil {
		return nil, fmt.Errorf("clip failed WAV pre-flight: %w", err)
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalUploads()

	result, err := c.doRequest(ctx, clip)
	if err != nil {
		c.incrementFailedUploads()
		c.logger.Error("Take upload failed",
			slog.String("take_id", clip.TakeID.String()),
			slog.String("line_id", clip.LineID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("upload take %s: %w", clip.TakeID, err)
	}

	c.incrementSuccessUploads(uint64(len(clip.WAV)))
	c.updateAvgResponseTime(time.Since(startTime))

	c.logger.Info("Take uploaded",
		slog.String("take_id", clip.TakeID.String()),
		slog.String("line_id", clip.LineID),
		slog.Int("wav_bytes", len(clip.WAV)),
		slog.String("asset_id", result.AssetID),
		slog.Duration("took", time.Since(startTime)),
	)
	return result, nil
}

// doRequest performs the single HTTP POST for a take.
func (c *Client) doRequest(ctx context.Context, clip *session.EncodedClip) (*Result, error) {
	body, contentType, err := c.createMultipartRequest(clip)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Capture-Service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	result.ReceivedAt = time.Now()

	return &result, nil
}

// createMultipartRequest builds the multipart/form-data body carrying
// the WAV file and the take's metadata fields.
func (c *Client) createMultipartRequest(clip *session.EncodedClip) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("%s.wav", clip.TakeID)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(clip.WAV); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"take_id":     clip.TakeID.String(),
		"line_id":     clip.LineID,
		"duration_ms": strconv.FormatInt(clip.Duration.Milliseconds(), 10),
		"sample_rate": strconv.Itoa(clip.SampleRate),
		"channels":    strconv.Itoa(clip.Channels),
		"peak_dbfs":   fmt.Sprintf("%.2f", clip.PeakDBFS),
		"rms_dbfs":    fmt.Sprintf("%.2f", clip.RMSDBFS),
		"mime_type":   "audio/wav",
		"recorded_at": clip.CreatedAt.Format(time.RFC3339),

		"request_id":        uuid.New().String(),
		"request_timestamp": time.Now().Format(time.RFC3339),
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Statistics methods
func (c *Client) incrementTotalUploads() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalUploads++
}

func (c *Client) incrementSuccessUploads(bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successUploads++
	c.bytesUploaded += bytes
}

func (c *Client) incrementFailedUploads() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedUploads++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalUploads > 0 {
		successRate = float64(c.successUploads) / float64(c.totalUploads) * 100
	}

	return ClientStats{
		TotalUploads:    c.totalUploads,
		SuccessUploads:  c.successUploads,
		FailedUploads:   c.failedUploads,
		SuccessRate:     successRate,
		BytesUploaded:   c.bytesUploaded,
		AvgResponseTime: c.avgResponseTime,
		ActiveUploads:   len(c.semaphore),
	}
}

// Close waits for all in-flight uploads to complete.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
