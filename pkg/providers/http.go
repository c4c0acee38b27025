package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ExecutePath is the endpoint an HTTP adapter posts normalized requests to.
const ExecutePath = "/v1/execute"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	// Name identifies the adapter, usually the vendor.
	Name string

	// BaseURL is the endpoint base; ExecutePath is appended.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout is the HTTP client timeout. Attempt deadlines come from ctx.
	Timeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// HTTPAdapter executes normalized requests against a JSON endpoint that
// speaks the normalized contract, typically a vendor sidecar. It performs
// exactly one attempt per call; retries belong to recovery.
type HTTPAdapter struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPAdapter creates an adapter with a pooled transport.
func NewHTTPAdapter(cfg HTTPConfig, logger *slog.Logger) *HTTPAdapter {
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &HTTPAdapter{
		config: cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger.With("component", "adapter", "adapter", cfg.Name),
	}
}

// Name returns the configured adapter name.
func (a *HTTPAdapter) Name() string {
	return a.config.Name
}

type executeResponse struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// Execute posts req and decodes the normalized result. Non-2xx responses
// are returned as *ClassifiedError.
func (a *HTTPAdapter) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(a.config.BaseURL, "/") + ExecutePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}

	a.logger.Debug("sending request to adapter endpoint",
		"backend_id", req.BackendID,
		"correlation_id", req.CorrelationID,
	)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &ClassifiedError{
			Class:     Classify(err),
			BackendID: req.BackendID,
			Message:   "request failed",
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		class := ClassifyStatus(resp.StatusCode, string(errorBody))
		a.logger.Warn("adapter endpoint returned error status",
			"backend_id", req.BackendID,
			"status", resp.StatusCode,
			"class", class.String(),
		)
		return nil, &ClassifiedError{
			Class:      class,
			BackendID:  req.BackendID,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    strings.TrimSpace(string(errorBody)),
		}
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ClassifiedError{
			Class:      ClassUnknown,
			BackendID:  req.BackendID,
			StatusCode: resp.StatusCode,
			Message:    "failed to decode response",
			Err:        err,
		}
	}

	return &Result{
		BackendID:    req.BackendID,
		Content:      out.Content,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		FinishReason: out.FinishReason,
		Latency:      time.Since(start),
	}, nil
}

// Close releases idle connections.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds and HTTP-date formats.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
