// Package rest is the backend REST client used by the call, chat and device
// services.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"crowdbank-realtime/pkg/constants"
	apperrors "crowdbank-realtime/pkg/errors"
	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/metrics"
	"crowdbank-realtime/pkg/resilience"
)

const maxResponseSize = 1 << 20

// Config configures a Client
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Metrics     *metrics.Metrics
	// FailureThreshold and ResetTimeout tune the circuit breaker
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Client talks to the backend API with the user's access token
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// NewClient creates a backend client
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = constants.DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	m := cfg.Metrics
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		http:    httpClient,
		metrics: m,
		breaker: resilience.NewCircuitBreaker(resilience.Config{
			Name:             "backend",
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
			IsFailure:        isBackendFailure,
			OnStateChange: func(name string, state resilience.CircuitBreakerState) {
				m.SetBreakerState(name, int(state))
			},
		}),
	}
}

// BreakerState exposes the circuit breaker state for health reporting
func (c *Client) BreakerState() resilience.CircuitBreakerState {
	return c.breaker.State()
}

// isBackendFailure counts transport errors and 5xx responses against the
// breaker. 4xx responses are the caller's problem, not the backend's.
func isBackendFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeBackend {
		return appErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// do sends one JSON request. endpoint is a low-cardinality name for metrics.
func (c *Client) do(ctx context.Context, method, path, endpoint string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		payload = data
	}

	err := c.breaker.Execute(ctx, endpoint, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("build %s request: %w", endpoint, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.RecordBackendRequest(endpoint, 0, time.Since(start))
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		c.metrics.RecordBackendRequest(endpoint, resp.StatusCode, time.Since(start))

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("read %s response: %w", endpoint, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backendError(resp.StatusCode, data)
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	})

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.BackendUnavailableError(err)
	}
	if err != nil {
		logger.Debug("Backend request failed",
			zap.String("endpoint", endpoint),
			zap.String("method", method),
			zap.Error(err),
		)
	}
	return err
}

// backendError maps a non-2xx response, keeping the backend's message
func backendError(status int, body []byte) error {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Detail != "":
			msg = payload.Detail
		}
	}
	return apperrors.BackendError(status, msg)
}
