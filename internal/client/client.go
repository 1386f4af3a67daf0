// Package client talks to the engine's HTTP API on behalf of a reader device.
// Transport failures are retried by the shared retry policy behind a circuit
// breaker; engine rejections come back as the domain's sentinel errors.
package client

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

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/retry"
)

const requestIDHeader = "X-Request-Id"

type Config struct {
	BaseURL string
	// Token is sent as a Bearer token when set. Hardware scans don't need one;
	// connect and disconnect do.
	Token      string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
	// FailureThreshold opens the breaker after that many consecutive
	// transient failures.
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Logger           *slog.Logger
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	policy  retry.Policy
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

// APIError is a non-2xx answer from the engine.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine returned %d", e.StatusCode)
	}
	return fmt.Sprintf("engine returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_request", "invalid_device_id", "invalid_product_id":
		return domain.ErrInvalidRequest
	case "unbound_device":
		return domain.ErrUnboundDevice
	case "product_not_found":
		return domain.ErrProductNotFound
	case "out_of_stock":
		return domain.ErrOutOfStock
	case "already_bound":
		return domain.ErrAlreadyBound
	}
	return nil
}

type ScanResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Cart      *domain.Cart    `json:"cart,omitempty"`
	Product   *domain.Product `json:"product,omitempty"`
}

type DeviceStatus struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message,omitempty"`
	DeviceID string     `json:"deviceId,omitempty"`
	UserID   string     `json:"userId,omitempty"`
	Bound    bool       `json:"bound"`
	BoundAt  *time.Time `json:"boundAt,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "engine-api",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Engine rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransientTransport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		policy:  cfg.Retry,
		breaker: breaker,
		logger:  cfg.Logger,
	}
}

// Scan reports a tag read from a bound device. Retried scans are safe: the
// engine suppresses repeats inside its cooldown window.
func (c *Client) Scan(ctx context.Context, deviceID, tag string, action domain.Action) (ScanResult, error) {
	var res ScanResult
	body := map[string]string{
		"rfidTag":  tag,
		"action":   string(action),
		"deviceId": deviceID,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/scan", body, &res); err != nil {
		return ScanResult{}, err
	}
	return res, nil
}

func (c *Client) Connect(ctx context.Context, deviceID string) (DeviceStatus, error) {
	var res DeviceStatus
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices/connect", map[string]string{"deviceId": deviceID}, &res); err != nil {
		return DeviceStatus{}, err
	}
	return res, nil
}

func (c *Client) Disconnect(ctx context.Context) (DeviceStatus, error) {
	var res DeviceStatus
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices/disconnect", nil, &res); err != nil {
		return DeviceStatus{}, err
	}
	return res, nil
}

func (c *Client) Device(ctx context.Context, deviceID string) (DeviceStatus, error) {
	var res DeviceStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+deviceID, nil, &res); err != nil {
		return DeviceStatus{}, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	requestID := uuid.NewString()

	_, err := retry.Do(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.roundTrip(ctx, method, path, requestID, payload, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, retry.Transient(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		c.logger.Debug("engine request failed",
			"method", method,
			"path", path,
			"request_id", requestID,
			"error", err,
		)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, requestID string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requestIDHeader, requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
			apiErr.Code, apiErr.Message = eb.Code, eb.Message
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.Transient(apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
