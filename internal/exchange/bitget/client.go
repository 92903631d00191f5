// Package bitget implements the exchange client and the derivatives/spot
// adapter families for the Bitget v2 REST API.
package bitget

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"
	"auto_trader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.bitget.com"

	requestTimeout = 10 * time.Second
)

// envelope is the common Bitget response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client is the signed REST client shared by both adapter families. GET
// requests run through a failsafe retry+breaker pipeline; POSTs (order
// mutations) are sent exactly once and rely on clientOid idempotency at the
// venue.
type Client struct {
	cfg      *config.ExchangeConfig
	baseURL  string
	http     *http.Client
	pipeline failsafe.Executor[*http.Response]
	limiter  *rate.Limiter
	logger   core.ILogger

	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a signed Bitget client from exchange credentials.
func NewClient(cfg *config.ExchangeConfig, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	meter := telemetry.GetMeter("bitget-client")
	reqCounter, _ := meter.Int64Counter("auto_trader_exchange_requests_total",
		metric.WithDescription("Total exchange REST requests"))
	errCounter, _ := meter.Int64Counter("auto_trader_exchange_errors_total",
		metric.WithDescription("Total failed exchange REST requests"))
	latencyHist, _ := meter.Float64Histogram("auto_trader_exchange_request_duration_seconds",
		metric.WithDescription("Exchange REST request latency in seconds"))

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: requestTimeout,
		},
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		limiter:     rate.NewLimiter(rate.Limit(20), 40),
		logger:      logger.WithField("component", "bitget_client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// sign adds the ACCESS-* authentication headers. The signature input is
// timestamp + method + path(+query) + body, HMAC-SHA256, base64.
func (c *Client) sign(req *http.Request, body string) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	payload := timestamp + req.Method + path + body

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", string(c.cfg.APIKey))
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", string(c.cfg.Passphrase))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	if c.cfg.Simulated {
		req.Header.Set("paptrading", "1")
	}
}

// Get sends a signed GET request and returns the unwrapped data payload.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	c.sign(req, "")
	return c.do(req, true)
}

// Post sends a signed POST request with a JSON body and returns the
// unwrapped data payload. POSTs bypass the retry pipeline so an order
// mutation is never replayed by the transport layer.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}

	c.sign(req, string(jsonBody))
	return c.do(req, false)
}

func (c *Client) do(req *http.Request, retriable bool) (json.RawMessage, error) {
	ctx := req.Context()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
	c.reqCounter.Add(ctx, 1, attrs)

	var resp *http.Response
	var err error
	if retriable {
		resp, err = c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
			return c.http.Do(req)
		})
	} else {
		resp, err = c.http.Do(req)
	}

	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%w: reading response: %v", apperrors.ErrNetwork, err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		c.errCounter.Add(ctx, 1, attrs)
		return nil, apperrors.ErrRateLimitExceeded
	case http.StatusUnauthorized, http.StatusForbidden:
		c.errCounter.Add(ctx, 1, attrs)
		return nil, apperrors.ErrAuthenticationFailed
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("bitget response (status %d): %s", resp.StatusCode, string(body))
	}

	if env.Code != "00000" {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, c.businessError(env.Code, env.Msg, resp.StatusCode)
	}

	return env.Data, nil
}

// businessError wraps a non-success envelope, preserving the venue code for
// the engine classifiers and mapping well-known codes onto sentinels.
func (c *Client) businessError(code, msg string, status int) error {
	var sentinel error
	switch code {
	case "40003": // request too frequent
		sentinel = apperrors.ErrRateLimitExceeded
	case "40012", "40014", "40037": // bad or expired credentials
		sentinel = apperrors.ErrAuthenticationFailed
	case "43009", "43012": // insufficient balance
		sentinel = apperrors.ErrInsufficientFunds
	case "40029", "40109": // order not found
		sentinel = apperrors.ErrOrderNotFound
	case "40009": // system error
		sentinel = apperrors.ErrSystemOverload
	case "40019", "45110": // bad parameter, below min amount
		sentinel = apperrors.ErrInvalidOrderParameter
	}
	return apperrors.NewExchangeError(code, msg, status, sentinel)
}
