package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	EndpointAll        = "/all"
	EndpointStatus     = "/status"
	EndpointPrediction = "/prediction"
	EndpointPump       = "/pump/"

	maxBodyBytes = 1 << 20
	sampleLimit  = 200
)

// Config contains the bridge client settings
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	HistoryPath    string
	WeatherPath    string
	ChatPath       string
	AutoModeAction string

	// Consecutive failures before an endpoint's breaker opens, and how long it stays open
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// CallOptions describes a single bridge request
type CallOptions struct {
	Method string
	Query  url.Values
	Body   any
}

// Client is the typed adapter over the bridge HTTP API.
// Every failure is returned as *FetchError; nothing is retried here.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a bridge client with an instrumented transport
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AutoModeAction == "" {
		cfg.AutoModeAction = "AUTO"
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "bridge " + r.Method + " " + r.URL.Path
				}),
			),
		},
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// BaseURL returns the bridge base URL in use
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Call performs one request against endpoint and returns the raw JSON body
func (c *Client) Call(ctx context.Context, endpoint string, opts CallOptions) (json.RawMessage, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.cfg.BaseURL + endpoint
	if len(opts.Query) > 0 {
		target += "?" + opts.Query.Encode()
	}

	var payload []byte
	if opts.Body != nil {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, &FetchError{Kind: KindDecode, Endpoint: endpoint, Err: fmt.Errorf("failed to encode request body: %w", err)}
		}
		payload = data
	}

	result, err := c.breaker(endpoint).Execute(func() (interface{}, error) {
		return c.do(ctx, method, endpoint, target, payload)
	})
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return nil, fetchErr
		}
		// open or half-open breaker refusing the call
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}

	return result.(json.RawMessage), nil
}

// do performs a single HTTP exchange
func (c *Client) do(ctx context.Context, method, endpoint, target string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Kind: KindHTTPStatus, Endpoint: endpoint, StatusCode: resp.StatusCode, Body: data}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}

	if !json.Valid(data) {
		c.logger.Warn("bridge returned invalid JSON",
			zap.String("endpoint", endpoint),
			zap.String("sample", sample(data)))
		return nil, &FetchError{Kind: KindDecode, Endpoint: endpoint, Err: errors.New("invalid JSON")}
	}

	return json.RawMessage(data), nil
}

// breaker returns the circuit breaker guarding endpoint, creating it on first use
func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}

	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: c.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("bridge circuit breaker state changed",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

// countsAsSuccess keeps client-side problems from tripping a breaker
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	switch fetchErr.Kind {
	case KindDecode:
		return true
	case KindHTTPStatus:
		return fetchErr.StatusCode < 500
	}
	return false
}

func decode[T any](endpoint string, raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &FetchError{Kind: KindDecode, Endpoint: endpoint, Err: err}
	}
	return &v, nil
}

// GetAll fetches sensor data, prediction and status in one request
func (c *Client) GetAll(ctx context.Context) (*AllResponse, error) {
	raw, err := c.Call(ctx, EndpointAll, CallOptions{})
	if err != nil {
		return nil, err
	}
	return decode[AllResponse](EndpointAll, raw)
}

// GetStatus fetches the device status
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	raw, err := c.Call(ctx, EndpointStatus, CallOptions{})
	if err != nil {
		return nil, err
	}
	return decode[Status](EndpointStatus, raw)
}

// GetPrediction fetches the latest crop prediction
func (c *Client) GetPrediction(ctx context.Context) (*Prediction, error) {
	raw, err := c.Call(ctx, EndpointPrediction, CallOptions{})
	if err != nil {
		return nil, err
	}
	return decode[Prediction](EndpointPrediction, raw)
}

// GetHistory fetches up to limit past sensor records, oldest first
func (c *Client) GetHistory(ctx context.Context, limit int) ([]SensorData, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.Call(ctx, c.cfg.HistoryPath, CallOptions{Query: query})
	if err != nil {
		return nil, err
	}
	records, err := decode[[]SensorData](c.cfg.HistoryPath, raw)
	if err != nil {
		return nil, err
	}
	return *records, nil
}

// GetWeather fetches the current weather
func (c *Client) GetWeather(ctx context.Context) (*Weather, error) {
	raw, err := c.Call(ctx, c.cfg.WeatherPath, CallOptions{})
	if err != nil {
		return nil, err
	}
	return decode[Weather](c.cfg.WeatherPath, raw)
}

// Chat forwards a chat message to the bridge
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	raw, err := c.Call(ctx, c.cfg.ChatPath, CallOptions{Method: http.MethodPost, Body: req})
	if err != nil {
		return nil, err
	}
	return decode[ChatResponse](c.cfg.ChatPath, raw)
}

// SetPump switches the pump on or off
func (c *Client) SetPump(ctx context.Context, on bool) error {
	action := "OFF"
	if on {
		action = "ON"
	}
	return c.command(ctx, action)
}

// EnableAutoMode hands pump control to the rig's automation
func (c *Client) EnableAutoMode(ctx context.Context) error {
	return c.command(ctx, c.cfg.AutoModeAction)
}

func (c *Client) command(ctx context.Context, action string) error {
	endpoint := EndpointPump + action

	raw, err := c.Call(ctx, endpoint, CallOptions{Method: http.MethodPost})
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.Kind == KindHTTPStatus && fetchErr.StatusCode < 500 {
			if msg, ok := rejectionMessage(fetchErr.Body); ok {
				return &CommandRejectedError{Command: action, Message: msg, StatusCode: fetchErr.StatusCode}
			}
		}
		return err
	}

	resp, err := decode[CommandResponse](endpoint, raw)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &CommandRejectedError{Command: action, Message: resp.Message, StatusCode: http.StatusOK}
	}

	c.logger.Debug("bridge accepted pump command",
		zap.String("command", action),
		zap.String("message", resp.Message))
	return nil
}

// rejectionMessage extracts the message of a {success:false} body
func rejectionMessage(body []byte) (string, bool) {
	var resp CommandResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Success {
		return "", false
	}
	return resp.Message, true
}

// sample shortens a body for error messages without splitting a UTF-8 sequence
func sample(data []byte) string {
	if len(data) <= sampleLimit {
		return string(data)
	}
	cut := sampleLimit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "..."
}
