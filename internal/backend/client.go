package backend

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

	"HealthChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Framing selects how the gateway response body is turned into text chunks
type Framing string

const (
	// FramingSSE parses "data:" lines of an event stream
	FramingSSE Framing = "sse"
	// FramingRaw treats the body as plain incremental text
	FramingRaw Framing = "raw"
)

const defaultTimeout = 120 * time.Second

var (
	// ErrNoStream is returned when the gateway answers without a readable body
	ErrNoStream = errors.New("gateway response has no readable stream")
	// ErrRateLimited is returned when the local request budget is exhausted
	ErrRateLimited = errors.New("gateway request rate exceeded")
	// ErrNoEndpoint is returned when the selected endpoint is not configured
	ErrNoEndpoint = errors.New("gateway endpoint not configured")
)

// StatusError reports a non-success HTTP status from the gateway
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Stream yields the assistant reply as text chunks.
// Recv returns io.EOF once the reply is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Transport is the contract the conversation manager consumes
type Transport interface {
	Stream(ctx context.Context, messages []ChatMessage, opts session.TurnOptions) (Stream, error)
}

// Config holds the recognized transport options
type Config struct {
	EndpointPrimary   string
	EndpointAlternate string // proof-of-concept endpoint
	Credential        string
	Framing           Framing
	Timeout           time.Duration
	RatePerSecond     float64 // 0 disables limiting
}

// Client issues chat requests to the remote gateway. It performs no retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	tracer     trace.Tracer
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewClient creates a gateway client from an explicit configuration
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.EndpointPrimary) == "" {
		return nil, fmt.Errorf("primary endpoint: %w", ErrNoEndpoint)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Framing == "" {
		cfg.Framing = FramingSSE
	}
	if cfg.Framing != FramingSSE && cfg.Framing != FramingRaw {
		return nil, fmt.Errorf("unknown framing %q (sse|raw)", cfg.Framing)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	meter := otel.Meter("healthchat/backend")
	requests, err := meter.Int64Counter("gateway.requests",
		metric.WithDescription("Gateway requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	duration, err := meter.Float64Histogram("http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		tracer:     otel.Tracer("healthchat/backend"),
		requests:   requests,
		duration:   duration,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

// Stream posts the conversation to the gateway and returns the reply stream.
// A synthesized system message is prepended to messages. The gateway.stream
// span stays open until the returned stream is closed.
func (c *Client) Stream(ctx context.Context, messages []ChatMessage, opts session.TurnOptions) (_ Stream, err error) {
	ctx, span := c.tracer.Start(ctx, "gateway.stream")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
	}()

	endpoint := c.cfg.EndpointPrimary
	if opts.UseAlternate {
		endpoint = c.cfg.EndpointAlternate
	}
	span.SetAttributes(
		attribute.Bool("gateway.alternate", opts.UseAlternate),
		attribute.Int("gateway.messages", len(messages)),
	)
	if endpoint == "" {
		c.record(ctx, "no_endpoint")
		return nil, fmt.Errorf("alternate endpoint: %w", ErrNoEndpoint)
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.record(ctx, "rate_limited")
		return nil, ErrRateLimited
	}

	reqMessages := make([]ChatMessage, 0, len(messages)+1)
	reqMessages = append(reqMessages, ChatMessage{
		Role:    string(session.RoleSystem),
		Content: BuildSystemPrompt(opts),
	})
	reqMessages = append(reqMessages, messages...)

	body, err := json.Marshal(GatewayRequest{
		Messages:     reqMessages,
		Persona:      opts.Persona,
		EmpathyLevel: opts.EmpathyLevel,
		Stream:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Framing == FramingSSE {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Credential)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, "error")
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.record(ctx, "status")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		c.record(ctx, "no_stream")
		return nil, ErrNoStream
	}

	c.record(ctx, "ok")
	c.logger.Debug("gateway stream opened", "endpoint", endpoint, "status", resp.StatusCode, "framing", c.cfg.Framing)

	var stream Stream = newSSEStream(resp.Body)
	if c.cfg.Framing == FramingRaw {
		stream = newRawStream(resp.Body)
	}
	return &tracedStream{Stream: stream, span: span}, nil
}

func (c *Client) record(ctx context.Context, outcome string) {
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

var _ Transport = (*Client)(nil)
