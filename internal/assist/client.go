package assist

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/pkg/logger"
	"icebreaker/backend/pkg/resilience"
)

const maxErrorBody = 64 << 10

var tracer = otel.Tracer("icebreaker/assist")

// Config holds client settings
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Breaker guards the service; nil disables it
	Breaker *resilience.CircuitBreaker
}

// Client calls POST {BaseURL}/assist. It makes exactly one attempt per
// request.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

// NewClient creates an assistant client
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		breaker: cfg.Breaker,
		log:     log.WithComponent("assist"),
	}
}

// Request sends req and returns the assistant's text. Every failure is an
// *Error whose Detail comes from the service's error body when it has one.
func (c *Client) Request(ctx context.Context, req Request) (string, error) {
	if req.Mode == ModeSummary {
		req.Question = ""
	}
	if err := req.Validate(); err != nil {
		return "", &Error{Mode: req.Mode, Detail: err.Error(), Cause: err}
	}

	ctx, span := tracer.Start(ctx, "assist.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("assist.mode", string(req.Mode)),
		attribute.String("room.id", req.RoomID),
	)

	start := time.Now()
	var text string
	var reqErr error
	call := func() error {
		text, reqErr = c.do(ctx, req)
		// only transport failures and 5xx count against the breaker
		var ae *Error
		if errors.As(reqErr, &ae) && ae.StatusCode >= 400 && ae.StatusCode < 500 {
			return nil
		}
		return reqErr
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			reqErr = &Error{Mode: req.Mode, Detail: UnavailableError, Cause: err}
		}
	} else {
		_ = call()
	}
	metrics.AssistLatency.WithLabelValues(string(req.Mode)).Observe(time.Since(start).Seconds())

	if reqErr != nil {
		metrics.AssistRequests.WithLabelValues(string(req.Mode), "error").Inc()
		span.RecordError(reqErr)
		span.SetStatus(codes.Error, reqErr.Error())
		c.log.Warn("assist request failed",
			"room_id", req.RoomID,
			"mode", string(req.Mode),
			"error", reqErr.Error(),
		)
		return "", reqErr
	}

	metrics.AssistRequests.WithLabelValues(string(req.Mode), "ok").Inc()
	if req.Mode == ModeQA && strings.TrimSpace(text) == "" {
		text = EmptyAnswer
	}
	return text, nil
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	fail := func(status int, detail string, cause error) error {
		if detail == "" {
			detail = DefaultDetail(req.Mode)
		}
		return &Error{Mode: req.Mode, Detail: detail, StatusCode: status, Cause: cause}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fail(0, "", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assist", bytes.NewReader(body))
	if err != nil {
		return "", fail(0, "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fail(0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		detail := strings.TrimSpace(eb.Details)
		if detail == "" {
			detail = strings.TrimSpace(eb.Error)
		}
		return "", fail(resp.StatusCode, detail, fmt.Errorf("assist service returned %d", resp.StatusCode))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fail(resp.StatusCode, "", fmt.Errorf("decode assist response: %w", err))
	}
	return out.Text, nil
}
