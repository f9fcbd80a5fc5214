// Package llm streams answers from an OpenAI-compatible chat completion API
// (Groq by default), grounded on retrieved documents.
package llm

import (
	"bufio"
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

	"golang.org/x/time/rate"

	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/pkg/config"
	apperrors "github.com/gciqs/gciqs/pkg/errors"
	"github.com/gciqs/gciqs/pkg/metrics"
	"github.com/gciqs/gciqs/pkg/resilience"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = fmt.Errorf("%w: llm api key is not set", apperrors.ErrNotConfigured)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	maxErrorBody = 4 << 10
	maxLineBytes = 1 << 20
	retryDelay   = 200 * time.Millisecond
)

// StatusError is a non-200 response from the completion API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return apperrors.ErrRateLimited
	}
	return apperrors.ErrUpstream
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Client calls the completion API through a rate limiter and a circuit
// breaker, retrying transient failures up to MaxAttempts before the first
// token arrives. It is safe for concurrent use.
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker[*http.Response]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Client. m may be nil.
func New(cfg config.LLMConfig, m *metrics.Metrics) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		burst = max(1, cfg.RequestsPerMinute/10)
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  slog.Default().With("component", "llm-client", "model", cfg.Model),
	}
	c.breaker = resilience.NewCircuitBreaker[*http.Response]("llm", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		ResetTimeout:     cfg.BreakerCooldown,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// Stream sends query and docs to the API and calls onToken with every
// content fragment as it arrives. It returns when the stream ends, ctx is
// done or onToken fails.
func (c *Client) Stream(ctx context.Context, query string, docs []corpus.Document, onToken func(string) error) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		c.count("rejected")
		return fmt.Errorf("%w: waiting for llm rate limiter: %v", apperrors.ErrRateLimited, err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    BuildMessages(query, docs),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("encoding chat request: %w", err)
	}

	var resp *http.Response
	err = resilience.Retry(ctx, "llm-request", resilience.RetryConfig{
		MaxAttempts:  max(1, c.cfg.MaxAttempts),
		InitialDelay: retryDelay,
		Retryable:    transient,
	}, func(ctx context.Context) error {
		var err error
		resp, err = c.breaker.Execute(func() (*http.Response, error) {
			return c.post(ctx, body)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.count("rejected")
			return fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
		}
		c.count("error")
		return err
	}
	defer resp.Body.Close()

	fragments, err := readStream(resp.Body, func(s string) error {
		if c.metrics != nil {
			c.metrics.LLMTokensStreamed.Inc()
		}
		return onToken(s)
	})
	if c.metrics != nil {
		c.metrics.LLMStreamDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		c.count("error")
		c.logger.Warn("llm stream ended with error", "fragments", fragments, "error", err)
		return err
	}
	c.count("ok")
	c.logger.Debug("llm stream complete", "fragments", fragments, "duration", time.Since(start))
	return nil
}

// Complete returns the whole answer as one string.
func (c *Client) Complete(ctx context.Context, query string, docs []corpus.Document) (string, error) {
	var b strings.Builder
	err := c.Stream(ctx, query, docs, func(s string) error {
		b.WriteString(s)
		return nil
	})
	return b.String(), err
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building llm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: calling llm api: %v", apperrors.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// transient reports whether a failed request may succeed if sent again.
// Nothing is retried once the breaker is open or the caller gave up.
func transient(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= http.StatusInternalServerError
	}
	return errors.Is(err, apperrors.ErrUpstream)
}

func (c *Client) count(status string) {
	if c.metrics != nil {
		c.metrics.LLMRequestsTotal.WithLabelValues(status).Inc()
	}
}

// readStream parses server-sent events until [DONE] or EOF. Lines other than
// "data: " payloads are ignored, as are payloads that do not decode.
func readStream(r io.Reader, onToken func(string) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	n := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == doneSentinel {
			return n, nil
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		n++
		if err := onToken(content); err != nil {
			return n, err
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("%w: reading llm stream: %v", apperrors.ErrUpstream, err)
	}
	return n, nil
}
