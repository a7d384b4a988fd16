// Package provider calls the upstream LLM.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pario-ai/promptgate/pkg/config"
	"github.com/pario-ai/promptgate/pkg/metrics"
	"github.com/pario-ai/promptgate/pkg/models"
)

// Completer turns a prompt into response text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// UpstreamError describes a failed provider call. It is meant for logs;
// callers never show it to clients.
type UpstreamError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream returned %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// maxSnippet bounds the upstream body kept in an UpstreamError.
const maxSnippet = 512

// Anthropic calls the /v1/messages endpoint.
type Anthropic struct {
	cfg     config.ProviderConfig
	client  *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// Option configures an Anthropic client.
type Option func(*Anthropic)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Anthropic) { a.client = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Anthropic) { a.metrics = m }
}

// NewAnthropic creates a client for cfg. cfg.MaxRPS > 0 paces outgoing calls.
func NewAnthropic(cfg config.ProviderConfig, opts ...Option) *Anthropic {
	a := &Anthropic{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.MaxRPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Complete sends prompt as a single user message and returns the first text block.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := a.complete(ctx, prompt)
	a.metrics.ObserveUpstream(err, time.Since(start))
	return text, err
}

func (a *Anthropic) complete(ctx context.Context, prompt string) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", &UpstreamError{Err: fmt.Errorf("outbound pacing: %w", err)}
		}
	}

	temperature := a.cfg.Temperature
	body, err := json.Marshal(models.AnthropicRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: &temperature,
		Messages:    []models.ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(a.cfg.URL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", a.cfg.Version)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: snippet(respBody)}
	}

	var parsed models.AnthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	text, ok := parsed.FirstText()
	if !ok {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: snippet(respBody), Err: fmt.Errorf("no text content")}
	}
	return text, nil
}

func snippet(b []byte) string {
	if len(b) > maxSnippet {
		return string(b[:maxSnippet]) + "..."
	}
	return string(b)
}
