package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/models"
	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

const (
	// HeaderCacheStatus reports HIT or MISS on successful completions.
	HeaderCacheStatus = "X-Cache-Status"

	// MaxPromptLength is counted in characters, not bytes.
	MaxPromptLength = 10000

	maxBodyBytes = 1 << 20

	completionCategory = ratelimit.CategoryExpensiveExternalCall
)

type completionBody struct {
	Prompt   json.RawMessage `json:"prompt"`
	UseCache json.RawMessage `json:"useCache"`
}

// decodeCompletion parses and validates a completion request body.
func decodeCompletion(r io.Reader) (models.CompletionRequest, *ValidationError) {
	var body completionBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.CompletionRequest{}, &ValidationError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: "Request body too large",
			}
		}
		return models.CompletionRequest{}, badRequest("Prompt is required and must be a string")
	}

	var prompt string
	if len(body.Prompt) == 0 || json.Unmarshal(body.Prompt, &prompt) != nil || prompt == "" {
		return models.CompletionRequest{}, badRequest("Prompt is required and must be a string")
	}
	if n := utf8.RuneCountInString(prompt); n > MaxPromptLength {
		return models.CompletionRequest{}, badRequest(fmt.Sprintf("Prompt too long (%d/%d characters)", n, MaxPromptLength))
	}

	req := models.CompletionRequest{Prompt: prompt}
	if len(body.UseCache) > 0 && string(body.UseCache) != "null" {
		var use bool
		if json.Unmarshal(body.UseCache, &use) != nil {
			return models.CompletionRequest{}, badRequest("useCache must be a boolean")
		}
		req.UseCache = &use
	}
	return req, nil
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := loggerFrom(ctx, s.logger)
	ip := ratelimit.ClientIP(r, s.cfg.RateLimit.TrustForwarded)

	// rejected requests report the window without consuming a slot
	if r.Method != http.MethodPost {
		s.peekHeaders(w, r, ip)
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	req, verr := decodeCompletion(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if verr != nil {
		s.peekHeaders(w, r, ip)
		writeJSONError(w, verr.Status, verr.Message)
		return
	}

	d, err := s.limiter.Check(ctx, ip, completionCategory)
	switch {
	case err != nil:
		log.Error("rate limiter unavailable, admitting request", zap.Error(err))
	case !d.Allowed:
		ratelimit.SetHeaders(w.Header(), d)
		retry := d.RetryAfter(s.now())
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, models.RateLimitedResponse{
			Error:      s.completion.Message,
			RetryAfter: retry,
			Limit:      d.Limit,
			Current:    d.Current,
		})
		return
	default:
		ratelimit.SetHeaders(w.Header(), d)
	}

	useCache := s.cache != nil && req.CacheEnabled()
	var key cache.Key
	if useCache {
		key = s.cache.Key(req.Prompt)
		if body, ok := s.cache.Lookup(ctx, key); ok {
			w.Header().Set(HeaderCacheStatus, "HIT")
			writeRawJSON(w, http.StatusOK, body)
			return
		}
	}

	// the provider call and the write-through outlive a client that hangs up
	body, err := s.complete(context.WithoutCancel(ctx), key, req.Prompt, useCache)
	if err != nil {
		log.Error("completion failed", zap.Error(err), zap.String("client", ip))
		writeJSONError(w, http.StatusInternalServerError, upstreamFailureMessage)
		return
	}
	w.Header().Set(HeaderCacheStatus, "MISS")
	writeRawJSON(w, http.StatusOK, body)
}

// complete calls the provider and stores the JSON encoded text under key
// when useCache is set. Concurrent cached misses for one key share a call
// when single flight is enabled.
func (s *Server) complete(ctx context.Context, key cache.Key, prompt string, useCache bool) ([]byte, error) {
	call := func() ([]byte, error) {
		text, err := s.completer.Complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(text)
		if err != nil {
			return nil, fmt.Errorf("encode completion: %w", err)
		}
		if useCache {
			s.cache.Store(ctx, key, body)
		}
		return body, nil
	}

	if !useCache || !s.cfg.Cache.SingleFlight {
		return call()
	}
	v, err, _ := s.flight.Do(string(key), func() (any, error) {
		return call()
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Server) peekHeaders(w http.ResponseWriter, r *http.Request, ip string) {
	d, err := s.limiter.Peek(r.Context(), ip, completionCategory)
	if err != nil {
		loggerFrom(r.Context(), s.logger).Warn("rate limit peek failed", zap.Error(err))
		return
	}
	ratelimit.SetHeaders(w.Header(), d)
}
