package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"go-timer/internal/model"
)

const maxDetailBytes = 4 << 10

type HTTPInvokerConfig struct {
	Timeout time.Duration
	// Rate is the number of invocations per second across all jobs. Zero
	// or less disables throttling.
	Rate   float64
	Burst  int
	Tokens TokenSource
	Client *http.Client
}

type HTTPInvoker struct {
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	tokens  TokenSource
}

func NewHTTPInvoker(config HTTPInvokerConfig) *HTTPInvoker {
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	tokens := config.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPInvoker{
		client:  client,
		timeout: config.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		tokens:  tokens,
	}
}

// Invoke POSTs the action body to the action URL. Any transport error or a
// status of 400 and above is a failed outcome; Invoke never returns an error.
func (inv *HTTPInvoker) Invoke(ctx context.Context, action model.Action) Outcome {
	if err := inv.limiter.Wait(ctx); err != nil {
		return failure(0, fmt.Errorf("throttled: %w", err))
	}
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	body := action.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(body))
	if err != nil {
		return failure(0, fmt.Errorf("failed creating action request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := inv.tokens.Token(ctx, action.Scope)
	if err != nil {
		return failure(0, fmt.Errorf("failed getting token for scope %q: %w", action.Scope, err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"error": err, "url": action.URL}).Debug("Action request failed")
		return failure(0, fmt.Errorf("action request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	if err != nil {
		return failure(resp.StatusCode, fmt.Errorf("failed reading action response: %w", err))
	}
	return Outcome{
		Success:    resp.StatusCode < http.StatusBadRequest,
		StatusCode: resp.StatusCode,
		Detail:     detail(raw),
	}
}

func detail(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return append(json.RawMessage(nil), raw...)
	}
	wrapped, _ := json.Marshal(string(raw))
	return wrapped
}
