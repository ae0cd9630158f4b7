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

	"github.com/cenkalti/backoff/v4"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/models"
)

// estimateCharsPerToken is the documented ratio used when the provider
// returns no usage record: four characters of UTF-8 text per token.
const estimateCharsPerToken = 4

// FallbackSource is the registry view the client needs: the next untried
// model for a purpose, and per-model billing rates. Satisfied by
// *registry.Registry.
type FallbackSource interface {
	Fallback(companyID string, purpose config.Purpose, tried []string) (config.ModelChoice, bool)
	Rate(modelID string) (inputPer1K, outputPer1K int)
}

// GatewayClient implements Client over the gateway's HTTP streaming
// endpoint.
type GatewayClient struct {
	cfg         config.GatewayConfig
	platformKey string
	registry    FallbackSource
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewGatewayClient creates a client for the configured gateway.
// platformKey is resolved from the environment by the caller.
func NewGatewayClient(cfg config.GatewayConfig, platformKey string, reg FallbackSource, logger *slog.Logger) *GatewayClient {
	return &GatewayClient{
		cfg:         cfg,
		platformKey: platformKey,
		registry:    reg,
		// Per-attempt deadlines come from contexts; no client-level
		// timeout or streaming responses would be cut off.
		httpClient: &http.Client{},
		logger:     logger.With("component", "llm_client"),
	}
}

// Call implements Client.
func (c *GatewayClient) Call(ctx context.Context, req CallRequest) (TokenStream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("call requires at least one message")
	}
	if req.Model.Model == "" {
		return nil, fmt.Errorf("call requires a model choice")
	}

	s := newStream()
	go c.run(ctx, req, s)
	return s, nil
}

// callState accumulates what survives across attempts of one call: chars
// for the estimation fallback and the finish metadata of the last attempt.
type callState struct {
	promptChars int
	outputChars int

	providerUsage *gatewayUsage
	finishReason  models.FinishReason
}

func (c *GatewayClient) run(ctx context.Context, req CallRequest, s *Stream) {
	hardCtx, cancel := context.WithTimeout(ctx, c.cfg.HardTimeout)
	defer cancel()

	state := &callState{finishReason: models.FinishStop}
	for _, m := range req.Messages {
		state.promptChars += len(m.Content)
	}

	model := req.Model
	err := c.callWithRetry(hardCtx, model, req, s, state)

	if err != nil && kindOf(err) != KindCancelled {
		if fb, ok := c.registry.Fallback(req.CompanyID, req.Purpose, []string{model.Model}); ok {
			c.logger.Warn("Primary model failed, retrying on fallback",
				"model", model.Model, "fallback", fb.Model, "error", err)
			model = fb
			err = c.attempt(hardCtx, model, req, s, state)
		}
	}

	usage := c.settleUsage(model.Model, state)
	switch {
	case err == nil:
		s.finish(model.Model, usage, state.finishReason, nil)
	case kindOf(err) == KindCancelled:
		s.finish(model.Model, usage, models.FinishCancelled, err)
	default:
		s.finish(model.Model, usage, models.FinishError, err)
	}
}

func (c *GatewayClient) callWithRetry(ctx context.Context, model config.ModelChoice, req CallRequest, s *Stream, state *callState) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.RetryMax)), ctx)

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := c.attempt(ctx, model, req, s, state)
		if err == nil {
			return nil
		}
		if kindOf(err).Retryable() {
			c.logger.Warn("Gateway attempt failed, will retry",
				"model", model.Model, "attempt", attempts, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// settleUsage prefers the provider's usage record; without one it estimates
// from character counts. Cost always comes from the registry's rates, in
// hundredths of a cent per 1K tokens, rounded up to whole cents.
func (c *GatewayClient) settleUsage(modelID string, state *callState) models.Usage {
	var in, out int
	if u := state.providerUsage; u != nil {
		in, out = u.PromptTokens, u.CompletionTokens
	} else {
		in = state.promptChars / estimateCharsPerToken
		out = state.outputChars / estimateCharsPerToken
	}
	inRate, outRate := c.registry.Rate(modelID)
	hundredths := in*inRate + out*outRate
	cost := (hundredths + 99_999) / 100_000
	if hundredths == 0 {
		cost = 0
	}
	return models.Usage{InputTokens: in, OutputTokens: out, CostCents: cost}
}

// ────────────────────────────────────────────────────────────
// Wire types
// ────────────────────────────────────────────────────────────

type gatewayRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type gatewayUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type gatewayChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *gatewayUsage `json:"usage"`
}

// attempt performs one streaming request against one model, emitting tokens
// onto the stream as they arrive.
func (c *GatewayClient) attempt(ctx context.Context, model config.ModelChoice, req CallRequest, s *Stream, state *callState) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.SoftTimeout)
	defer cancel()

	payload, err := json.Marshal(gatewayRequest{
		Model:    model.Model,
		Messages: req.Messages,
		Stream:   true,
	})
	if err != nil {
		return &CallError{Kind: KindBadRequest, Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return &CallError{Kind: KindBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.authKey(req))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.classifyTransport(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &CallError{
			Kind:    kindForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(body)),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk gatewayChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			state.providerUsage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			state.outputChars += len(choice.Delta.Content)
			select {
			case s.tokens <- choice.Delta.Content:
			case <-ctx.Done():
				return c.classifyTransport(ctx, attemptCtx, ctx.Err())
			}
		}
		if choice.FinishReason == "length" {
			state.finishReason = models.FinishLength
		}
	}
	if err := scanner.Err(); err != nil {
		return c.classifyTransport(ctx, attemptCtx, err)
	}
	return nil
}

func (c *GatewayClient) authKey(req CallRequest) string {
	if req.UserKey != "" && req.UserKeyActive {
		return req.UserKey
	}
	return c.platformKey
}

// classifyTransport separates caller cancellation from the soft timeout and
// from genuine transport failures.
func (c *GatewayClient) classifyTransport(parent, attempt context.Context, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &CallError{Kind: KindCancelled, Message: parent.Err().Error()}
	case parent.Err() != nil:
		return &CallError{Kind: KindTimeout, Message: "call exceeded hard timeout"}
	case errors.Is(attempt.Err(), context.DeadlineExceeded):
		return &CallError{Kind: KindTimeout, Message: "call exceeded soft timeout"}
	default:
		return &CallError{Kind: KindServerError, Message: err.Error()}
	}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindBadRequest
	}
}

// kindOf extracts the kind from any call error chain.
func kindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindServerError
}
