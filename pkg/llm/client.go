// Package llm streams one model call at a time against the external LLM
// gateway, hiding retries, fallback models, and usage accounting from the
// stage executor.
package llm

import (
	"context"
	"fmt"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/models"
)

// ErrorKind classifies the terminal outcome of one call.
type ErrorKind string

// Call outcome kinds.
const (
	KindOK          ErrorKind = "ok"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServerError ErrorKind = "server_error"
	KindBadRequest  ErrorKind = "bad_request"
	KindCancelled   ErrorKind = "cancelled"
)

// Retryable reports whether a kind may be retried on the same model.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// CallError is the typed failure surfaced by Stream.Wait.
type CallError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway call failed (%s, status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("gateway call failed (%s): %s", e.Kind, e.Message)
}

// CallRequest describes one model call. Model is the primary choice; the
// client consults the registry for a fallback when the primary fails
// permanently.
type CallRequest struct {
	CompanyID string
	Purpose   config.Purpose
	Model     config.ModelChoice
	Messages  []models.ChatMessage

	// UserKey is the caller's own gateway key. It overrides the platform
	// key when present and active.
	UserKey       string
	UserKeyActive bool
}

// TokenStream is the lazy, single-consumer view of one call's reply.
type TokenStream interface {
	// Tokens is closed when the call ends.
	Tokens() <-chan string

	// Wait blocks until the call ends and returns the usage record, the
	// finish reason, and the terminal error (nil on success).
	Wait() (models.Usage, models.FinishReason, error)

	// Model is the model id that produced the final attempt; valid after
	// Wait returns.
	Model() string
}

// Client sends one prompt to one model and streams the reply.
type Client interface {
	// Call starts the request and returns immediately; tokens arrive on
	// the stream as the gateway produces them. Retries and model fallback
	// happen behind the stream — tokens emitted by a failed attempt are
	// not rolled back.
	Call(ctx context.Context, req CallRequest) (TokenStream, error)
}

// Stream is the TokenStream produced by the gateway client.
type Stream struct {
	tokens chan string
	done   chan struct{}

	// Set before done closes.
	usage  models.Usage
	reason models.FinishReason
	model  string
	err    error
}

func newStream() *Stream {
	return &Stream{
		tokens: make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// Tokens returns the token channel. It is closed when the call ends.
func (s *Stream) Tokens() <-chan string { return s.tokens }

// Wait blocks until the call ends and returns the usage record, the finish
// reason, and the terminal error (nil on success). The token channel is
// closed before Wait returns.
func (s *Stream) Wait() (models.Usage, models.FinishReason, error) {
	<-s.done
	return s.usage, s.reason, s.err
}

// Model returns the model id that produced the final attempt. Valid after
// Wait returns; reflects the fallback model when one was used.
func (s *Stream) Model() string {
	<-s.done
	return s.model
}

func (s *Stream) finish(model string, usage models.Usage, reason models.FinishReason, err error) {
	s.model = model
	s.usage = usage
	s.reason = reason
	s.err = err
	close(s.tokens)
	close(s.done)
}
