// Package llm defines the provider abstraction over language-model backends
// and the Gateway that routes calls to the active provider with retries,
// usage accounting, and the cost kill-switch.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Chat roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn handed to a provider.
type Message struct {
	Role    string
	Content string
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completed generation.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is a language-model backend. Implementations must be safe for
// concurrent use and must honor ctx cancellation on every call.
type Provider interface {
	// Name identifies the provider ("openai", "yandex").
	Name() string
	// Generate produces a completion for the message sequence.
	Generate(ctx context.Context, msgs []Message) (*Response, error)
	// Classify answers a single-label classification prompt. The returned
	// string is the raw model output; callers normalize it.
	Classify(ctx context.Context, system, input string) (*Response, error)
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Health performs a cheap liveness probe.
	Health(ctx context.Context) error
}

// ErrCostLimitExceeded is returned by the gateway when the monthly budget is
// exhausted and the kill-switch is armed. Callers degrade to a static reply.
var ErrCostLimitExceeded = errors.New("monthly cost limit exceeded")

// TransientError wraps a failure worth retrying: timeouts, 5xx, 429.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure retries cannot fix: bad credentials,
// malformed requests, a disabled account.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
