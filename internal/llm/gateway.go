// Package llm implements a provider-agnostic chat(binding, view, tools)
// contract with per-call timeouts and a small bounded retry for
// transient transport errors. No multi-step reasoning happens here — the
// Agent Runtime owns the tool-call loop.
package llm

import (
	"context"
	"time"

	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/tools"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// DefaultChatTimeout is the per-call bound.
const DefaultChatTimeout = 30 * time.Second

// DefaultRetries is the small bounded retry for transient transport
// errors.
const DefaultRetries = 2

// Outcome tags the three shapes a chat call can resolve to.
type Outcome int

const (
	OutcomeReply Outcome = iota
	OutcomeToolCall
	OutcomeFailure
)

// ToolCallRequest is the gateway's normalized view of a provider asking to
// invoke one declared tool.
type ToolCallRequest struct {
	ToolName  string
	Arguments string // raw JSON argument blob
}

// Response is the normalized result of one chat call.
type Response struct {
	Outcome  Outcome
	Reply    string
	ToolCall ToolCallRequest
	Err      error
}

// Provider is implemented by each concrete backend (OpenAI, Gemini). A
// Provider performs exactly one request/response exchange; the Gateway
// applies timeout and retry uniformly across providers.
type Provider interface {
	Chat(ctx context.Context, model string, view contextbuilder.PromptView, available []tools.Descriptor) (Response, error)
}

// Binding names a provider and model, opaque to every caller except the
// Gateway.
type Binding struct {
	Provider string // "openai" or "gemini"
	Model    string
}

// Gateway dispatches a Binding to its concrete Provider.
type Gateway struct {
	providers map[string]Provider
	timeout   time.Duration
	retries   int
}

type Option func(*Gateway)

func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.timeout = d } }
func WithRetries(n int) Option           { return func(g *Gateway) { g.retries = n } }

func New(providers map[string]Provider, opts ...Option) *Gateway {
	g := &Gateway{providers: providers, timeout: DefaultChatTimeout, retries: DefaultRetries}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Chat adapts view and the agent's declared tools into binding's provider
// request, applying a per-call timeout and bounded retry on transient
// failures.
func (g *Gateway) Chat(ctx context.Context, binding Binding, view contextbuilder.PromptView, available []tools.Descriptor) Response {
	p, ok := g.providers[binding.Provider]
	if !ok {
		return Response{Outcome: OutcomeFailure, Err: vcerr.Newf(vcerr.LlmFailure, "unknown provider %q", binding.Provider)}
	}

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := p.Chat(callCtx, binding.Model, view, available)
		cancel()
		if err == nil {
			return resp
		}
		lastErr = err
		if !vcerr.Retryable(err) {
			break
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		case <-ctx.Done():
			return Response{Outcome: OutcomeFailure, Err: vcerr.Wrap(vcerr.Cancelled, ctx.Err(), "chat cancelled during retry backoff")}
		}
	}
	return Response{Outcome: OutcomeFailure, Err: vcerr.Wrap(vcerr.LlmFailure, lastErr, "chat call failed after retries")}
}
