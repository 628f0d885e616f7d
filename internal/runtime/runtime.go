// Package runtime implements the per-agent state machine that drives one
// turn from an inbound wakeup through context assembly, LLM reasoning,
// optional tool iterations, and emission back through the Router.
//
// A turn runs a bounded reasoning loop: each iteration assembles a fresh
// context view, asks the LLM Gateway to reason over it, and either emits
// a reply, invokes a tool and loops again, or fails. Turns for the same
// (agent, conversation) enforce single-flight execution, with concurrent
// wakeups coalescing into exactly one follow-up turn rather than running
// concurrently. Turns are cancellable, failures are logged as structured
// events the agent sees on its next turn instead of propagating as plain
// errors, and Active-mode agents get a periodic autonomy self-wake.
package runtime

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/vcompany/vcompany/internal/bus"
	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/llm"
	"github.com/vcompany/vcompany/internal/router"
	"github.com/vcompany/vcompany/internal/tools"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// DefaultMaxIterations bounds how many tool iterations a single turn may
// make before it gives up and reports a budget-exceeded notice.
const DefaultMaxIterations = 4

// DefaultSelfWakeMin and DefaultSelfWakeMax bound the jittered autonomy
// interval for Active-mode agents.
const (
	DefaultSelfWakeMin = 15 * time.Second
	DefaultSelfWakeMax = 60 * time.Second
)

// Mode is an agent's autonomy configuration.
type Mode int

const (
	Passive Mode = iota
	Active
)

// turnKey identifies the single-flight unit: at most one live turn per
// (agent, conversation).
type turnKey struct {
	Agent ids.AgentId
	Conv  ids.ConversationKey
}

// activeTurn tracks the in-flight turn for a key so concurrent wakeups
// coalesce into a single follow-up rather than a second concurrent turn.
type activeTurn struct {
	cancel      context.CancelFunc
	pendingWake bool
}

// Runtime drives every locally-hosted agent's turns. It holds no
// per-conversation state beyond its single-flight bookkeeping; all
// conversational state lives in the Append-Only Log.
type Runtime struct {
	self    ids.NodeId
	dir     *directory.Directory
	bus     *bus.Bus
	log     eventlog.Log
	builder *contextbuilder.Builder
	toolsReg *tools.Registry
	gateway *llm.Gateway
	router  *router.Router

	maxIterations int
	selfWakeMin   time.Duration
	selfWakeMax   time.Duration

	mu     sync.Mutex
	active map[turnKey]*activeTurn
	wg     sync.WaitGroup
}

type Option func(*Runtime)

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(k int) Option {
	return func(r *Runtime) { r.maxIterations = k }
}

// WithSelfWakeInterval overrides the default jittered autonomy interval.
func WithSelfWakeInterval(min, max time.Duration) Option {
	return func(r *Runtime) { r.selfWakeMin, r.selfWakeMax = min, max }
}

func New(self ids.NodeId, dir *directory.Directory, b *bus.Bus, log eventlog.Log, builder *contextbuilder.Builder, toolsReg *tools.Registry, gateway *llm.Gateway, rtr *router.Router, opts ...Option) *Runtime {
	r := &Runtime{
		self:          self,
		dir:           dir,
		bus:           b,
		log:           log,
		builder:       builder,
		toolsReg:      toolsReg,
		gateway:       gateway,
		router:        rtr,
		maxIterations: DefaultMaxIterations,
		selfWakeMin:   DefaultSelfWakeMin,
		selfWakeMax:   DefaultSelfWakeMax,
		active:        make(map[turnKey]*activeTurn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent enrolls a locally-hosted agent: directory registration,
// bus inbox creation, and the tool allow-list from its declared toolset.
// Callers still must launch RunAgentLoop (and RunAutonomyLoop for Active
// agents) for the agent to actually process turns.
func (r *Runtime) RegisterAgent(agent directory.LocalAgent) error {
	if err := r.dir.RegisterLocal(agent); err != nil {
		return err
	}
	r.bus.RegisterInbox(agent.Id)
	for _, name := range agent.DeclaredTools {
		r.toolsReg.Allow(agent.Id, name)
	}
	return nil
}

// RunAgentLoop blocks, reading agent's wakeup inbox and driving a turn for
// each one, until ctx is cancelled. Intended to run in its own goroutine,
// one per registered agent, matching the transport Node's RunPresenceLoop
// convention of an exported blocking loop the caller schedules.
func (r *Runtime) RunAgentLoop(ctx context.Context, agent ids.AgentId) {
	inbox := r.bus.Inbox(agent)
	if inbox == nil {
		return
	}
	for {
		select {
		case w, ok := <-inbox:
			if !ok {
				return
			}
			r.wake(ctx, agent, w.Conversation)
		case <-ctx.Done():
			return
		}
	}
}

// RunAutonomyLoop blocks, waking agent on a jittered interval so it may
// initiate conversations without being addressed. The self-wake scope is
// the agent's own node's broadcast conversation: reusing the Broadcast
// key lets the wakeup flow through the identical assemble/reason/emit
// pipeline as any inbound event, so it is otherwise indistinguishable
// from one.
func (r *Runtime) RunAutonomyLoop(ctx context.Context, agent ids.AgentId) {
	for {
		select {
		case <-time.After(r.jitteredInterval()):
			r.wake(ctx, agent, ids.BroadcastKey(r.self))
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) jitteredInterval() time.Duration {
	span := r.selfWakeMax - r.selfWakeMin
	if span <= 0 {
		return r.selfWakeMin
	}
	return r.selfWakeMin + time.Duration(rand.Int63n(int64(span)))
}

// Shutdown cancels every in-flight turn and waits for their goroutines to
// unwind, logging a Cancelled SystemNotice for each.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	for _, t := range r.active {
		t.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// wake enforces the single-flight rule: a key already running has its
// pendingWake flag set instead of starting a second concurrent turn.
func (r *Runtime) wake(ctx context.Context, agent ids.AgentId, conv ids.ConversationKey) {
	key := turnKey{Agent: agent, Conv: conv}

	r.mu.Lock()
	if t, ok := r.active[key]; ok {
		t.pendingWake = true
		r.mu.Unlock()
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{cancel: cancel}
	r.active[key] = t
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runTurnLoop(turnCtx, key, t)
}

// runTurnLoop executes one turn and, if arrivals coalesced while it ran,
// schedules exactly one follow-up turn before releasing the single-flight
// slot.
func (r *Runtime) runTurnLoop(ctx context.Context, key turnKey, t *activeTurn) {
	defer r.wg.Done()
	for {
		r.executeTurn(ctx, key.Agent, key.Conv)

		r.mu.Lock()
		if t.pendingWake && ctx.Err() == nil {
			t.pendingWake = false
			r.mu.Unlock()
			continue
		}
		delete(r.active, key)
		t.cancel()
		r.mu.Unlock()
		return
	}
}

// executeTurn implements the Idle -> Assembling -> Reasoning ->
// Tooling/Emitting -> Idle state machine for one turn.
func (r *Runtime) executeTurn(ctx context.Context, agent ids.AgentId, conv ids.ConversationKey) {
	local, ok := r.dir.GetLocal(agent)
	if !ok {
		return // agent was removed since the wakeup was enqueued
	}
	binding, err := parseBinding(local.Binding)
	if err != nil {
		r.appendNotice(ctx, conv, agent, vcerr.Wrap(vcerr.LlmFailure, err, "invalid llm binding"))
		return
	}

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if ctx.Err() != nil {
			r.appendNotice(ctx, conv, agent, vcerr.Wrap(vcerr.Cancelled, ctx.Err(), "turn cancelled"))
			return
		}

		view, err := r.builder.Assemble(ctx, agent, local.SystemPrompt, conv)
		if err != nil {
			r.appendNotice(ctx, conv, agent, err)
			return
		}

		available := r.toolsReg.AvailableFor(agent)
		resp := r.gateway.Chat(ctx, binding, view, available)

		switch resp.Outcome {
		case llm.OutcomeReply:
			r.emit(ctx, agent, conv, resp.Reply)
			return

		case llm.OutcomeToolCall:
			r.runToolIteration(ctx, agent, conv, resp.ToolCall)
			continue

		default: // llm.OutcomeFailure
			if vcerr.Is(resp.Err, vcerr.Cancelled) {
				r.appendNotice(ctx, conv, agent, resp.Err)
			} else {
				r.appendNotice(ctx, conv, agent, vcerr.Wrap(vcerr.LlmFailure, resp.Err, "llm call failed"))
			}
			return
		}
	}

	r.appendNotice(ctx, conv, agent, vcerr.New(vcerr.ReasoningBudgetExceeded, "exceeded max tool iterations"))
}

// runToolIteration invokes the requested tool and logs both the request
// and its outcome directly to the log, so a failed tool call surfaces as
// a ToolResult the LLM can see on its next reasoning step rather than
// terminating the turn. These events are not addressed to any other
// agent, so they bypass the Message Bus, matching how the Router logs its
// own delivery-failure traces directly.
func (r *Runtime) runToolIteration(ctx context.Context, agent ids.AgentId, conv ids.ConversationKey, call llm.ToolCallRequest) {
	callEv := eventlog.Event{
		Conversation: conv,
		MessageId:    ids.NewMessageId(0),
		Sender:       agent,
		Kind:         eventlog.ToolCall,
		Content: eventlog.Content{Structured: &eventlog.ToolPayload{
			ToolName:  call.ToolName,
			Arguments: call.Arguments,
		}},
		Timestamp: time.Now(),
	}
	r.log.Append(ctx, conv, callEv)

	result := r.toolsReg.Invoke(ctx, agent, call.ToolName, json.RawMessage(call.Arguments))

	resultEv := eventlog.Event{
		Conversation: conv,
		MessageId:    ids.NewMessageId(0),
		Sender:       agent,
		Kind:         eventlog.ToolResult,
		Content: eventlog.Content{Structured: &eventlog.ToolPayload{
			ToolName: result.ToolName,
			Result:   result.Text,
			Failed:   result.Failed,
			Reason:   result.Reason,
		}},
		Timestamp: time.Now(),
	}
	r.log.Append(ctx, conv, resultEv)
}

// emit routes a final assistant reply through the Router so cross-node
// addressees are handled uniformly; replies are never published directly.
func (r *Runtime) emit(ctx context.Context, agent ids.AgentId, conv ids.ConversationKey, text string) {
	address, err := addressFromConversation(conv, agent)
	if err != nil {
		r.appendNotice(ctx, conv, agent, err)
		return
	}
	if err := r.router.Route(ctx, agent, address, router.Payload{
		Kind:    eventlog.AgentText,
		Content: eventlog.TextContent(text),
	}); err != nil {
		r.appendNotice(ctx, conv, agent, err)
	}
}

// appendNotice logs a terminal SystemNotice for the turn: every path out
// of the state machine other than a successful reply ends here.
// SystemNotice events carry no addressed recipients, which eventlog.Log
// permits.
func (r *Runtime) appendNotice(ctx context.Context, conv ids.ConversationKey, agent ids.AgentId, cause error) {
	notice := eventlog.Event{
		Conversation: conv,
		MessageId:    ids.NewMessageId(0),
		Sender:       agent,
		Kind:         eventlog.SystemNotice,
		Content:      eventlog.TextContent(cause.Error()),
		Timestamp:    time.Now(),
	}
	r.log.Append(ctx, conv, notice)
}

// addressFromConversation derives the reply address for a conversation
// key relative to the replying agent: Direct replies to whichever
// participant isn't the replier, Group and Broadcast reply to the same
// scope the turn was assembled from.
func addressFromConversation(conv ids.ConversationKey, agent ids.AgentId) (ids.Address, error) {
	switch conv.Kind {
	case ids.ConvDirect:
		other := conv.A
		if other == agent {
			other = conv.B
		}
		return ids.Direct(other), nil
	case ids.ConvGroup:
		return ids.Group(conv.Group), nil
	case ids.ConvBroadcast:
		return ids.Broadcast(), nil
	default:
		return ids.Address{}, vcerr.Newf(vcerr.BadArguments, "conversation kind %v is not a repliable scope", conv.Kind)
	}
}

// parseBinding decodes the opaque "provider/model" descriptor into the
// Gateway's typed Binding. The core treats the string as opaque; only
// this boundary understands its shape.
func parseBinding(s string) (llm.Binding, error) {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return llm.Binding{}, vcerr.Newf(vcerr.BadArguments, "malformed llm binding %q, want provider/model", s)
	}
	return llm.Binding{Provider: provider, Model: model}, nil
}
