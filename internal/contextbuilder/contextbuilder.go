// Package contextbuilder implements stateless assembly of a bounded,
// role-labeled prompt view from the Append-Only Log, keyed by a
// deterministic fingerprint so two calls over the same log prefix return
// structurally identical views.
package contextbuilder

import (
	"context"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// DefaultBound is the default size of the bounded event tail assembled
// into a prompt view.
const DefaultBound = 50

// Role labels a Turn relative to the viewing agent.
type Role string

const (
	RoleSelf   Role = "self"
	RoleOther  Role = "other"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// Turn is one rendered chat-form entry in a PromptView.
type Turn struct {
	Role   Role
	Sender ids.AgentId // meaningful when Role == RoleOther
	Kind   eventlog.Kind
	Text   string
	Tool   *eventlog.ToolPayload
}

// PromptView is the stateless, deterministic input to the LLM Gateway.
type PromptView struct {
	SystemPrompt string
	Turns        []Turn
	Fingerprint  string
}

// Builder assembles PromptViews from an Append-Only Log.
type Builder struct {
	log   eventlog.Log
	bound int
}

type Option func(*Builder)

// WithBound overrides DefaultBound.
func WithBound(n int) Option {
	return func(b *Builder) { b.bound = n }
}

func New(log eventlog.Log, opts ...Option) *Builder {
	b := &Builder{log: log, bound: DefaultBound}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Assemble builds the PromptView for viewer over conversation: truncation
// from the head, tool-call/tool-result pairs never split, and a
// fingerprint stable across repeat calls over the same log prefix.
func (b *Builder) Assemble(ctx context.Context, viewer ids.AgentId, systemPrompt string, conv ids.ConversationKey) (PromptView, error) {
	tail, err := b.log.Tail(ctx, conv, b.bound)
	if err != nil {
		return PromptView{}, vcerr.Wrap(vcerr.StorageUnavailable, err, "read conversation tail")
	}

	tail = dropOrphanedToolResults(tail)

	if len(tail) == 0 {
		return PromptView{SystemPrompt: systemPrompt, Fingerprint: eventlog.Fingerprint(nil)}, nil
	}

	turns := make([]Turn, len(tail))
	for i, ev := range tail {
		turns[i] = renderTurn(viewer, ev)
	}

	return PromptView{
		SystemPrompt: systemPrompt,
		Turns:        turns,
		Fingerprint:  eventlog.Fingerprint(tail),
	}, nil
}

func renderTurn(viewer ids.AgentId, ev eventlog.Event) Turn {
	t := Turn{Kind: ev.Kind, Text: ev.Content.Text, Tool: ev.Content.Structured}
	switch {
	case ev.Kind == eventlog.SystemNotice:
		t.Role = RoleSystem
	case ev.Kind == eventlog.ToolCall || ev.Kind == eventlog.ToolResult:
		t.Role = RoleTool
	case ev.Sender == viewer:
		t.Role = RoleSelf
	default:
		t.Role = RoleOther
		t.Sender = ev.Sender
	}
	return t
}

// dropOrphanedToolResults removes any leading ToolResult events whose
// matching ToolCall fell outside the truncation window. A ToolCall is
// always older than its ToolResult, so head-truncation alone would leave
// the ToolResult present without visible call context; the pair must be
// treated as a unit, so the newer half is dropped too instead of
// rendering an orphaned tool observation.
func dropOrphanedToolResults(tail []eventlog.Event) []eventlog.Event {
	seenCalls := make(map[string]bool)
	start := 0
	for start < len(tail) {
		ev := tail[start]
		if ev.Kind == eventlog.ToolResult {
			name := ""
			if ev.Content.Structured != nil {
				name = ev.Content.Structured.ToolName
			}
			if !seenCalls[name] {
				start++
				continue
			}
		}
		if ev.Kind == eventlog.ToolCall && ev.Content.Structured != nil {
			seenCalls[ev.Content.Structured.ToolName] = true
		}
		break
	}
	return tail[start:]
}
