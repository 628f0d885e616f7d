package contextbuilder

import (
	"context"
	"testing"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
)

func appendText(t *testing.T, log eventlog.Log, conv ids.ConversationKey, sender ids.AgentId, kind eventlog.Kind, text string) {
	t.Helper()
	_, err := log.Append(context.Background(), conv, eventlog.Event{
		Conversation: conv,
		Sender:       sender,
		Addressed:    []ids.AgentId{"other"},
		Kind:         kind,
		Content:      eventlog.TextContent(text),
		MessageId:    ids.NewMessageId(0),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestAssembleRolesRelativeToViewer(t *testing.T) {
	log := eventlog.NewMemoryLog()
	conv := ids.DirectKey("a1", "a2")
	appendText(t, log, conv, "a1", eventlog.AgentText, "hi")
	appendText(t, log, conv, "a2", eventlog.AgentText, "hello")

	b := New(log)
	view, err := b.Assemble(context.Background(), "a2", "you are a2", conv)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if view.SystemPrompt != "you are a2" {
		t.Fatalf("unexpected system prompt: %q", view.SystemPrompt)
	}
	if len(view.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(view.Turns))
	}
	if view.Turns[0].Role != RoleOther || view.Turns[0].Sender != "a1" {
		t.Errorf("turn 0 = %+v, want RoleOther from a1", view.Turns[0])
	}
	if view.Turns[1].Role != RoleSelf {
		t.Errorf("turn 1 = %+v, want RoleSelf", view.Turns[1])
	}
}

func TestAssembleFingerprintDeterministic(t *testing.T) {
	log := eventlog.NewMemoryLog()
	conv := ids.DirectKey("a1", "a2")
	appendText(t, log, conv, "a1", eventlog.AgentText, "hi")

	b := New(log)
	v1, err := b.Assemble(context.Background(), "a2", "sp", conv)
	if err != nil {
		t.Fatalf("assemble 1: %v", err)
	}
	v2, err := b.Assemble(context.Background(), "a2", "sp", conv)
	if err != nil {
		t.Fatalf("assemble 2: %v", err)
	}
	if v1.Fingerprint != v2.Fingerprint {
		t.Fatalf("fingerprints differ across identical calls: %s vs %s", v1.Fingerprint, v2.Fingerprint)
	}
}

func TestAssembleBoundTruncatesFromHead(t *testing.T) {
	log := eventlog.NewMemoryLog()
	conv := ids.DirectKey("a1", "a2")
	for i := 0; i < 5; i++ {
		appendText(t, log, conv, "a1", eventlog.AgentText, "msg")
	}

	b := New(log, WithBound(2))
	view, err := b.Assemble(context.Background(), "a2", "sp", conv)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(view.Turns) != 2 {
		t.Fatalf("expected bound of 2 turns, got %d", len(view.Turns))
	}
}

func TestAssembleDropsOrphanedToolResult(t *testing.T) {
	log := eventlog.NewMemoryLog()
	conv := ids.DirectKey("a1", "a2")
	ctx := context.Background()

	// event 1: ToolCall (will be truncated out of the window)
	log.Append(ctx, conv, eventlog.Event{
		Conversation: conv, Sender: "a1", Addressed: []ids.AgentId{"a2"},
		Kind: eventlog.ToolCall, MessageId: ids.NewMessageId(0),
		Content: eventlog.Content{Structured: &eventlog.ToolPayload{ToolName: "lookup"}},
	})
	// event 2: ToolResult (would remain, orphaned, if window bound is 2)
	log.Append(ctx, conv, eventlog.Event{
		Conversation: conv, Sender: "a1", Addressed: []ids.AgentId{"a2"},
		Kind: eventlog.ToolResult, MessageId: ids.NewMessageId(0),
		Content: eventlog.Content{Structured: &eventlog.ToolPayload{ToolName: "lookup", Result: "42"}},
	})
	// event 3: a normal text turn that should remain
	appendText(t, log, conv, "a1", eventlog.AgentText, "done")

	b := New(log, WithBound(2)) // window would be [ToolResult, AgentText]
	view, err := b.Assemble(ctx, "a2", "sp", conv)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	for _, turn := range view.Turns {
		if turn.Kind == eventlog.ToolResult {
			t.Fatalf("expected orphaned ToolResult to be dropped, got turns: %+v", view.Turns)
		}
	}
	if len(view.Turns) != 1 || view.Turns[0].Text != "done" {
		t.Fatalf("unexpected turns after orphan drop: %+v", view.Turns)
	}
}
