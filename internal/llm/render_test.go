package llm

import (
	"strings"
	"testing"

	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/eventlog"
)

func TestRenderMessagesToolCallShowsNameAndArguments(t *testing.T) {
	view := contextbuilder.PromptView{
		Turns: []contextbuilder.Turn{
			{
				Role: contextbuilder.RoleTool,
				Kind: eventlog.ToolCall,
				Tool: &eventlog.ToolPayload{ToolName: "lookup", Arguments: `{"q":"x"}`},
			},
		},
	}

	msgs := renderMessages(view)
	if len(msgs) != 1 || msgs[0].role != "tool" {
		t.Fatalf("expected a single tool message, got %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "lookup") || !strings.Contains(msgs[0].text, `"q":"x"`) {
		t.Fatalf("expected the ToolCall's name and arguments in the rendered text, got %q", msgs[0].text)
	}
}

func TestRenderMessagesToolResultShowsOutcome(t *testing.T) {
	view := contextbuilder.PromptView{
		Turns: []contextbuilder.Turn{
			{
				Role: contextbuilder.RoleTool,
				Kind: eventlog.ToolResult,
				Tool: &eventlog.ToolPayload{ToolName: "lookup", Result: `{"answer":42}`},
			},
			{
				Role: contextbuilder.RoleTool,
				Kind: eventlog.ToolResult,
				Tool: &eventlog.ToolPayload{ToolName: "lookup", Failed: true, Reason: "timeout"},
			},
		},
	}

	msgs := renderMessages(view)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 tool messages, got %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "42") {
		t.Fatalf("expected the successful result in the rendered text, got %q", msgs[0].text)
	}
	if !strings.Contains(msgs[1].text, "timeout") {
		t.Fatalf("expected the failure reason in the rendered text, got %q", msgs[1].text)
	}
}

func TestRenderMessagesToolCallAndResultDistinguished(t *testing.T) {
	view := contextbuilder.PromptView{
		Turns: []contextbuilder.Turn{
			{Role: contextbuilder.RoleTool, Kind: eventlog.ToolCall, Tool: &eventlog.ToolPayload{ToolName: "lookup", Arguments: `{"q":"x"}`}},
			{Role: contextbuilder.RoleTool, Kind: eventlog.ToolResult, Tool: &eventlog.ToolPayload{ToolName: "lookup", Result: "found-42"}},
		},
	}

	msgs := renderMessages(view)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 tool messages, got %+v", msgs)
	}
	if msgs[0].text == msgs[1].text {
		t.Fatal("a ToolCall turn must not render identically to its ToolResult turn")
	}
	if strings.Contains(msgs[0].text, "found-42") {
		t.Fatal("the ToolCall turn must not leak the ToolResult's Result field")
	}
}
