package llm

import (
	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/eventlog"
)

// renderedMessage is a provider-agnostic chat message, the common surface
// both the OpenAI and Gemini adapters build their request from.
type renderedMessage struct {
	role string // "system", "user", "assistant", "tool"
	text string
}

// renderMessages turns a PromptView into a flat role/text sequence. Every
// Turn's Role maps onto a provider chat role: RoleSelf becomes assistant
// (the viewing agent's own prior turns), RoleOther and RoleSystem/RoleTool
// become user/system/tool respectively, matching how a provider expects
// the other party's turns to be framed.
func renderMessages(view contextbuilder.PromptView) []renderedMessage {
	out := make([]renderedMessage, 0, len(view.Turns)+1)
	if view.SystemPrompt != "" {
		out = append(out, renderedMessage{role: "system", text: view.SystemPrompt})
	}
	for _, t := range view.Turns {
		switch t.Role {
		case contextbuilder.RoleSelf:
			out = append(out, renderedMessage{role: "assistant", text: t.Text})
		case contextbuilder.RoleSystem:
			out = append(out, renderedMessage{role: "system", text: t.Text})
		case contextbuilder.RoleTool:
			out = append(out, renderedMessage{role: "tool", text: renderToolTurn(t)})
		default:
			text := t.Text
			if t.Sender != "" {
				text = string(t.Sender) + ": " + t.Text
			}
			out = append(out, renderedMessage{role: "user", text: text})
		}
	}
	return out
}

// renderToolTurn renders a ToolCall or ToolResult Turn's structured payload
// as text. ToolCall carries the tool name and arguments, ToolResult carries
// the outcome; a Turn's Kind selects which fields Tool actually populated
// (contextbuilder.renderTurn), so this must not read Result for a call.
func renderToolTurn(t contextbuilder.Turn) string {
	if t.Tool == nil {
		return t.Text
	}
	switch t.Kind {
	case eventlog.ToolCall:
		return "call " + t.Tool.ToolName + "(" + t.Tool.Arguments + ")"
	case eventlog.ToolResult:
		if t.Tool.Failed {
			return t.Tool.ToolName + " failed: " + t.Tool.Reason
		}
		return t.Tool.ToolName + " -> " + t.Tool.Result
	default:
		return t.Text
	}
}
