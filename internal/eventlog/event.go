package eventlog

import (
	"time"

	"github.com/vcompany/vcompany/internal/ids"
)

// Kind tags the semantic type of an Event.
type Kind string

const (
	UserText     Kind = "UserText"
	AgentText    Kind = "AgentText"
	ToolCall     Kind = "ToolCall"
	ToolResult   Kind = "ToolResult"
	SystemNotice Kind = "SystemNotice"
)

// Event is the immutable unit appended to a conversation's log. Events
// are never mutated after Append returns; every field here is set
// once by the writer.
type Event struct {
	Conversation ids.ConversationKey
	MessageId    ids.MessageId
	Sender       ids.AgentId
	Addressed    []ids.AgentId // recipient snapshot, sorted
	Kind         Kind
	Content      Content
	Timestamp    time.Time
	Sequence     uint64 // assigned by Append; ignored on input
}

// Content is either rendered text or a structured tool observation. Exactly
// one of Text or Structured is meaningful, selected by the owning Event's
// Kind (ToolCall/ToolResult use Structured; everything else uses Text).
type Content struct {
	Text       string
	Structured *ToolPayload
}

// ToolPayload carries the structured form of a ToolCall/ToolResult event.
type ToolPayload struct {
	ToolName  string
	Arguments string // JSON-encoded argument blob (ToolCall)
	Result    string // JSON or text result (ToolResult)
	Failed    bool
	Reason    string
}

func TextContent(s string) Content { return Content{Text: s} }
