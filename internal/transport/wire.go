// Package transport implements the Node Transport: the HTTP wire protocol
// between processes, peer bootstrap, and periodic presence refresh. Every
// exchange between nodes rides one uniform versioned envelope carrying a
// deliver, announce, or query payload, dispatched over echo.New() with one
// handler per concern and middleware.Logger/Recover.
package transport

import (
	"encoding/json"
	"time"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
)

// ProtocolVersion is this build's wire schema version.
//
// MinSupportedProtocolVersion is the oldest envelope version this build
// still understands. A receiver accepts any envelope whose version is >=
// MinSupportedProtocolVersion, including versions newer than its own
// ProtocolVersion, and ignores unknown fields forward-compatibly. The floor
// is checked only on the deliver endpoint, which rejects older envelopes
// with HTTP 409 (ProtocolMismatch at the client); announce and query
// envelopes are accepted whatever their version.
const (
	ProtocolVersion             = 1
	MinSupportedProtocolVersion = 1
)

// EnvelopeKind tags the three shapes a wire envelope can carry.
type EnvelopeKind string

const (
	KindDeliver  EnvelopeKind = "deliver"
	KindAnnounce EnvelopeKind = "announce"
	KindQuery    EnvelopeKind = "query"
)

// WireEnvelope is the outermost JSON object exchanged between nodes.
type WireEnvelope struct {
	ProtocolVersion int             `json:"protocol_version"`
	OriginNode      ids.NodeId      `json:"origin_node"`
	Kind            EnvelopeKind    `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
}

// DeliverPayload carries one already-addressed event to the node that owns
// (some of) its recipients.
type DeliverPayload struct {
	ConversationKind string        `json:"conversation_kind"`
	ConversationA    ids.AgentId   `json:"conversation_a,omitempty"`
	ConversationB    ids.AgentId   `json:"conversation_b,omitempty"`
	ConversationGrp  ids.GroupId   `json:"conversation_group,omitempty"`
	ConversationNode ids.NodeId    `json:"conversation_origin,omitempty"`
	MessageRand      string        `json:"message_rand"`
	MessageSeq       uint64        `json:"message_seq"`
	Sender           ids.AgentId   `json:"sender"`
	Recipients       []ids.AgentId `json:"recipients"`
	EventKind        eventlog.Kind `json:"event_kind"`
	Text             string        `json:"text,omitempty"`
	Tool             *eventlog.ToolPayload `json:"tool,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// AgentAdvert is one entry in an announce/query response's agent list.
type AgentAdvert struct {
	Agent ids.AgentId `json:"agent"`
}

// AnnouncePayload advertises the sending node's endpoint and the set of
// agents it currently hosts locally. Sent on connect and again whenever
// the local agent set changes.
type AnnouncePayload struct {
	Endpoint string        `json:"endpoint"`
	Agents   []AgentAdvert `json:"agents"`
}

// QueryPayload requests the receiving node's current local agent set. It
// carries no fields; the response is a QueryResponse body.
type QueryPayload struct{}

// QueryResponse is what the query and announce handlers return: the
// responder's node id and hosted agents. This build's server leaves
// Endpoint empty; the client keeps using the endpoint it contacted. Queries
// are issued periodically by a peer to refresh its remote bindings.
type QueryResponse struct {
	NodeId   ids.NodeId    `json:"node_id"`
	Endpoint string        `json:"endpoint"`
	Agents   []AgentAdvert `json:"agents"`
}

func encodePayload(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // payload types are all statically known and always marshal
	}
	return b
}
