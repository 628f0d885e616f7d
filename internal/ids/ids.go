// Package ids defines the stable identifiers and address values used
// throughout the virtual company runtime.
package ids

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NodeId is stable for the lifetime of a running process.
type NodeId string

func (n NodeId) String() string { return string(n) }

// AgentId is globally unique across the federation.
type AgentId string

func (a AgentId) String() string { return string(a) }

// GroupId is unique within the federation.
type GroupId string

func (g GroupId) String() string { return string(g) }

// MessageId is unique within a conversation. Seq is the sequence value
// supplied when the id is minted; the log does not fill it in on append
// (its per-conversation order is Event.Sequence). Rand makes ids unique.
type MessageId struct {
	Rand string
	Seq  uint64
}

func NewMessageId(seq uint64) MessageId {
	return MessageId{Rand: uuid.New().String(), Seq: seq}
}

func (m MessageId) String() string {
	return fmt.Sprintf("%s/%d", m.Rand, m.Seq)
}

// NewGroupId mints a random group id when the caller does not supply one.
func NewGroupId() GroupId {
	return GroupId("grp-" + uuid.New().String())
}

// AddressKind tags the three shapes an Address can take.
type AddressKind int

const (
	AddressDirect AddressKind = iota
	AddressGroup
	AddressBroadcast
)

// Address is a tagged value resolved to a concrete recipient set at emit
// time.
type Address struct {
	Kind  AddressKind
	Agent AgentId // valid when Kind == AddressDirect
	Group GroupId // valid when Kind == AddressGroup
}

func Direct(agent AgentId) Address { return Address{Kind: AddressDirect, Agent: agent} }
func Group(group GroupId) Address  { return Address{Kind: AddressGroup, Group: group} }
func Broadcast() Address           { return Address{Kind: AddressBroadcast} }

func (a Address) String() string {
	switch a.Kind {
	case AddressDirect:
		return "direct:" + string(a.Agent)
	case AddressGroup:
		return "group:" + string(a.Group)
	case AddressBroadcast:
		return "broadcast"
	default:
		return "invalid"
	}
}

// ConversationKind mirrors AddressKind but for the log's ordering unit: a
// Direct conversation is keyed by both participants (order-independent), a
// Group conversation by GroupId, and Broadcast by originating node.
type ConversationKind int

const (
	ConvDirect ConversationKind = iota
	ConvGroup
	ConvBroadcast
	// ConvTrace keys an agent's outbound delivery-failure trace
	// conversation, distinct from any conversation it participates in as
	// a chat party.
	ConvTrace
)

// ConversationKey identifies the ordering unit in the Append-Only Log.
type ConversationKey struct {
	Kind    ConversationKind
	A, B    AgentId // Direct: the two participants, sorted so (a,b) == (b,a)
	Group   GroupId // Group
	Origin  NodeId  // Broadcast
}

// DirectKey builds a canonical, order-independent key for a private
// conversation between two agents.
func DirectKey(a, b AgentId) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Kind: ConvDirect, A: a, B: b}
}

// GroupKey builds the key for a group conversation.
func GroupKey(g GroupId) ConversationKey {
	return ConversationKey{Kind: ConvGroup, Group: g}
}

// BroadcastKey builds the key for a node's broadcast conversation.
func BroadcastKey(origin NodeId) ConversationKey {
	return ConversationKey{Kind: ConvBroadcast, Origin: origin}
}

// TraceKey builds the key for an agent's outbound delivery-failure trace
// conversation.
func TraceKey(origin AgentId) ConversationKey {
	return ConversationKey{Kind: ConvTrace, A: origin}
}

func (k ConversationKey) String() string {
	switch k.Kind {
	case ConvDirect:
		return fmt.Sprintf("direct:%s|%s", k.A, k.B)
	case ConvGroup:
		return "group:" + string(k.Group)
	case ConvBroadcast:
		return "broadcast:" + string(k.Origin)
	case ConvTrace:
		return "trace:" + string(k.A)
	default:
		return "invalid"
	}
}

// SortAgentIds returns a new, stably sorted copy so independent publishers
// producing the same logical recipient set converge on an identical
// snapshot ordering.
func SortAgentIds(ids []AgentId) []AgentId {
	out := make([]AgentId, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// JoinAgentIds renders a sorted id set for logging/fingerprinting.
func JoinAgentIds(ids []AgentId) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}
