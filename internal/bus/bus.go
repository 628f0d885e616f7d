// Package bus implements in-process fan-out to local recipients, with
// per-conversation ordering and per-inbox backpressure.
//
// Events are durably appended to the Append-Only Log before wakeups are
// delivered, so a caller only sees Publish return once the append is
// visible. Wakeups are decoupled from event payloads: an inbox only
// signals "look at this conversation," and the Agent Runtime re-reads the
// event from the log rather than receiving the payload here, which keeps
// agents stateless between turns. On overflow the bus drops the oldest
// undelivered wakeup for an inbox rather than failing the publish
// outright, and records a Lagged flag on the next delivery so the runtime
// knows it missed some.
package bus

import (
	"context"
	"sync"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// DefaultInboxDepth is the bounded depth of each agent's wakeup inbox.
const DefaultInboxDepth = 32

// Wakeup is delivered to an agent's inbox to indicate a conversation has a
// new event to observe. The Agent Runtime re-reads the log rather than
// receiving the event payload here, keeping agents stateless between
// turns.
type Wakeup struct {
	Conversation ids.ConversationKey
	Lagged       bool // set when this wakeup follows a dropped-oldest overflow
}

type inbox struct {
	mu      sync.Mutex
	ch      chan Wakeup
	lagged  bool
	seen    map[ids.MessageId]struct{} // at-most-once dedup, bounded below
	seenOrd []ids.MessageId
}

const dedupWindow = 4096

func newInbox(depth int) *inbox {
	return &inbox{
		ch:   make(chan Wakeup, depth),
		seen: make(map[ids.MessageId]struct{}),
	}
}

// deliver enqueues a wakeup, dropping the oldest queued wakeup on overflow
// and marking the next delivered wakeup as Lagged.
func (b *inbox) deliver(w Wakeup) {
	b.mu.Lock()
	if b.lagged {
		w.Lagged = true
		b.lagged = false
	}
	b.mu.Unlock()

	select {
	case b.ch <- w:
		return
	default:
	}

	// Full: drop the oldest queued wakeup and mark the new wakeup Lagged,
	// then retry the send; if that still fails, record the lag for the next
	// delivery.
	select {
	case <-b.ch:
		w.Lagged = true
	default:
	}
	select {
	case b.ch <- w:
	default:
		b.mu.Lock()
		b.lagged = true
		b.mu.Unlock()
	}
}

// markSeen reports whether messageId has already been delivered to this
// inbox, recording it if not, so a duplicate publish delivers at most
// once. The window is bounded so long-lived agents don't grow this set
// unbounded; entries
// older than dedupWindow deliveries roll off, which is safe because the
// log itself is the source of truth for ordering — this set only protects
// against a double Publish of the identical event landing twice in the
// same process tick.
func (b *inbox) markSeen(id ids.MessageId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return true
	}
	b.seen[id] = struct{}{}
	b.seenOrd = append(b.seenOrd, id)
	if len(b.seenOrd) > dedupWindow {
		oldest := b.seenOrd[0]
		b.seenOrd = b.seenOrd[1:]
		delete(b.seen, oldest)
	}
	return false
}

// Bus fans out published events to local agent inboxes.
type Bus struct {
	log eventlog.Log

	mu     sync.RWMutex
	inboxes map[ids.AgentId]*inbox
	depth  int
}

type Option func(*Bus)

// WithInboxDepth overrides the default per-agent inbox depth.
func WithInboxDepth(depth int) Option {
	return func(b *Bus) { b.depth = depth }
}

func New(log eventlog.Log, opts ...Option) *Bus {
	b := &Bus{
		log:     log,
		inboxes: make(map[ids.AgentId]*inbox),
		depth:   DefaultInboxDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterInbox creates (or returns the existing) inbox for agentId. Must
// be called before Publish can wake that agent.
func (b *Bus) RegisterInbox(agentId ids.AgentId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentId]; !ok {
		b.inboxes[agentId] = newInbox(b.depth)
	}
}

// UnregisterInbox removes an agent's inbox.
func (b *Bus) UnregisterInbox(agentId ids.AgentId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, agentId)
}

// Inbox returns the wakeup stream for agentId, or nil if unregistered.
func (b *Bus) Inbox(agentId ids.AgentId) <-chan Wakeup {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ib, ok := b.inboxes[agentId]
	if !ok {
		return nil
	}
	return ib.ch
}

// Publish appends ev to its conversation's log and wakes every locally
// registered agent in ev.Addressed, in the order given. It returns
// once the append is visible; wakeup delivery to individual inboxes is
// best-effort per the backpressure policy and does not block the caller
// beyond a bounded channel send.
func (b *Bus) Publish(ctx context.Context, ev eventlog.Event) (uint64, error) {
	if len(ev.Addressed) == 0 && ev.Kind != eventlog.SystemNotice {
		return 0, vcerr.New(vcerr.BadArguments, "publish requires a non-empty addressed set")
	}

	seq, err := b.log.Append(ctx, ev.Conversation, ev)
	if err != nil {
		return 0, err
	}
	ev.Sequence = seq

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, recipient := range ev.Addressed {
		ib, ok := b.inboxes[recipient]
		if !ok {
			continue // remote or unregistered; Router handles remote fan-out
		}
		if ib.markSeen(ev.MessageId) {
			continue // at-most-once: duplicate publish of the same event id
		}
		ib.deliver(Wakeup{Conversation: ev.Conversation})
	}
	return seq, nil
}
