// Package router implements the process-wide message router: deciding
// local vs remote delivery, retrying transient remote failures with
// bounded exponential backoff, and demoting a peer to Suspect once retry
// is exhausted.
package router

import (
	"context"
	"math/rand"
	"time"

	"github.com/vcompany/vcompany/internal/bus"
	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/groups"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// Envelope is the payload handed to the Node Transport for one remote
// node.
type Envelope struct {
	Conversation      ids.ConversationKey
	MessageId         ids.MessageId
	Sender            ids.AgentId
	RecipientSnapshot []ids.AgentId
	Kind              eventlog.Kind
	Content           eventlog.Content
	Timestamp         time.Time
}

// Dispatcher sends one Envelope to the node that owns its recipients. It is
// implemented by the Node Transport; Router depends only on this interface
// so the two packages don't form an import cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, node ids.NodeId, env Envelope) error
}

// Payload is what a caller hands to Route: the not-yet-addressed content of
// one outbound message.
type Payload struct {
	Kind      eventlog.Kind
	Content   eventlog.Content
	MessageId ids.MessageId // zero value: Router mints one
	Timestamp time.Time     // zero value: Router uses time.Now()
}

// RetryPolicy controls the bounded exponential backoff applied to
// transient remote dispatch failures.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

var DefaultRetryPolicy = RetryPolicy{
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	MaxAttempts:  5,
}

// Router is the process-wide message router.
type Router struct {
	self       ids.NodeId
	directory  *directory.Directory
	groups     *groups.Registry
	bus        *bus.Bus
	log        eventlog.Log
	dispatcher Dispatcher
	retry      RetryPolicy
}

type Option func(*Router)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Router) { r.retry = p }
}

func New(self ids.NodeId, dir *directory.Directory, grp *groups.Registry, b *bus.Bus, log eventlog.Log, dispatcher Dispatcher, opts ...Option) *Router {
	r := &Router{
		self:       self,
		directory:  dir,
		groups:     grp,
		bus:        b,
		log:        log,
		dispatcher: dispatcher,
		retry:      DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves address, appends one event to the appropriate
// conversation with the full recipient snapshot, wakes local recipients
// through the Message Bus, and dispatches to remote nodes.
func (r *Router) Route(ctx context.Context, origin ids.AgentId, address ids.Address, payload Payload) error {
	conv, recipients, err := r.resolve(origin, address)
	if err != nil {
		return err
	}

	if payload.MessageId == (ids.MessageId{}) {
		payload.MessageId = ids.NewMessageId(0)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	ev := eventlog.Event{
		Conversation: conv,
		MessageId:    payload.MessageId,
		Sender:       origin,
		Addressed:    recipients,
		Kind:         payload.Kind,
		Content:      payload.Content,
		Timestamp:    payload.Timestamp,
	}

	// Broadcast with zero known recipients is a no-op that still appends
	// to the origin's broadcast conversation.
	if len(recipients) == 0 {
		if address.Kind == ids.AddressBroadcast {
			_, err := r.log.Append(ctx, conv, ev)
			return err
		}
		return nil
	}

	if _, err := r.bus.Publish(ctx, ev); err != nil {
		return err
	}

	remoteByNode := r.directory.ListRemoteByNode(false)
	if len(remoteByNode) == 0 {
		return nil
	}

	recipientSet := make(map[ids.AgentId]bool, len(recipients))
	for _, id := range recipients {
		recipientSet[id] = true
	}

	env := Envelope{
		Conversation:      conv,
		MessageId:         ev.MessageId,
		Sender:            origin,
		RecipientSnapshot: recipients,
		Kind:              ev.Kind,
		Content:           ev.Content,
		Timestamp:         ev.Timestamp,
	}

	for node, bindings := range remoteByNode {
		var anyAddressed bool
		for _, b := range bindings {
			if recipientSet[b.Agent] {
				anyAddressed = true
				break
			}
		}
		if !anyAddressed {
			continue
		}
		if err := r.dispatchWithRetry(ctx, node, env); err != nil {
			r.onDispatchFailure(ctx, origin, node, bindings, err)
		}
	}

	return nil
}

// resolve turns an Address into a conversation key plus a sorted
// recipient snapshot excluding the origin.
func (r *Router) resolve(origin ids.AgentId, address ids.Address) (ids.ConversationKey, []ids.AgentId, error) {
	switch address.Kind {
	case ids.AddressDirect:
		if r.directory.Lookup(address.Agent) == directory.Unknown {
			return ids.ConversationKey{}, nil, vcerr.Newf(vcerr.UnknownAgent, "unknown addressee %s", address.Agent)
		}
		return ids.DirectKey(origin, address.Agent), []ids.AgentId{address.Agent}, nil

	case ids.AddressGroup:
		members, err := r.groups.MembersOf(address.Group)
		if err != nil {
			return ids.ConversationKey{}, nil, err
		}
		recipients := excludeAgent(members, origin)
		return ids.GroupKey(address.Group), ids.SortAgentIds(recipients), nil

	case ids.AddressBroadcast:
		all := r.directory.AllKnownAgents()
		recipients := excludeAgent(all, origin)
		return ids.BroadcastKey(r.self), ids.SortAgentIds(recipients), nil

	default:
		return ids.ConversationKey{}, nil, vcerr.New(vcerr.BadArguments, "invalid address")
	}
}

func excludeAgent(list []ids.AgentId, exclude ids.AgentId) []ids.AgentId {
	out := make([]ids.AgentId, 0, len(list))
	for _, id := range list {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) dispatchWithRetry(ctx context.Context, node ids.NodeId, env Envelope) error {
	var lastErr error
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		lastErr = r.dispatcher.Dispatch(ctx, node, env)
		if lastErr == nil {
			r.directory.MarkNodeHealthy(node)
			return nil
		}
		if !vcerr.Retryable(lastErr) {
			return lastErr
		}
		if attempt < r.retry.MaxAttempts-1 {
			select {
			case <-time.After(r.backoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (r *Router) backoffDelay(attempt int) time.Duration {
	delay := r.retry.InitialDelay << uint(attempt)
	if delay > r.retry.MaxDelay {
		delay = r.retry.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(r.retry.InitialDelay) + 1))
	return delay + jitter
}

func (r *Router) onDispatchFailure(ctx context.Context, origin ids.AgentId, node ids.NodeId, bindings []directory.RemoteBinding, cause error) {
	for _, b := range bindings {
		r.directory.MarkSuspect(b.Agent)
	}
	notice := eventlog.Event{
		Sender:    origin,
		Kind:      eventlog.SystemNotice,
		Content:   eventlog.TextContent("delivery to node " + string(node) + " failed: " + cause.Error()),
		Timestamp: time.Now(),
		MessageId: ids.NewMessageId(0),
	}
	r.log.Append(ctx, ids.TraceKey(origin), notice)
}

// OnIngress handles a wire arrival: it appends the already-addressed
// event to the local log and wakes local recipients.
func (r *Router) OnIngress(ctx context.Context, env Envelope) error {
	ev := eventlog.Event{
		Conversation: env.Conversation,
		MessageId:    env.MessageId,
		Sender:       env.Sender,
		Addressed:    env.RecipientSnapshot,
		Kind:         env.Kind,
		Content:      env.Content,
		Timestamp:    env.Timestamp,
	}
	_, err := r.bus.Publish(ctx, ev)
	return err
}
