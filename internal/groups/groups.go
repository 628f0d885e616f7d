// Package groups implements the Group Registry: membership, invariants,
// and the invitation protocol. The creator is always a member, unknown
// members are rejected at create/invite time, and every mutation is
// appended to the group's conversation log as a SystemNotice before it
// is visible to new readers.
package groups

import (
	"context"
	"sync"
	"time"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// Resolver answers whether an AgentId is known to the federation, used to
// validate declared members and invitees — unknown agents are rejected.
type Resolver interface {
	Lookup(agentId ids.AgentId) bool
}

// Group is the registry's view of a group.
type Group struct {
	Id        ids.GroupId
	Name      string
	Creator   ids.AgentId
	Members   []ids.AgentId // ordered by insertion
	CreatedAt time.Time
}

func (g Group) hasMember(agent ids.AgentId) bool {
	for _, m := range g.Members {
		if m == agent {
			return true
		}
	}
	return false
}

// Registry is the process-wide table of groups, guarded by an RWMutex:
// writes are rare, reads dominate.
type Registry struct {
	mu       sync.RWMutex
	groups   map[ids.GroupId]*Group
	resolver Resolver
	log      eventlog.Log
}

func New(resolver Resolver, log eventlog.Log) *Registry {
	return &Registry{
		groups:   make(map[ids.GroupId]*Group),
		resolver: resolver,
		log:      log,
	}
}

// Create registers a new group. Fails DuplicateGroup if id exists, or
// AmbientConflict if any declared member (including the creator) does not
// resolve, or BadArguments if members is empty. The creator is always
// added to the member set even if the caller omitted it.
func (r *Registry) Create(ctx context.Context, id ids.GroupId, name string, creator ids.AgentId, members []ids.AgentId) error {
	all := ensureMember(members, creator)
	if len(all) == 0 {
		return vcerr.New(vcerr.BadArguments, "group member set must be non-empty")
	}
	for _, m := range all {
		if !r.resolver.Lookup(m) {
			return vcerr.Newf(vcerr.AmbientConflict, "unresolved member %s", m)
		}
	}

	r.mu.Lock()
	if _, exists := r.groups[id]; exists {
		r.mu.Unlock()
		return vcerr.Newf(vcerr.DuplicateGroup, "group %s already exists", id)
	}
	g := &Group{Id: id, Name: name, Creator: creator, Members: all, CreatedAt: time.Now()}
	r.groups[id] = g
	r.mu.Unlock()

	return r.appendNotice(ctx, id, creator, all, "group created: "+name)
}

// Invite adds invitee to group. Fails NotAMember if inviter is not
// currently a member, UnknownAgent if invitee does not resolve. Idempotent
// if invitee is already a member (no duplicate SystemNotice is emitted).
func (r *Registry) Invite(ctx context.Context, id ids.GroupId, inviter, invitee ids.AgentId) error {
	if !r.resolver.Lookup(invitee) {
		return vcerr.Newf(vcerr.UnknownAgent, "invitee %s does not resolve", invitee)
	}

	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return vcerr.Newf(vcerr.UnknownGroup, "group %s not found", id)
	}
	if !g.hasMember(inviter) {
		r.mu.Unlock()
		return vcerr.Newf(vcerr.NotAMember, "%s is not a member of %s", inviter, id)
	}
	if g.hasMember(invitee) {
		r.mu.Unlock()
		return nil // idempotent
	}
	g.Members = append(g.Members, invitee)
	snapshot := append([]ids.AgentId(nil), g.Members...)
	r.mu.Unlock()

	return r.appendNotice(ctx, id, inviter, snapshot, invitee.String()+" invited by "+inviter.String())
}

// Delete removes a group. Only the creator may delete it.
func (r *Registry) Delete(ctx context.Context, id ids.GroupId, requester ids.AgentId) error {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return vcerr.Newf(vcerr.UnknownGroup, "group %s not found", id)
	}
	if g.Creator != requester {
		r.mu.Unlock()
		return vcerr.New(vcerr.NotAMember, "only the creator may delete the group")
	}
	snapshot := append([]ids.AgentId(nil), g.Members...)
	delete(r.groups, id)
	r.mu.Unlock()

	return r.appendNotice(ctx, id, requester, snapshot, "group deleted by "+requester.String())
}

// MembersOf returns the current member set, ordered by insertion.
func (r *Registry) MembersOf(id ids.GroupId) ([]ids.AgentId, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, vcerr.Newf(vcerr.UnknownGroup, "group %s not found", id)
	}
	return append([]ids.AgentId(nil), g.Members...), nil
}

// GroupsOf returns every group agentId currently belongs to.
func (r *Registry) GroupsOf(agentId ids.AgentId) []ids.GroupId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ids.GroupId
	for id, g := range r.groups {
		if g.hasMember(agentId) {
			out = append(out, id)
		}
	}
	return out
}

func ensureMember(members []ids.AgentId, creator ids.AgentId) []ids.AgentId {
	for _, m := range members {
		if m == creator {
			return append([]ids.AgentId(nil), members...)
		}
	}
	return append(append([]ids.AgentId(nil), members...), creator)
}

func (r *Registry) appendNotice(ctx context.Context, id ids.GroupId, actor ids.AgentId, addressed []ids.AgentId, text string) error {
	if r.log == nil {
		return nil
	}
	key := ids.GroupKey(id)
	_, err := r.log.Append(ctx, key, eventlog.Event{
		Sender:    actor,
		Addressed: ids.SortAgentIds(addressed),
		Kind:      eventlog.SystemNotice,
		Content:   eventlog.TextContent(text),
		Timestamp: time.Now(),
		MessageId: ids.NewMessageId(0),
	})
	if err != nil {
		return vcerr.Wrap(vcerr.StorageUnavailable, err, "append group SystemNotice")
	}
	return nil
}
