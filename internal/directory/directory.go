// Package directory implements the Agent Directory: the local registry
// of agents and their inboxes, plus the remote-agent endpoint map. It is
// its own component precisely so no other package mutates its internal
// state directly; callers only ever go through its exported operations,
// each guarded by fine-grained read/write locking.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// Health is the liveness state of a remote agent binding.
type Health int

const (
	Healthy Health = iota
	Suspect
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case Suspect:
		return "Suspect"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Location is the result of Lookup.
type Location int

const (
	Unknown Location = iota
	Local
	Remote
)

// LocalAgent is the directory's record of a locally-hosted agent:
// identity plus everything the Context Builder, LLM Gateway, and Tool
// Runtime need to serve its turns, without those components reaching
// into each other's state.
type LocalAgent struct {
	Id            ids.AgentId
	DisplayName   string
	SystemPrompt  string
	DeclaredTools []string          // subset of the Tool Runtime's registered tools
	Binding       string            // LLM binding descriptor, opaque to the core
	Metadata      map[string]string // string -> JSON-encoded value bag
}

// RemoteBinding records where a non-local agent lives and how reachable
// it currently is.
type RemoteBinding struct {
	Agent    ids.AgentId
	Node     ids.NodeId
	Endpoint string
	LastSeen time.Time
	Health   Health
}

// Directory is the process-wide mutable table of local and remote agents.
// An AgentId maps to exactly one of Local or Remote, never both.
type Directory struct {
	mu      sync.RWMutex
	local   map[ids.AgentId]LocalAgent
	remote  map[ids.AgentId]RemoteBinding
}

func New() *Directory {
	return &Directory{
		local:  make(map[ids.AgentId]LocalAgent),
		remote: make(map[ids.AgentId]RemoteBinding),
	}
}

// RegisterLocal registers a locally-hosted agent. Fails AmbientConflict if
// the id is already bound remote, or is already registered locally with a
// different SystemPrompt; any other re-registration replaces the stored
// record.
func (d *Directory) RegisterLocal(agent LocalAgent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.remote[agent.Id]; ok {
		return vcerr.Newf(vcerr.AmbientConflict, "agent %s already bound remote", agent.Id)
	}
	if existing, ok := d.local[agent.Id]; ok && existing.SystemPrompt != agent.SystemPrompt {
		return vcerr.Newf(vcerr.AmbientConflict, "agent %s already registered locally with different binding", agent.Id)
	}
	d.local[agent.Id] = agent
	return nil
}

// RegisterRemote records that agentId is owned by a remote node reachable
// at endpoint. Fails AmbientConflict if the id is bound locally.
func (d *Directory) RegisterRemote(agentId ids.AgentId, node ids.NodeId, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.local[agentId]; ok {
		return vcerr.Newf(vcerr.AmbientConflict, "agent %s already bound locally", agentId)
	}
	existing, ok := d.remote[agentId]
	if ok && existing.Node != node {
		return vcerr.Newf(vcerr.AmbientConflict, "agent %s already bound to remote node %s", agentId, existing.Node)
	}

	d.remote[agentId] = RemoteBinding{
		Agent:    agentId,
		Node:     node,
		Endpoint: endpoint,
		LastSeen: time.Now(),
		Health:   Healthy,
	}
	return nil
}

// Unregister removes an agent binding, local or remote. Absence of recent
// contact never removes a binding on its own — only an explicit call does.
func (d *Directory) Unregister(agentId ids.AgentId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.local, agentId)
	delete(d.remote, agentId)
}

// Lookup reports whether agentId is Local, Remote, or Unknown.
func (d *Directory) Lookup(agentId ids.AgentId) Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.local[agentId]; ok {
		return Local
	}
	if _, ok := d.remote[agentId]; ok {
		return Remote
	}
	return Unknown
}

// RemoteBindingOf returns the remote binding for agentId, if any.
func (d *Directory) RemoteBindingOf(agentId ids.AgentId) (RemoteBinding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.remote[agentId]
	return b, ok
}

// GetLocal returns the registered record for a locally-hosted agent.
func (d *Directory) GetLocal(agentId ids.AgentId) (LocalAgent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.local[agentId]
	return a, ok
}

// ListLocal returns all locally-registered agents.
func (d *Directory) ListLocal() []LocalAgent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]LocalAgent, 0, len(d.local))
	for _, a := range d.local {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// ListRemoteByNode groups all remote bindings by owning node. Bindings
// currently Dead are skipped unless includeDead is true.
func (d *Directory) ListRemoteByNode(includeDead bool) map[ids.NodeId][]RemoteBinding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[ids.NodeId][]RemoteBinding)
	for _, b := range d.remote {
		if !includeDead && b.Health == Dead {
			continue
		}
		out[b.Node] = append(out[b.Node], b)
	}
	for node := range out {
		sort.Slice(out[node], func(i, j int) bool { return out[node][i].Agent < out[node][j].Agent })
	}
	return out
}

// AllKnownAgents returns every agent id known to this directory (local +
// non-Dead remote), sorted, for Broadcast resolution.
func (d *Directory) AllKnownAgents() []ids.AgentId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ids.AgentId, 0, len(d.local)+len(d.remote))
	for id := range d.local {
		out = append(out, id)
	}
	for id, b := range d.remote {
		if b.Health != Dead {
			out = append(out, id)
		}
	}
	return ids.SortAgentIds(out)
}

// MarkSuspect transitions a remote binding to Suspect.
func (d *Directory) MarkSuspect(agentId ids.AgentId) {
	d.transitionHealth(agentId, func(h Health) Health {
		if h == Healthy {
			return Suspect
		}
		return h
	})
}

// MarkDead transitions a remote binding to Dead after repeated failures.
func (d *Directory) MarkDead(agentId ids.AgentId) {
	d.transitionHealth(agentId, func(Health) Health { return Dead })
}

// MarkHealthy restores Healthy from Suspect on a successful exchange. A
// Dead binding does not recover this way; only RegisterRemote (run when an
// announce or presence query lists the agent again) resets it to Healthy.
func (d *Directory) MarkHealthy(agentId ids.AgentId) {
	d.transitionHealth(agentId, func(h Health) Health {
		if h == Suspect {
			return Healthy
		}
		return h
	})
}

func (d *Directory) transitionHealth(agentId ids.AgentId, next func(Health) Health) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.remote[agentId]
	if !ok {
		return
	}
	b.Health = next(b.Health)
	b.LastSeen = time.Now()
	d.remote[agentId] = b
}

// MarkNodeSuspect transitions every remote agent owned by node from
// Healthy to Suspect, without touching LastSeen — used when a node-level
// exchange (announce/query response) fails, so a genuinely unreachable
// peer's staleness keeps advancing rather than being refreshed by the
// failed attempt itself.
func (d *Directory) MarkNodeSuspect(node ids.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, b := range d.remote {
		if b.Node != node {
			continue
		}
		if b.Health == Healthy {
			b.Health = Suspect
		}
		d.remote[id] = b
	}
}

// MarkNodeHealthy restores Healthy from Suspect for every remote agent
// owned by node, and refreshes LastSeen — used when a node-level exchange
// (announce/query response) succeeds rather than a single-agent delivery.
func (d *Directory) MarkNodeHealthy(node ids.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, b := range d.remote {
		if b.Node != node {
			continue
		}
		if b.Health == Suspect {
			b.Health = Healthy
		}
		b.LastSeen = time.Now()
		d.remote[id] = b
	}
}
