package transport

import (
	"context"
	"log"
	"time"

	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/ids"
)

// PresenceInterval is how often a Node re-issues QueryPresence against
// every known peer to refresh remote bindings.
const PresenceInterval = 30 * time.Second

// Node owns a Server and Client pair, bootstraps against a seed peer
// list, and runs the periodic presence refresh loop.
type Node struct {
	self         ids.NodeId
	selfEndpoint string
	dir          *directory.Directory
	Server       *Server
	Client       *Client
}

func NewNode(self ids.NodeId, selfEndpoint string, dir *directory.Directory, server *Server, client *Client) *Node {
	return &Node{self: self, selfEndpoint: selfEndpoint, dir: dir, Server: server, Client: client}
}

// Bootstrap announces this node's local agents to every seed endpoint in
// seeds.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) {
	advert := n.localAdvert()
	for _, endpoint := range seeds {
		if err := n.Client.AnnouncePresence(ctx, endpoint, advert, n.selfEndpoint); err != nil {
			log.Printf("transport: announce to seed %s failed: %v", endpoint, err)
		}
	}
}

// AnnounceChange re-announces to every known remote node's endpoint,
// called after the local agent set changes.
func (n *Node) AnnounceChange(ctx context.Context) {
	advert := n.localAdvert()
	for node, bindings := range n.dir.ListRemoteByNode(false) {
		if len(bindings) == 0 {
			continue
		}
		endpoint := bindings[0].Endpoint
		if err := n.Client.AnnouncePresence(ctx, endpoint, advert, n.selfEndpoint); err != nil {
			log.Printf("transport: re-announce to node %s failed: %v", node, err)
		}
	}
}

func (n *Node) localAdvert() []AgentAdvert {
	local := n.dir.ListLocal()
	out := make([]AgentAdvert, len(local))
	for i, a := range local {
		out[i] = AgentAdvert{Agent: a.Id}
	}
	return out
}

// RunPresenceLoop blocks, issuing QueryPresence against every known peer
// node every PresenceInterval, until ctx is cancelled. Nodes with repeated
// query failures are demoted to Suspect by the caller-visible effects of
// QueryPresence's own error handling; three consecutive failures mark the
// node Dead.
func (n *Node) RunPresenceLoop(ctx context.Context) {
	ticker := time.NewTicker(PresenceInterval)
	defer ticker.Stop()

	failures := make(map[ids.NodeId]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for node, bindings := range n.dir.ListRemoteByNode(true) {
				if len(bindings) == 0 {
					continue
				}
				endpoint := bindings[0].Endpoint
				if err := n.Client.QueryPresence(ctx, node, endpoint); err != nil {
					failures[node]++
					for _, b := range bindings {
						if failures[node] >= 3 {
							n.dir.MarkDead(b.Agent)
						} else {
							n.dir.MarkSuspect(b.Agent)
						}
					}
					continue
				}
				failures[node] = 0
			}
		}
	}
}
