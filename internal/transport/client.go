package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/router"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// Client dispatches wire envelopes to peer nodes over HTTP and implements
// router.Dispatcher. It also drives AnnouncePresence/QueryPresence
// exchanges.
type Client struct {
	self ids.NodeId
	hc   *http.Client
	dir  *directory.Directory

	mu        sync.RWMutex
	endpoints map[ids.NodeId]string
}

func NewClient(self ids.NodeId, dir *directory.Directory) *Client {
	return &Client{
		self:      self,
		hc:        &http.Client{Timeout: 5 * time.Second},
		dir:       dir,
		endpoints: make(map[ids.NodeId]string),
	}
}

// SetEndpoint records (or updates) how to reach node.
func (c *Client) SetEndpoint(node ids.NodeId, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[node] = endpoint
}

func (c *Client) endpointOf(node ids.NodeId) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.endpoints[node]
	return e, ok
}

// Dispatch implements router.Dispatcher by POSTing a deliver envelope to
// node's registered endpoint.
func (c *Client) Dispatch(ctx context.Context, node ids.NodeId, env router.Envelope) error {
	endpoint, ok := c.endpointOf(node)
	if !ok {
		return vcerr.Newf(vcerr.PeerUnreachable, "no known endpoint for node %s", node)
	}

	wire := WireEnvelope{
		ProtocolVersion: ProtocolVersion,
		OriginNode:      c.self,
		Kind:            KindDeliver,
		Payload:         encodePayload(toDeliverPayload(env)),
	}
	return c.post(ctx, endpoint+"/v1/deliver", wire, nil)
}

// AnnouncePresence pushes this node's local agent set to endpoint. Called
// on connect and again after any change to the local agent set.
func (c *Client) AnnouncePresence(ctx context.Context, endpoint string, agents []AgentAdvert, selfEndpoint string) error {
	wire := WireEnvelope{
		ProtocolVersion: ProtocolVersion,
		OriginNode:      c.self,
		Kind:            KindAnnounce,
		Payload:         encodePayload(AnnouncePayload{Endpoint: selfEndpoint, Agents: agents}),
	}
	var resp QueryResponse
	if err := c.post(ctx, endpoint+"/v1/announce", wire, &resp); err != nil {
		return err
	}
	c.SetEndpoint(resp.NodeId, endpoint)
	for _, a := range resp.Agents {
		_ = c.dir.RegisterRemote(a.Agent, resp.NodeId, endpoint)
	}
	c.dir.MarkNodeHealthy(resp.NodeId)
	return nil
}

// QueryPresence pulls the peer's current agent set and merges it into the
// directory. Called periodically to refresh remote bindings.
func (c *Client) QueryPresence(ctx context.Context, node ids.NodeId, endpoint string) error {
	wire := WireEnvelope{
		ProtocolVersion: ProtocolVersion,
		OriginNode:      c.self,
		Kind:            KindQuery,
		Payload:         encodePayload(QueryPayload{}),
	}
	var resp QueryResponse
	if err := c.post(ctx, endpoint+"/v1/query", wire, &resp); err != nil {
		c.dir.MarkNodeSuspect(node)
		return err
	}
	for _, a := range resp.Agents {
		_ = c.dir.RegisterRemote(a.Agent, node, endpoint)
	}
	c.dir.MarkNodeHealthy(node)
	return nil
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return vcerr.Wrap(vcerr.BadArguments, err, "encode wire envelope")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return vcerr.Wrap(vcerr.PeerUnreachable, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return vcerr.Wrap(vcerr.PeerUnreachable, err, "peer unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return vcerr.New(vcerr.ProtocolMismatch, "peer rejected protocol version")
	}
	if resp.StatusCode >= 500 {
		return vcerr.Newf(vcerr.PeerUnreachable, "peer returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return vcerr.Newf(vcerr.BadArguments, "peer rejected request with %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var _ router.Dispatcher = (*Client)(nil)
