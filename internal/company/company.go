// Package company is the composition root and library surface for a
// running virtual company: it wires the Append-Only Log, Agent Directory,
// Group Registry, Message Bus, Router, Node Transport, observation Hub,
// Context Builder, Tool Runtime, LLM Gateway, and Agent Runtime into one
// process and exposes the operations an embedder calls (send_private,
// send_group, broadcast, create_group, invite_to_group, members_of,
// connect_to_peers, register_remote_agent) as a reusable library, not
// just a CLI.
package company

import (
	"context"
	"net/http"
	"sync"

	"github.com/vcompany/vcompany/internal/bus"
	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/groups"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/llm"
	"github.com/vcompany/vcompany/internal/observe"
	"github.com/vcompany/vcompany/internal/router"
	"github.com/vcompany/vcompany/internal/runtime"
	"github.com/vcompany/vcompany/internal/tools"
	"github.com/vcompany/vcompany/internal/transport"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// AgentSpec is the create-agent request shape: id, display name, system
// prompt, opaque LLM binding descriptor, declared tool allow-list,
// autonomy mode, and a free-form metadata bag.
type AgentSpec struct {
	Id           ids.AgentId
	Name         string
	SystemPrompt string
	LlmBinding   string // "provider/model", e.g. "openai/gpt-4o-mini"
	AllowedTools []string
	Mode         runtime.Mode
	Metadata     map[string]string
}

// Config configures one running node. Log defaults to an in-memory
// backend; supply eventlog.NewSQLiteLog for durability across restarts.
type Config struct {
	Self         ids.NodeId
	Endpoint     string // this node's own reachable address, e.g. "http://localhost:8080"
	Log          eventlog.Log
	MaxIterations int
	ContextBound  int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string

	// Providers overrides provider construction entirely (used by tests
	// to inject a fake LLM provider without real API keys).
	Providers map[string]llm.Provider
}

// Company owns every component for one node and exposes the operations
// an embedder or CLI drives it with.
type Company struct {
	self ids.NodeId

	log      eventlog.Log
	dir      *directory.Directory
	groups   *groups.Registry
	bus      *bus.Bus
	rtr      *router.Router
	node     *transport.Node
	hub      *observe.Hub
	builder  *contextbuilder.Builder
	toolsReg *tools.Registry
	gateway  *llm.Gateway
	agents   *runtime.Runtime

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

type directoryResolver struct{ d *directory.Directory }

func (r directoryResolver) Lookup(agentId ids.AgentId) bool {
	return r.d.Lookup(agentId) != directory.Unknown
}

// New builds every component and wires them together, but does not start
// any background loop or listener; call Start to begin serving.
func New(cfg Config) (*Company, error) {
	log := cfg.Log
	if log == nil {
		log = eventlog.NewMemoryLog()
	}

	hub := observe.NewHub()
	observedLog := &observingLog{Log: log, hub: hub}

	dir := directory.New()
	grp := groups.New(directoryResolver{dir}, observedLog)
	msgBus := bus.New(observedLog)

	client := transport.NewClient(cfg.Self, dir)
	rtr := router.New(cfg.Self, dir, grp, msgBus, observedLog, client)

	server := transport.NewServer(cfg.Self, dir, rtr)
	node := transport.NewNode(cfg.Self, cfg.Endpoint, dir, server, client)
	hub.RegisterRoute(server.Echo(), "/v1/observe")

	var builderOpts []contextbuilder.Option
	if cfg.ContextBound > 0 {
		builderOpts = append(builderOpts, contextbuilder.WithBound(cfg.ContextBound))
	}
	builder := contextbuilder.New(observedLog, builderOpts...)

	toolsReg := tools.New()

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	gateway := llm.New(providers)

	var runtimeOpts []runtime.Option
	if cfg.MaxIterations > 0 {
		runtimeOpts = append(runtimeOpts, runtime.WithMaxIterations(cfg.MaxIterations))
	}
	agents := runtime.New(cfg.Self, dir, msgBus, observedLog, builder, toolsReg, gateway, rtr, runtimeOpts...)

	return &Company{
		self:     cfg.Self,
		log:      observedLog,
		dir:      dir,
		groups:   grp,
		bus:      msgBus,
		rtr:      rtr,
		node:     node,
		hub:      hub,
		builder:  builder,
		toolsReg: toolsReg,
		gateway:  gateway,
		agents:   agents,
	}, nil
}

func buildProviders(cfg Config) (map[string]llm.Provider, error) {
	if cfg.Providers != nil {
		return cfg.Providers, nil
	}
	providers := make(map[string]llm.Provider)
	if cfg.OpenAIAPIKey != "" {
		var opts []llm.OpenAIOption
		opts = append(opts, llm.WithOpenAIAPIKey(cfg.OpenAIAPIKey))
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, llm.WithOpenAIBaseURL(cfg.OpenAIBaseURL))
		}
		providers["openai"] = llm.NewOpenAIProvider(opts...)
	}
	if cfg.GeminiAPIKey != "" {
		gp, err := llm.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		providers["gemini"] = gp
	}
	return providers, nil
}

// Echo exposes the underlying HTTP server so a CLI can start listening.
func (c *Company) Echo() http.Handler { return c.node.Server.Echo() }

// Start launches the presence-refresh loop and sets the context that
// RegisterAgent uses for each agent's turn and autonomy loops. It must be
// called once before RegisterAgent.
func (c *Company) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	go c.node.RunPresenceLoop(runCtx)
}

// Shutdown cancels every in-flight turn and background loop.
func (c *Company) Shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.agents.Shutdown()
}

// RegisterAgent creates a locally-hosted agent and launches its turn loop
// (and, for Active mode, its autonomy self-wake loop).
func (c *Company) RegisterAgent(spec AgentSpec) error {
	if err := c.agents.RegisterAgent(directory.LocalAgent{
		Id:            spec.Id,
		DisplayName:   spec.Name,
		SystemPrompt:  spec.SystemPrompt,
		DeclaredTools: spec.AllowedTools,
		Binding:       spec.LlmBinding,
		Metadata:      spec.Metadata,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	runCtx := c.ctx
	c.mu.Unlock()
	if runCtx == nil {
		return vcerr.New(vcerr.BadArguments, "company not started: call Start before RegisterAgent")
	}

	go c.agents.RunAgentLoop(runCtx, spec.Id)
	if spec.Mode == runtime.Active {
		go c.agents.RunAutonomyLoop(runCtx, spec.Id)
	}
	go c.node.AnnounceChange(runCtx)
	return nil
}

// RegisterTool adds a callable tool to the Tool Runtime. Agents must
// still be granted access via their AllowedTools at creation time.
func (c *Company) RegisterTool(d tools.Descriptor) error {
	return c.toolsReg.Register(d)
}

// SendPrivate delivers a user-originated message into a direct
// conversation, waking the addressee's turn.
func (c *Company) SendPrivate(ctx context.Context, from, to ids.AgentId, text string) error {
	return c.rtr.Route(ctx, from, ids.Direct(to), router.Payload{
		Kind:    eventlog.UserText,
		Content: eventlog.TextContent(text),
	})
}

// SendGroup delivers a message to every member of group.
func (c *Company) SendGroup(ctx context.Context, from ids.AgentId, group ids.GroupId, text string) error {
	return c.rtr.Route(ctx, from, ids.Group(group), router.Payload{
		Kind:    eventlog.UserText,
		Content: eventlog.TextContent(text),
	})
}

// Broadcast delivers a message to every agent known to this node.
func (c *Company) Broadcast(ctx context.Context, from ids.AgentId, text string) error {
	return c.rtr.Route(ctx, from, ids.Broadcast(), router.Payload{
		Kind:    eventlog.UserText,
		Content: eventlog.TextContent(text),
	})
}

// CreateGroup registers a new group.
func (c *Company) CreateGroup(ctx context.Context, name string, creator ids.AgentId, members []ids.AgentId) (ids.GroupId, error) {
	id := ids.NewGroupId()
	if err := c.groups.Create(ctx, id, name, creator, members); err != nil {
		return "", err
	}
	return id, nil
}

// InviteToGroup adds invitee to group on inviter's behalf.
func (c *Company) InviteToGroup(ctx context.Context, group ids.GroupId, inviter, invitee ids.AgentId) error {
	return c.groups.Invite(ctx, group, inviter, invitee)
}

// MembersOf returns a group's current membership.
func (c *Company) MembersOf(group ids.GroupId) ([]ids.AgentId, error) {
	return c.groups.MembersOf(group)
}

// ConnectToPeers announces this node's local agent set to every seed
// endpoint.
func (c *Company) ConnectToPeers(ctx context.Context, seeds []string) {
	c.node.Bootstrap(ctx, seeds)
}

// RegisterRemoteAgent records an explicitly-known remote agent binding
// without waiting for the next announce/query exchange.
func (c *Company) RegisterRemoteAgent(agentId ids.AgentId, node ids.NodeId, endpoint string) error {
	return c.dir.RegisterRemote(agentId, node, endpoint)
}

// observingLog decorates an eventlog.Log, publishing every appended event
// to the observation Hub in addition to the normal append. It composes
// across component boundaries by wrapping: neither eventlog nor observe
// knows about the other, this wrapper is the only thing that does.
type observingLog struct {
	eventlog.Log
	hub *observe.Hub
}

func (o *observingLog) Append(ctx context.Context, key ids.ConversationKey, ev eventlog.Event) (uint64, error) {
	seq, err := o.Log.Append(ctx, key, ev)
	if err != nil {
		return seq, err
	}
	ev.Sequence = seq
	o.hub.Publish(ev)
	return seq, nil
}
