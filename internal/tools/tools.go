// Package tools implements the Tool Runtime: a registry of callable
// tools with declared JSON-Schema argument shapes, per-agent
// allow-lists, and timeout-bounded invocation. Each tool's declared
// parameters are shaped to be directly compatible with OpenAI-style
// tool calling. The registry itself is a mutex-guarded map, matching
// this module's other registries (internal/directory, internal/groups).
package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// DefaultTimeout is the tool timeout used when a Descriptor doesn't
// override one.
const DefaultTimeout = 10 * time.Second

// Handler executes a tool call. args is the raw JSON argument blob,
// already validated against Descriptor.Schema.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor is the declared shape of one registered tool, with a
// JSON-Schema-compatible parameter definition.
type Descriptor struct {
	Name        string
	Description string
	Schema      Schema
	Timeout     time.Duration
	Handler     Handler
}

// Schema is a minimal JSON-Schema-object subset: named properties with a
// primitive "type" and a required-field list. It is intentionally not a
// full JSON-Schema implementation (see DESIGN.md).
type Schema struct {
	Properties map[string]PropertyType
	Required   []string
}

type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeObject  PropertyType = "object"
	TypeArray   PropertyType = "array"
)

// Result is the structured outcome of an invocation, shaped so the
// Agent Runtime can append it as an event directly.
type Result struct {
	ToolName string
	Text     string
	Failed   bool
	Reason   string // set when Failed; a vcerr.Kind string or a handler-supplied message
}

// Registry is the process-wide tool table plus per-agent allow-lists.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Descriptor
	allowList map[ids.AgentId]map[string]bool
}

func New() *Registry {
	return &Registry{
		tools:     make(map[string]Descriptor),
		allowList: make(map[ids.AgentId]map[string]bool),
	}
}

// Register adds or replaces a tool descriptor.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Handler == nil {
		return vcerr.New(vcerr.BadArguments, "tool descriptor requires a name and handler")
	}
	if d.Timeout == 0 {
		d.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	return nil
}

// Allow grants agent access to the named tool.
func (r *Registry) Allow(agent ids.AgentId, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allowList[agent] == nil {
		r.allowList[agent] = make(map[string]bool)
	}
	r.allowList[agent][toolName] = true
}

// AvailableFor returns the descriptors agent is permitted to call.
func (r *Registry) AvailableFor(agent ids.AgentId) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed := r.allowList[agent]
	out := make([]Descriptor, 0, len(allowed))
	for name := range allowed {
		if d, ok := r.tools[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Invoke validates arguments against the tool's schema, enforces the
// per-agent allow-list, and runs the handler under its timeout.
func (r *Registry) Invoke(ctx context.Context, agent ids.AgentId, name string, args json.RawMessage) Result {
	r.mu.RLock()
	d, ok := r.tools[name]
	permitted := r.allowList[agent][name]
	r.mu.RUnlock()

	if !ok {
		return Result{ToolName: name, Failed: true, Reason: string(vcerr.BadArguments), Text: "unknown tool"}
	}
	if !permitted {
		return Result{ToolName: name, Failed: true, Reason: string(vcerr.ToolNotPermitted)}
	}
	if err := validate(d.Schema, args); err != nil {
		return Result{ToolName: name, Failed: true, Reason: string(vcerr.BadArguments), Text: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := d.Handler(callCtx, args)
		done <- outcome{text, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return Result{ToolName: name, Failed: true, Reason: o.err.Error(), Text: o.err.Error()}
		}
		return Result{ToolName: name, Text: o.text}
	case <-callCtx.Done():
		return Result{ToolName: name, Failed: true, Reason: string(vcerr.ToolTimeout)}
	}
}

// validate checks args against schema's declared properties and required
// fields. It is a deliberately minimal subset of JSON Schema (see
// DESIGN.md for why no schema library is used).
func validate(schema Schema, args json.RawMessage) error {
	if len(schema.Properties) == 0 && len(schema.Required) == 0 {
		return nil
	}
	var parsed map[string]interface{}
	if len(args) == 0 {
		parsed = map[string]interface{}{}
	} else if err := json.Unmarshal(args, &parsed); err != nil {
		return vcerr.Wrap(vcerr.BadArguments, err, "arguments are not a JSON object")
	}

	for _, field := range schema.Required {
		if _, ok := parsed[field]; !ok {
			return vcerr.Newf(vcerr.BadArguments, "missing required argument %q", field)
		}
	}
	for field, want := range schema.Properties {
		v, ok := parsed[field]
		if !ok {
			continue
		}
		if !matchesType(v, want) {
			return vcerr.Newf(vcerr.BadArguments, "argument %q does not match declared type %q", field, want)
		}
	}
	return nil
}

func matchesType(v interface{}, want PropertyType) bool {
	switch want {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}
