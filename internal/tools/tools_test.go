package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vcompany/vcompany/internal/vcerr"
)

func echoTool() Descriptor {
	return Descriptor{
		Name:        "echo",
		Description: "echoes the q argument",
		Schema: Schema{
			Properties: map[string]PropertyType{"q": TypeString},
			Required:   []string{"q"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var parsed struct {
				Q string `json:"q"`
			}
			json.Unmarshal(args, &parsed)
			return parsed.Q, nil
		},
	}
}

func TestInvokeUnknownToolFails(t *testing.T) {
	r := New()
	res := r.Invoke(context.Background(), "a1", "lookup", nil)
	if !res.Failed || res.Reason != string(vcerr.BadArguments) {
		t.Fatalf("expected BadArguments, got %+v", res)
	}
}

func TestInvokeNotPermitted(t *testing.T) {
	r := New()
	r.Register(echoTool())
	res := r.Invoke(context.Background(), "a1", "echo", json.RawMessage(`{"q":"x"}`))
	if !res.Failed || res.Reason != string(vcerr.ToolNotPermitted) {
		t.Fatalf("expected ToolNotPermitted, got %+v", res)
	}
}

func TestInvokeSchemaViolation(t *testing.T) {
	r := New()
	r.Register(echoTool())
	r.Allow("a1", "echo")
	res := r.Invoke(context.Background(), "a1", "echo", json.RawMessage(`{}`))
	if !res.Failed || res.Reason != string(vcerr.BadArguments) {
		t.Fatalf("expected BadArguments for missing required field, got %+v", res)
	}
}

func TestInvokeSuccess(t *testing.T) {
	r := New()
	r.Register(echoTool())
	r.Allow("a1", "echo")
	res := r.Invoke(context.Background(), "a1", "echo", json.RawMessage(`{"q":"hi"}`))
	if res.Failed || res.Text != "hi" {
		t.Fatalf("expected success with text 'hi', got %+v", res)
	}
}

func TestInvokeTimeout(t *testing.T) {
	r := New()
	r.Register(Descriptor{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-time.After(time.Second):
				return "too slow", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	r.Allow("a1", "slow")
	res := r.Invoke(context.Background(), "a1", "slow", nil)
	if !res.Failed || res.Reason != string(vcerr.ToolTimeout) {
		t.Fatalf("expected ToolTimeout, got %+v", res)
	}
}

func TestAvailableForListsOnlyAllowed(t *testing.T) {
	r := New()
	r.Register(echoTool())
	r.Register(Descriptor{Name: "other", Handler: func(context.Context, json.RawMessage) (string, error) { return "", nil }})
	r.Allow("a1", "echo")

	avail := r.AvailableFor("a1")
	if len(avail) != 1 || avail[0].Name != "echo" {
		t.Fatalf("expected only echo available, got %+v", avail)
	}
}
