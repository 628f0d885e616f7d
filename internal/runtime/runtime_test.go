package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vcompany/vcompany/internal/bus"
	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/groups"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/llm"
	"github.com/vcompany/vcompany/internal/router"
	"github.com/vcompany/vcompany/internal/tools"
	"github.com/vcompany/vcompany/internal/vcerr"
)

type dirResolver struct{ d *directory.Directory }

func (r dirResolver) Lookup(agentId ids.AgentId) bool { return r.d.Lookup(agentId) != directory.Unknown }

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, node ids.NodeId, env router.Envelope) error {
	return nil
}

// fakeProvider is the runtime-side twin of llm.gateway_test's fakeProvider:
// a scripted sequence of responses returned one per call, looping the
// last entry once exhausted.
type fakeProvider struct {
	responses []llm.Response
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, model string, view contextbuilder.PromptView, available []tools.Descriptor) (llm.Response, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx], nil
}

func newTestHarness(t *testing.T, provider llm.Provider, opts ...Option) (*Runtime, eventlog.Log, *directory.Directory) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	dir := directory.New()
	grp := groups.New(dirResolver{dir}, log)
	b := bus.New(log)
	rtr := router.New("node-1", dir, grp, b, log, noopDispatcher{})
	builder := contextbuilder.New(log)
	toolsReg := tools.New()
	gateway := llm.New(map[string]llm.Provider{"fake": provider})

	rt := New("node-1", dir, b, log, builder, toolsReg, gateway, rtr, opts...)
	return rt, log, dir
}

func waitForEvent(t *testing.T, log eventlog.Log, conv ids.ConversationKey, want eventlog.Kind, timeout time.Duration) eventlog.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tail, err := log.Tail(context.Background(), conv, 0)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		for _, ev := range tail {
			if ev.Kind == want {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %s event on %s", want, conv)
	return eventlog.Event{}
}

func TestExecuteTurnEmitsReplyThroughRouter(t *testing.T) {
	provider := &fakeProvider{responses: []llm.Response{
		{Outcome: llm.OutcomeReply, Reply: "hello there"},
	}}
	rt, log, dir := newTestHarness(t, provider)

	if err := rt.RegisterAgent(directory.LocalAgent{Id: "a1", SystemPrompt: "you are a1", Binding: "fake/model-x"}); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if err := dir.RegisterLocal(directory.LocalAgent{Id: "a2", Binding: "fake/model-x"}); err != nil {
		t.Fatalf("register a2: %v", err)
	}

	conv := ids.DirectKey("a1", "a2")
	rt.wake(context.Background(), "a1", conv)
	rt.wg.Wait()

	ev := waitForEvent(t, log, conv, eventlog.AgentText, time.Second)
	if ev.Content.Text != "hello there" {
		t.Fatalf("expected reply text, got %+v", ev)
	}
	if ev.Sender != "a1" {
		t.Fatalf("expected sender a1, got %s", ev.Sender)
	}
}

func TestExecuteTurnRunsToolIterationBeforeReply(t *testing.T) {
	provider := &fakeProvider{responses: []llm.Response{
		{Outcome: llm.OutcomeToolCall, ToolCall: llm.ToolCallRequest{ToolName: "echo", Arguments: `{"msg":"hi"}`}},
		{Outcome: llm.OutcomeReply, Reply: "done"},
	}}
	rt, log, dir := newTestHarness(t, provider)

	echoed := false
	rt.toolsReg.Register(tools.Descriptor{
		Name: "echo",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			echoed = true
			return "ok", nil
		},
	})

	if err := rt.RegisterAgent(directory.LocalAgent{Id: "a1", Binding: "fake/model-x", DeclaredTools: []string{"echo"}}); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	dir.RegisterLocal(directory.LocalAgent{Id: "a2", Binding: "fake/model-x"})

	conv := ids.DirectKey("a1", "a2")
	rt.wake(context.Background(), "a1", conv)
	rt.wg.Wait()

	waitForEvent(t, log, conv, eventlog.ToolResult, time.Second)
	waitForEvent(t, log, conv, eventlog.AgentText, time.Second)
	if !echoed {
		t.Fatal("expected the echo tool handler to run")
	}
}

func TestExecuteTurnBudgetExceededLogsSystemNotice(t *testing.T) {
	provider := &fakeProvider{responses: []llm.Response{
		{Outcome: llm.OutcomeToolCall, ToolCall: llm.ToolCallRequest{ToolName: "noop", Arguments: `{}`}},
	}}
	rt, log, dir := newTestHarness(t, provider, WithMaxIterations(2))

	rt.toolsReg.Register(tools.Descriptor{
		Name:    "noop",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil },
	})
	rt.RegisterAgent(directory.LocalAgent{Id: "a1", Binding: "fake/model-x", DeclaredTools: []string{"noop"}})
	dir.RegisterLocal(directory.LocalAgent{Id: "a2", Binding: "fake/model-x"})

	conv := ids.DirectKey("a1", "a2")
	rt.wake(context.Background(), "a1", conv)
	rt.wg.Wait()

	notice := waitForEvent(t, log, conv, eventlog.SystemNotice, time.Second)
	if notice.Content.Text == "" {
		t.Fatal("expected a non-empty budget-exceeded notice")
	}
}

func TestExecuteTurnLlmFailureLogsSystemNotice(t *testing.T) {
	provider := &fakeProvider{responses: []llm.Response{
		{Outcome: llm.OutcomeFailure, Err: vcerr.New(vcerr.LlmFailure, "boom")},
	}}
	rt, log, dir := newTestHarness(t, provider)
	rt.RegisterAgent(directory.LocalAgent{Id: "a1", Binding: "fake/model-x"})
	dir.RegisterLocal(directory.LocalAgent{Id: "a2", Binding: "fake/model-x"})

	conv := ids.DirectKey("a1", "a2")
	rt.wake(context.Background(), "a1", conv)
	rt.wg.Wait()

	waitForEvent(t, log, conv, eventlog.SystemNotice, time.Second)
}

func TestWakeCoalescesConcurrentArrivals(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	provider := &blockingThenReplyProvider{release: release, started: started}
	rt, _, dir := newTestHarness(t, provider)
	rt.RegisterAgent(directory.LocalAgent{Id: "a1", Binding: "fake/model-x"})
	dir.RegisterLocal(directory.LocalAgent{Id: "a2", Binding: "fake/model-x"})

	conv := ids.DirectKey("a1", "a2")
	rt.wake(context.Background(), "a1", conv)
	<-started // first turn is now blocked inside Chat

	// These should coalesce into a single pendingWake rather than each
	// spawning a concurrent turn.
	rt.wake(context.Background(), "a1", conv)
	rt.wake(context.Background(), "a1", conv)

	rt.mu.Lock()
	_, stillActive := rt.active[turnKey{Agent: "a1", Conv: conv}]
	rt.mu.Unlock()
	if !stillActive {
		t.Fatal("expected the key to still be single-flight active")
	}

	close(release)
	rt.wg.Wait()

	if provider.calls < 2 {
		t.Fatalf("expected the coalesced wakeup to trigger a follow-up turn, got %d calls", provider.calls)
	}
}

// blockingThenReplyProvider blocks its first call on release so the test
// can assert coalescing behavior while a turn is in flight, then answers
// every call (including the follow-up) with a final reply.
type blockingThenReplyProvider struct {
	release chan struct{}
	started chan struct{}
	calls   int
}

func (p *blockingThenReplyProvider) Chat(ctx context.Context, model string, view contextbuilder.PromptView, available []tools.Descriptor) (llm.Response, error) {
	p.calls++
	if p.calls == 1 {
		p.started <- struct{}{}
		<-p.release
	}
	return llm.Response{Outcome: llm.OutcomeReply, Reply: "ok"}, nil
}
