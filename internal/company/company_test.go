package company

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/llm"
	"github.com/vcompany/vcompany/internal/runtime"
	"github.com/vcompany/vcompany/internal/tools"
)

type staticReplyProvider struct{ reply string }

func (p staticReplyProvider) Chat(ctx context.Context, model string, view contextbuilder.PromptView, available []tools.Descriptor) (llm.Response, error) {
	return llm.Response{Outcome: llm.OutcomeReply, Reply: p.reply}, nil
}

func newTestCompany(t *testing.T, reply string) *Company {
	t.Helper()
	c, err := New(Config{
		Self:      "node-1",
		Endpoint:  "http://localhost:0",
		Providers: map[string]llm.Provider{"fake": staticReplyProvider{reply: reply}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	t.Cleanup(c.Shutdown)
	return c
}

func TestCreateGroupInviteMembersOf(t *testing.T) {
	c := newTestCompany(t, "")
	if err := c.RegisterAgent(AgentSpec{Id: "a1", LlmBinding: "fake/model"}); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if err := c.RegisterAgent(AgentSpec{Id: "a2", LlmBinding: "fake/model"}); err != nil {
		t.Fatalf("register a2: %v", err)
	}
	if err := c.RegisterAgent(AgentSpec{Id: "a3", LlmBinding: "fake/model"}); err != nil {
		t.Fatalf("register a3: %v", err)
	}

	gid, err := c.CreateGroup(context.Background(), "eng", "a1", []ids.AgentId{"a2"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := c.InviteToGroup(context.Background(), gid, "a1", "a3"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	members, err := c.MembersOf(gid)
	if err != nil {
		t.Fatalf("members of: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %v", members)
	}
}

func TestSendPrivateDrivesAgentTurn(t *testing.T) {
	c := newTestCompany(t, "hi back")
	if err := c.RegisterAgent(AgentSpec{Id: "human-proxy", LlmBinding: "fake/model"}); err != nil {
		t.Fatalf("register human-proxy: %v", err)
	}
	if err := c.RegisterAgent(AgentSpec{Id: "bot", LlmBinding: "fake/model"}); err != nil {
		t.Fatalf("register bot: %v", err)
	}

	if err := c.SendPrivate(context.Background(), "human-proxy", "bot", "hello"); err != nil {
		t.Fatalf("send private: %v", err)
	}

	conv := ids.DirectKey("human-proxy", "bot")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tail, err := c.log.Tail(context.Background(), conv, 0)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		for _, ev := range tail {
			if ev.Sender == "bot" && ev.Content.Text == "hi back" {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for bot's reply")
}

func TestObservationStreamReceivesPublishedEvents(t *testing.T) {
	c := newTestCompany(t, "observed reply")
	c.RegisterAgent(AgentSpec{Id: "human-proxy", LlmBinding: "fake/model"})
	c.RegisterAgent(AgentSpec{Id: "bot", LlmBinding: "fake/model", Mode: runtime.Passive})

	srv := httptest.NewServer(c.Echo())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/observe"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.hub.ConnectionCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}

	if err := c.SendPrivate(context.Background(), "human-proxy", "bot", "hello"); err != nil {
		t.Fatalf("send private: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "hello") {
		t.Fatalf("expected the observation frame to carry the sent text, got %s", msg)
	}
}
