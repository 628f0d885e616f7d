package bus

import (
	"context"
	"testing"
	"time"

	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
)

func directEvent(from, to ids.AgentId, text string) eventlog.Event {
	return eventlog.Event{
		Conversation: ids.DirectKey(from, to),
		Sender:       from,
		Addressed:    []ids.AgentId{to},
		Kind:         eventlog.AgentText,
		Content:      eventlog.TextContent(text),
		Timestamp:    time.Now(),
		MessageId:    ids.NewMessageId(0),
	}
}

func TestPublishWakesRecipientNotSender(t *testing.T) {
	log := eventlog.NewMemoryLog()
	b := New(log)
	b.RegisterInbox("a1")
	b.RegisterInbox("a2")

	ctx := context.Background()
	if _, err := b.Publish(ctx, directEvent("a1", "a2", "hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case w := <-b.Inbox("a2"):
		if w.Conversation != ids.DirectKey("a1", "a2") {
			t.Errorf("unexpected wakeup conversation: %+v", w)
		}
	case <-time.After(time.Second):
		t.Fatal("a2 did not receive wakeup")
	}

	select {
	case w := <-b.Inbox("a1"):
		t.Fatalf("a1 (sender) should not be woken, got %+v", w)
	default:
	}
}

func TestOrderingPerConversation(t *testing.T) {
	log := eventlog.NewMemoryLog()
	b := New(log)
	b.RegisterInbox("a2")
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := b.Publish(ctx, directEvent("a1", "a2", text)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	tail, err := log.Tail(ctx, ids.DirectKey("a1", "a2"), 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	for i, want := range []string{"one", "two", "three"} {
		if tail[i].Content.Text != want {
			t.Errorf("event %d = %q, want %q", i, tail[i].Content.Text, want)
		}
	}
}

func TestBackpressureDropsOldestAndFlagsLag(t *testing.T) {
	log := eventlog.NewMemoryLog()
	b := New(log, WithInboxDepth(2))
	b.RegisterInbox("a2")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, directEvent("a1", "a2", "msg")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	var sawLag bool
	drained := 0
	for {
		select {
		case w := <-b.Inbox("a2"):
			drained++
			if w.Lagged {
				sawLag = true
			}
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Fatal("expected at least one wakeup to survive backpressure")
	}
	if !sawLag {
		t.Error("expected a Lagged wakeup after overflow")
	}
}

func TestAtMostOncePerAgentPerEvent(t *testing.T) {
	log := eventlog.NewMemoryLog()
	b := New(log)
	b.RegisterInbox("a2")
	ctx := context.Background()

	ev := directEvent("a1", "a2", "dup")
	ev.MessageId = ids.MessageId{Rand: "fixed", Seq: 1}

	if _, err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	count := 0
	for {
		select {
		case <-b.Inbox("a2"):
			count++
		default:
			if count != 1 {
				t.Fatalf("expected exactly one wakeup for duplicate event id, got %d", count)
			}
			return
		}
	}
}
