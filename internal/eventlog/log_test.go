package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/vcompany/vcompany/internal/ids"
)

func mkEvent(sender string, text string) Event {
	return Event{
		Sender:    ids.AgentId(sender),
		Kind:      AgentText,
		Content:   TextContent(text),
		Timestamp: time.Now(),
		MessageId: ids.NewMessageId(0),
	}
}

func TestMemoryLogOrdering(t *testing.T) {
	l := NewMemoryLog()
	key := ids.DirectKey("a1", "a2")
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		seq, err := l.Append(ctx, key, mkEvent("a1", text))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, seq)
		}
	}

	evs, err := l.Tail(ctx, key, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if evs[i].Content.Text != want {
			t.Errorf("event %d = %q, want %q", i, evs[i].Content.Text, want)
		}
	}
}

func TestMemoryLogTailBound(t *testing.T) {
	l := NewMemoryLog()
	key := ids.GroupKey("g1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, key, mkEvent("a1", "msg")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tail, err := l.Tail(ctx, key, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(tail))
	}
	if tail[0].Sequence != 4 || tail[1].Sequence != 5 {
		t.Errorf("unexpected sequences: %+v", tail)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	l := NewMemoryLog()
	key := ids.GroupKey("g1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, key, mkEvent("a1", "msg")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	fp1, err := l.Fingerprint(ctx, key, 1, 3)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := l.Fingerprint(ctx, key, 1, 3)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint not stable across calls: %s != %s", fp1, fp2)
	}

	if _, err := l.Append(ctx, key, mkEvent("a1", "another")); err != nil {
		t.Fatalf("append: %v", err)
	}
	fp3, err := l.Fingerprint(ctx, key, 1, 3)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp3 != fp1 {
		t.Errorf("fingerprint over unchanged range should be stable, got %s vs %s", fp3, fp1)
	}
}

func TestSubscribeWakesOnAppend(t *testing.T) {
	l := NewMemoryLog()
	key := ids.DirectKey("a1", "a2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := l.Subscribe(ctx, key)

	go func() {
		l.Append(context.Background(), key, mkEvent("a1", "ping"))
	}()

	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber wakeup")
	}
}
