package eventlog

import (
	"context"
	"sync"

	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// MemoryLog is the in-process backend: an append-only slice per
// conversation guarded by a RWMutex, with no eviction. The log keeps the
// full history for range/tail/fingerprint correctness; bounding what an
// agent actually sees is the Context Builder's job, not this one.
type MemoryLog struct {
	mu    sync.RWMutex
	convs map[string][]Event
	subs  *subscriberSet
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		convs: make(map[string][]Event),
		subs:  newSubscriberSet(),
	}
}

func (l *MemoryLog) Append(ctx context.Context, key ids.ConversationKey, ev Event) (uint64, error) {
	if err := requireNonEmptyContent(key); err != nil {
		return 0, err
	}
	l.mu.Lock()
	k := key.String()
	seq := uint64(len(l.convs[k])) + 1
	ev.Sequence = seq
	ev.Conversation = key
	l.convs[k] = append(l.convs[k], ev)
	l.mu.Unlock()

	l.subs.wake(key)
	return seq, nil
}

func (l *MemoryLog) Range(ctx context.Context, key ids.ConversationKey, from, to uint64) ([]Event, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.convs[key.String()]
	if to == 0 || to > uint64(len(all)) {
		to = uint64(len(all))
	}
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	out := make([]Event, to-from+1)
	copy(out, all[from-1:to])
	return out, nil
}

func (l *MemoryLog) Tail(ctx context.Context, key ids.ConversationKey, n int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.convs[key.String()]
	if n <= 0 || n >= len(all) {
		out := make([]Event, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]Event, n)
	copy(out, all[len(all)-n:])
	return out, nil
}

func (l *MemoryLog) Subscribe(ctx context.Context, key ids.ConversationKey) <-chan struct{} {
	return l.subs.subscribe(ctx, key)
}

func (l *MemoryLog) Fingerprint(ctx context.Context, key ids.ConversationKey, from, to uint64) (string, error) {
	evs, err := l.Range(ctx, key, from, to)
	if err != nil {
		return "", err
	}
	return Fingerprint(evs), nil
}

func (l *MemoryLog) Close() error { return nil }

var _ Log = (*MemoryLog)(nil)

// requireNonEmptyContent guards against half-events reaching the log; the
// eventlog itself never rejects on content shape (that is the caller's
// job), but empty conversation keys are always a bug upstream.
func requireNonEmptyContent(key ids.ConversationKey) error {
	if key == (ids.ConversationKey{}) {
		return vcerr.New(vcerr.BadArguments, "empty conversation key")
	}
	return nil
}
