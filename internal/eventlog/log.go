// Package eventlog implements the per-conversation Append-Only Log: an
// interface in front of interchangeable storage backends, so swapping the
// backend never changes observable behavior for a caller.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// Log is the storage-agnostic contract every backend implements.
type Log interface {
	// Append assigns the next sequence number for key and stores ev
	// atomically, waking any subscribers. Returns the assigned sequence.
	Append(ctx context.Context, key ids.ConversationKey, ev Event) (uint64, error)
	// Range returns events in [from, to] (inclusive) sequence order.
	Range(ctx context.Context, key ids.ConversationKey, from, to uint64) ([]Event, error)
	// Tail returns the last n events in sequence order.
	Tail(ctx context.Context, key ids.ConversationKey, n int) ([]Event, error)
	// Subscribe returns a channel woken after each Append to key. The
	// channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, key ids.ConversationKey) <-chan struct{}
	// Fingerprint returns a stable hash over the ordered event ids in
	// [from, to] for key, used by the Context Builder to key caches.
	Fingerprint(ctx context.Context, key ids.ConversationKey, from, to uint64) (string, error)
	// Close releases any resources held by the backend.
	Close() error
}

// Fingerprint hashes a slice of already-loaded events. Both backends funnel
// through this so the fingerprint algorithm is identical across drivers.
func Fingerprint(evs []Event) string {
	h := sha256.New()
	for _, ev := range evs {
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], ev.Sequence)
		h.Write(seqBuf[:])
		h.Write([]byte(ev.MessageId.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// subscriberSet is shared plumbing between backends: a per-key list of
// wakeup channels, guarded by its own mutex so it never entangles with a
// backend's storage lock.
type subscriberSet struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[string][]chan struct{})}
}

func (s *subscriberSet) subscribe(ctx context.Context, key ids.ConversationKey) <-chan struct{} {
	ch := make(chan struct{}, 1)
	k := key.String()
	s.mu.Lock()
	s.subs[k] = append(s.subs[k], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[k]
		for i, c := range list {
			if c == ch {
				s.subs[k] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *subscriberSet) wake(key ids.ConversationKey) {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[k] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func validateRange(from, to uint64) error {
	if to != 0 && from > to {
		return vcerr.Newf(vcerr.BadArguments, "range from=%d greater than to=%d", from, to)
	}
	return nil
}
