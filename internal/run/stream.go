package run

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/consortium/internal/pipeline"
)

// subscriberBuffer is the number of snapshots queued per subscriber before
// newer ones are dropped for it.
const subscriberBuffer = 64

// Snapshot is one observation of a run. Snapshots are immutable once
// published.
type Snapshot struct {
	At        time.Time         `json:"at"`
	RunID     string            `json:"runId"`
	State     State             `json:"state"`
	Error     string            `json:"error,omitempty"`
	WaitingOn []string          `json:"waitingOn"`
	Pipeline  pipeline.Progress `json:"pipeline"`
	Seq       int               `json:"seq"`
}

// Stream is the observable state of one run: an ordered history of
// snapshots plus live subscriptions. A subscriber always receives the latest
// snapshot first. Slow subscribers skip snapshots rather than block the run;
// History keeps all of them.
type Stream struct {
	subs    map[int]chan Snapshot
	done    chan struct{}
	history []Snapshot
	nextSub int
	closed  bool
	mu      sync.Mutex
}

// NewStream creates an empty, open stream.
func NewStream() *Stream {
	return &Stream{
		subs: make(map[int]chan Snapshot),
		done: make(chan struct{}),
	}
}

// Publish appends s to the history, numbering it, and fans it out to every
// subscriber. Publishing to a closed stream is a no-op and returns false.
func (s *Stream) Publish(snap Snapshot) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, false
	}
	snap.Seq = len(s.history) + 1
	if snap.WaitingOn == nil {
		snap.WaitingOn = []string{}
	}
	s.history = append(s.history, snap)

	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap, true
}

// Latest returns the most recent snapshot.
func (s *Stream) Latest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return Snapshot{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns every snapshot published so far, oldest first.
func (s *Stream) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Subscribe returns a channel delivering the latest snapshot followed by
// every later one. The channel is closed when ctx is done or the stream
// closes.
func (s *Stream) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, subscriberBuffer)

	s.mu.Lock()
	if len(s.history) > 0 {
		ch <- s.history[len(s.history)-1]
	}
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.unsubscribe(id)
	}()
	return ch
}

func (s *Stream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Close ends the stream. Subscribers drain what is queued and then see
// their channel closed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	close(s.done)
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
