// Package broadcast fans orchestration and session events out to all live
// subscribers of a project. The broadcaster owns no state beyond the
// subscriber registry itself: it is a pure relay, and a slow or vanished
// subscriber never blocks a publish or fails it for the others.
package broadcast

import (
	"sync"
	"time"
)

// Event is one fanned-out state change. Type names the transition
// ("message", "subtask-started", "subtask-completed", "completed", "error",
// "question", "plan-ready", ...); Payload is the event body delivered to
// subscribers as-is.
type Event struct {
	Type            string      `json:"type"`
	ProjectID       string      `json:"projectId"`
	OrchestrationID string      `json:"orchestrationId,omitempty"`
	SessionName     string      `json:"sessionName,omitempty"`
	Payload         interface{} `json:"payload,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// DefaultSubscriberBuffer is the per-subscriber channel buffer. A full
// channel drops the oldest entry rather than blocking fanout.
const DefaultSubscriberBuffer = 64

type subscriber struct {
	id        int64
	projectID string
	ch        chan Event
}

// Broadcaster is a per-project subscriber registry. The zero value is not
// usable; construct with New.
type Broadcaster struct {
	mu         sync.RWMutex
	closed     bool
	nextID     int64
	bufferSize int
	byProject  map[string]map[int64]subscriber
}

// New returns a Broadcaster with the given per-subscriber buffer size
// (DefaultSubscriberBuffer when <= 0).
func New(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		bufferSize: bufferSize,
		byProject:  make(map[string]map[int64]subscriber),
	}
}

// Subscribe registers a new subscriber for projectID and returns its event
// channel plus a cancel function. Cancel removes the subscriber from the
// registry and closes the channel; calling it twice is safe.
func (b *Broadcaster) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := subscriber{id: b.nextID, projectID: projectID, ch: ch}
	set, ok := b.byProject[projectID]
	if !ok {
		set = make(map[int64]subscriber)
		b.byProject[projectID] = set
	}
	set[sub.id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(projectID, sub.id) })
	}
	return ch, cancel
}

// Publish delivers event to every current subscriber of event.ProjectID and
// returns the number of deliveries. Subscribers with full channels have one
// stale entry dropped; if the channel is still full the event is skipped
// for that subscriber only.
//
// The read lock is held across the sends. trySend never blocks, and
// channels are only closed under the write lock, so fanout can never race
// an unsubscribe into a send on a closed channel.
func (b *Broadcaster) Publish(event Event) int {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.byProject[event.ProjectID] {
		if trySend(sub.ch, event) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscribers for a project.
func (b *Broadcaster) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byProject[projectID])
}

// TotalSubscribers returns the number of live subscribers across all
// projects.
func (b *Broadcaster) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.byProject {
		total += len(subs)
	}
	return total
}

// Close removes and closes every subscriber channel. Subsequent Subscribe
// calls return an already-closed channel; Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for projectID, set := range b.byProject {
		for id, sub := range set {
			close(sub.ch)
			delete(set, id)
		}
		delete(b.byProject, projectID)
	}
}

func (b *Broadcaster) unsubscribe(projectID string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byProject[projectID]
	if !ok {
		return
	}
	sub, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.byProject, projectID)
	}
}

// trySend pushes event without blocking. On a full channel it drops one
// stale entry and retries once.
func trySend(ch chan Event, event Event) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}
