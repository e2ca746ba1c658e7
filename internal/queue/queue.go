// Package queue implements the topic-keyed bounded FIFO map that is the
// sole handoff point between the broker source and the worker pool.
package queue

import (
	"context"
	"sync"
)

// Policy selects what a Topic does when a Put would exceed its cordon.
type Policy string

const (
	// PolicyDropOldest clears the topic's buffered payloads, discards the
	// overflowing payload as well, and reports the drop to the
	// DropHandler. This is the default: it
	// favors freshness over completeness for an append-only time-series
	// sink where stale buffered rows are of limited value.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyBlock makes Put block until a consumer drains room.
	PolicyBlock Policy = "block"
)

// DropHandler is invoked whenever a drop-oldest overflow occurs.
type DropHandler func(topic string, dropped int)

// Topic is a bounded, single-producer, multi-consumer FIFO of payload
// bytes for one broker topic.
type Topic struct {
	name    string
	cordon  int
	policy  Policy
	onDrop  DropHandler
	ch      chan []byte
	putLock sync.Mutex
}

func newTopic(name string, cordon int, policy Policy, onDrop DropHandler) *Topic {
	return &Topic{
		name:   name,
		cordon: cordon,
		policy: policy,
		onDrop: onDrop,
		ch:     make(chan []byte, cordon),
	}
}

// Put enqueues payload. Under PolicyBlock it blocks until there is room.
// Under PolicyDropOldest, a full queue (including the overflowing
// payload itself) is cleared and onDrop is invoked; the queue is left
// empty so the next Get blocks until a new payload arrives, per spec's
// "the queue is cleared... and subsequent gets block until new
// arrivals."
func (t *Topic) Put(payload []byte) {
	if t.policy == PolicyBlock {
		t.ch <- payload
		return
	}

	t.putLock.Lock()
	defer t.putLock.Unlock()

	select {
	case t.ch <- payload:
		return
	default:
	}

	dropped := t.drainLocked() + 1 // the overflowing payload counts too
	if t.onDrop != nil {
		t.onDrop(t.name, dropped)
	}
}

func (t *Topic) drainLocked() int {
	n := 0
	for {
		select {
		case <-t.ch:
			n++
		default:
			return n
		}
	}
}

// Get blocks until a payload is available or ctx is canceled.
func (t *Topic) Get(ctx context.Context) ([]byte, bool) {
	select {
	case item := <-t.ch:
		return item, true
	case <-ctx.Done():
		return nil, false
	}
}

// QSize returns the number of payloads currently buffered.
func (t *Topic) QSize() int {
	return len(t.ch)
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Map is the fixed topic -> Topic mapping. It is built once at startup
// from the configured topic set and never gains or loses keys
// afterward — the sole mutation path is Topic.Put/Get on an existing
// entry.
type Map struct {
	topics map[string]*Topic
	names  []string
}

// NewMap builds a Map with one Topic per name, each bounded at cordon
// and governed by policy. onDrop, if non-nil, is called on every
// drop-oldest overflow.
func NewMap(names []string, cordon int, policy Policy, onDrop DropHandler) *Map {
	m := &Map{topics: make(map[string]*Topic, len(names)), names: append([]string(nil), names...)}
	for _, name := range names {
		m.topics[name] = newTopic(name, cordon, policy, onDrop)
	}
	return m
}

// Put enqueues payload under topic. It reports false if topic is not a
// configured key — callers must log and drop in that case (spec's
// UnknownTopicOnDispatch).
func (m *Map) Put(topic string, payload []byte) bool {
	t, ok := m.topics[topic]
	if !ok {
		return false
	}
	t.Put(payload)
	return true
}

// Topic returns the named Topic.
func (m *Map) Topic(name string) (*Topic, bool) {
	t, ok := m.topics[name]
	return t, ok
}

// Topics returns the configured topic names.
func (m *Map) Topics() []string {
	return m.names
}
