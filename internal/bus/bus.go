// Package bus fans task events out to subscribers. Every task has its own
// topic. Delivery happens under the topic lock, so every subscriber of a
// topic observes events in publish order, and a subscribe-with-replay can
// never interleave with a publish.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"
)

var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrClosed            = errors.New("bus closed")
)

// Event is one message on a task topic.
type Event struct {
	TaskID    string
	RequestID string
	Seq       uint64 // strictly increasing per task
	Progress  int
	Message   protocol.ServerMessage
	Terminal  bool
}

// Subscriber receives events. Deliver is called with the topic lock held and
// must not block; implementations queue the event and return. Subscribers
// are compared by identity, so implementations must be comparable (pointer
// receivers in practice).
type Subscriber interface {
	Deliver(ev Event)
}

type topic struct {
	mu      sync.Mutex
	subs    []Subscriber
	closed  bool
	removed bool // dropped from the bus; holders must look the topic up again
	lastSeq uint64
}

func (t *topic) indexOf(s Subscriber) int {
	for i, sub := range t.subs {
		if sub == s {
			return i
		}
	}
	return -1
}

// Bus holds all task topics.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topic(taskID string, create bool) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.topics[taskID]
	if !ok && create {
		t = &topic{}
		b.topics[taskID] = t
	}
	return t, nil
}

// lockTopic returns taskID's topic with its lock held, or nil when it does
// not exist and create is false.
func (b *Bus) lockTopic(taskID string, create bool) (*topic, error) {
	for {
		t, err := b.topic(taskID, create)
		if err != nil || t == nil {
			return nil, err
		}
		t.mu.Lock()
		if !t.removed {
			return t, nil
		}
		t.mu.Unlock()
	}
}

// drop removes t from the bus if it is still registered under taskID.
func (b *Bus) drop(taskID string, t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[taskID] == t {
		delete(b.topics, taskID)
	}
}

// Publish delivers ev to every current subscriber of its task. Events after
// a terminal event, or with a seq not above the last published one, are
// dropped. It reports whether the event was delivered.
func (b *Bus) Publish(ev Event) bool {
	t, err := b.lockTopic(ev.TaskID, true)
	if err != nil {
		return false
	}
	defer t.mu.Unlock()
	if t.closed {
		logging.BusDebug("drop %s seq=%d for closed topic %s", ev.Message.Type(), ev.Seq, ev.TaskID)
		return false
	}
	if ev.Seq != 0 && ev.Seq <= t.lastSeq {
		logging.BusDebug("drop stale %s seq=%d (last=%d) for %s", ev.Message.Type(), ev.Seq, t.lastSeq, ev.TaskID)
		return false
	}
	if ev.Seq != 0 {
		t.lastSeq = ev.Seq
	}
	for _, sub := range t.subs {
		sub.Deliver(ev)
	}
	if ev.Terminal {
		t.closed = true
		logging.BusDebug("topic %s closed after %s (subscribers=%d)", ev.TaskID, ev.Message.Type(), len(t.subs))
	}
	return true
}

// Subscribe registers sub for taskID. replay, if non-nil, runs under the
// topic lock before registration; it is where the caller delivers the
// current snapshot so nothing published concurrently is lost or seen twice.
// If the topic already saw its terminal event, replay runs but sub is not
// registered. A failed replay on a topic nothing has used yet removes it
// again, so subscribing to unknown tasks leaves nothing behind.
func (b *Bus) Subscribe(taskID string, sub Subscriber, replay func() error) error {
	t, err := b.lockTopic(taskID, true)
	if err != nil {
		return err
	}
	if t.indexOf(sub) >= 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, taskID)
	}
	if replay != nil {
		if err := replay(); err != nil {
			unused := len(t.subs) == 0 && t.lastSeq == 0 && !t.closed
			if unused {
				t.removed = true
			}
			t.mu.Unlock()
			if unused {
				b.drop(taskID, t)
			}
			return err
		}
	}
	if !t.closed {
		t.subs = append(t.subs, sub)
	}
	t.mu.Unlock()
	return nil
}

// Unsubscribe removes sub from taskID. It is a no-op if sub is not
// subscribed.
func (b *Bus) Unsubscribe(taskID string, sub Subscriber) {
	t, err := b.topic(taskID, false)
	if err != nil || t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOf(sub); i >= 0 {
		t.subs = append(t.subs[:i], t.subs[i+1:]...)
	}
}

// SubscriberCount returns the number of live subscribers of taskID.
func (b *Bus) SubscriberCount(taskID string) int {
	t, err := b.topic(taskID, false)
	if err != nil || t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Closed reports whether taskID's topic has seen its terminal event.
func (b *Bus) Closed(taskID string) bool {
	t, err := b.topic(taskID, false)
	if err != nil || t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Remove drops a topic entirely. Used when the registry evicts the task.
func (b *Bus) Remove(taskID string) {
	b.mu.Lock()
	t := b.topics[taskID]
	delete(b.topics, taskID)
	b.mu.Unlock()
	if t != nil {
		t.mu.Lock()
		t.removed = true
		t.mu.Unlock()
	}
}

// Len returns the number of topics held.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Close shuts the bus down. Later publishes and subscribes fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string]*topic)
}
