package pool

import (
	"sync"

	"github.com/emberworks/bellows/internal/model"
)

// signalBufferSize is the channel buffer for each signal subscriber.
// Signals are dropped if a subscriber falls this far behind.
const signalBufferSize = 64

// SignalBroker fans task signals out to per-task subscribers and to
// firehose subscribers that observe every task. It is safe for concurrent
// use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for
// the expected task volume.
type SignalBroker struct {
	mu       sync.Mutex
	topics   map[string]*signalTopic
	firehose map[int]chan model.Signal
	nextID   int
	down     bool
}

type signalTopic struct {
	subs   map[int]chan model.Signal
	nextID int
	closed bool
}

// NewSignalBroker creates a new signal broker.
func NewSignalBroker() *SignalBroker {
	return &SignalBroker{
		topics:   make(map[string]*signalTopic),
		firehose: make(map[int]chan model.Signal),
	}
}

// Subscribe returns a channel that receives signals for the given task and
// an unsubscribe function. If the task has already finished (Close was
// called), the returned channel is immediately closed.
func (b *SignalBroker) Subscribe(taskID string) (<-chan model.Signal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Signal, signalBufferSize)
	if b.down {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.topics[taskID]
	if !ok {
		t = &signalTopic{subs: make(map[int]chan model.Signal)}
		b.topics[taskID] = t
	}

	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// SubscribeAll returns a channel that receives every published signal and
// an unsubscribe function.
func (b *SignalBroker) SubscribeAll() (<-chan model.Signal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Signal, signalBufferSize)
	if b.down {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.firehose[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.firehose, id)
	}
}

// Publish sends a signal to the task's subscribers and every firehose
// subscriber. Signals are dropped for subscribers whose buffers are full.
func (b *SignalBroker) Publish(taskID string, sig model.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return
	}

	for _, ch := range b.firehose {
		select {
		case ch <- sig:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// Close signals that no more signals will be published for the given task.
// All topic subscriber channels are closed and future Subscribe calls for
// the task return a closed channel.
func (b *SignalBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return
	}

	t, ok := b.topics[taskID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[taskID] = &signalTopic{subs: make(map[int]chan model.Signal), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Shutdown closes every subscriber channel and drops all topics. The
// broker refuses further subscriptions and publishes afterward.
func (b *SignalBroker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return
	}
	b.down = true

	for _, t := range b.topics {
		if t.closed {
			continue
		}
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
	b.topics = make(map[string]*signalTopic)

	for id, ch := range b.firehose {
		close(ch)
		delete(b.firehose, id)
	}
}
