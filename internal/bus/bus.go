package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Subscribe hands out lossy channels: a full subscriber misses events.
// SubscribeOrdered hands out lossless channels that observe every matching
// event exactly once, in publish order.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *orderedQueue
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id := b.add(&subscription{namespace: namespace, ch: ch})
	return ch, func() { b.remove(id) }
}

// SubscribeOrdered returns a channel that receives every event matching the
// namespace prefix in publish order. Publish never blocks on it; events queue
// up until the subscriber reads them. The channel is closed on unsubscribe.
func (b *Bus) SubscribeOrdered(namespace string) (<-chan Event, func()) {
	q := newOrderedQueue()
	id := b.add(&subscription{namespace: namespace, queue: q})
	go q.run()

	var once sync.Once
	return q.out, func() {
		once.Do(func() {
			b.remove(id)
			q.close()
		})
	}
}

func (b *Bus) add(sub *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = sub
	return id
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// orderedQueue is an unbounded FIFO drained into out by a single goroutine.
type orderedQueue struct {
	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
	done    chan struct{}
	out     chan Event
}

func newOrderedQueue() *orderedQueue {
	return &orderedQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
}

func (q *orderedQueue) push(evt Event) {
	q.mu.Lock()
	q.pending = append(q.pending, evt)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *orderedQueue) close() {
	close(q.done)
}

func (q *orderedQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		var evt Event
		ok := len(q.pending) > 0
		if ok {
			evt = q.pending[0]
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}

		select {
		case q.out <- evt:
		case <-q.done:
			return
		}
	}
}
