package events

import (
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

// MemoryBus is an in-process Bus. Every subscriber owns a buffered queue
// drained by its own goroutine; when the queue is full the event is dropped
// for that subscriber only.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[*memorySub]struct{}
	queueSize int
	closed    bool
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	ch      chan delivery
	done    chan struct{}
	once    sync.Once
}

type delivery struct {
	topic string
	ev    Event
}

// NewMemoryBus returns a MemoryBus whose subscriber queues hold queueSize
// events. Zero selects the default.
func NewMemoryBus(queueSize int) *MemoryBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &MemoryBus{
		subs:      make(map[*memorySub]struct{}),
		queueSize: queueSize,
	}
}

func (b *MemoryBus) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !Match(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- delivery{topic: topic, ev: ev}:
		default:
			slog.Warn("event subscriber queue full, dropping event", "topic", topic, "type", ev.Type, "pattern", sub.pattern)
		}
	}
}

func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	sub := &memorySub{
		bus:     b,
		pattern: pattern,
		ch:      make(chan delivery, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case d := <-sub.ch:
				deliver(h, d)
			}
		}
	}()

	return sub, nil
}

// Close stops all subscribers. Publishing after Close is a no-op.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySub]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// deliver isolates subscriber panics from the bus goroutine.
func deliver(h Handler, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "topic", d.topic, "type", d.ev.Type, "panic", r)
		}
	}()
	h(d.topic, d.ev)
}
