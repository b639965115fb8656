package events

import "sync"

// Recorded is an event captured by a Recorder.
type Recorded struct {
	Topic string
	Event Event
}

// Recorder is a synchronous Bus that keeps every published event. Tests use
// it in place of the real bus; policy components can replay its stream.
type Recorder struct {
	mu       sync.Mutex
	events   []Recorded
	handlers []recorderSub
}

type recorderSub struct {
	id      int
	pattern string
	h       Handler
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(topic string, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, Recorded{Topic: topic, Event: ev})
	handlers := make([]recorderSub, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, s := range handlers {
		if Match(s.pattern, topic) {
			s.h(topic, ev)
		}
	}
}

func (r *Recorder) Subscribe(pattern string, h Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := len(r.handlers) + 1
	for _, s := range r.handlers {
		if s.id >= id {
			id = s.id + 1
		}
	}
	r.handlers = append(r.handlers, recorderSub{id: id, pattern: pattern, h: h})
	return recorderSubscription{r: r, id: id}, nil
}

type recorderSubscription struct {
	r  *Recorder
	id int
}

func (s recorderSubscription) Unsubscribe() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	for i, h := range s.r.handlers {
		if h.id == s.id {
			s.r.handlers = append(s.r.handlers[:i], s.r.handlers[i+1:]...)
			break
		}
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type, in publish order.
func (r *Recorder) OfType(eventType string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, e := range r.events {
		if e.Event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType string) int {
	return len(r.OfType(eventType))
}

// Reset forgets recorded events but keeps subscriptions.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
