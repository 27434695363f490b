// SPDX-License-Identifier: MIT

// Package bus is the per-task progress fanout. Delivery is at-most-once per
// subscriber with lossy-latest coalescing: when a subscriber cannot keep up,
// older messages for the same (language, stage) key are superseded by the
// newest instead of stalling the publishing worker.
package bus

import (
	"sync"

	"github.com/ManuGH/vodub/internal/metrics"
)

// Message is the external progress payload (serialized as-is to clients).
type Message struct {
	Type     string `json:"type"` // "progress", "done" or "error"
	Language string `json:"language,omitempty"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"` // 0..100
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Key identifies the lossy-latest coalescing slot.
func (m Message) Key() string {
	return m.Language + "|" + m.Stage
}

// Progress builds a progress message.
func Progress(lang, stage string, percent int, text string) Message {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Message{Type: "progress", Language: lang, Stage: stage, Progress: percent, Message: text}
}

// Done builds a terminal success message.
func Done(stage string) Message {
	return Message{Type: "done", Stage: stage, Progress: 100}
}

// Error builds a terminal failure message.
func Error(stage, errText string) Message {
	return Message{Type: "error", Stage: stage, Error: errText}
}

// Topic is one task's broadcast channel.
type Topic struct {
	name string

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber drains a topic through C(). Slow consumption never blocks the
// publisher; it only costs intermediate messages per key.
type Subscriber struct {
	topic *Topic
	out   chan Message

	mu       sync.Mutex
	pending  map[string]Message
	order    []string
	wake     chan struct{}
	quit     chan struct{} // closed by Close(), aborts a blocked send
	closeOut sync.Once
	closing  bool
}

// NewTopic creates a topic named after its task.
func NewTopic(taskID string) *Topic {
	return &Topic{name: taskID, subs: make(map[*Subscriber]struct{})}
}

// Name returns the task ID the topic belongs to.
func (t *Topic) Name() string { return t.name }

// Subscribe attaches a new subscriber. It never blocks and never replays
// messages broadcast before the call.
func (t *Topic) Subscribe() *Subscriber {
	s := &Subscriber{
		topic:   t,
		out:     make(chan Message),
		pending: make(map[string]Message),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.closing = true
		s.closeOut.Do(func() { close(s.out) })
		return s
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	metrics.BusSubscribers.WithLabelValues(t.name).Inc()
	go s.pump()
	return s
}

// Publish coalesces msg into every subscriber's pending set.
func (t *Topic) Publish(msg Message) {
	t.mu.Lock()
	subs := make([]*Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.offer(t.name, msg)
	}
}

// Close broadcasts a terminal message and shuts down every subscriber after
// its pending messages drain. Further publishes are no-ops.
func (t *Topic) Close(final Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*Subscriber]struct{})
	t.mu.Unlock()

	for _, s := range subs {
		s.offer(t.name, final)
		s.beginClose()
		metrics.BusSubscribers.WithLabelValues(t.name).Dec()
	}
}

// C returns the subscriber's receive channel. It is closed on topic close
// or Subscriber.Close.
func (s *Subscriber) C() <-chan Message { return s.out }

// Close detaches the subscriber from its topic. A send blocked on a reader
// that has gone away is aborted immediately.
func (s *Subscriber) Close() error {
	s.topic.mu.Lock()
	if _, ok := s.topic.subs[s]; ok {
		delete(s.topic.subs, s)
		s.topic.mu.Unlock()
		metrics.BusSubscribers.WithLabelValues(s.topic.name).Dec()
	} else {
		s.topic.mu.Unlock()
	}

	s.mu.Lock()
	alreadyClosing := s.closing
	s.closing = true
	s.mu.Unlock()
	if !alreadyClosing {
		close(s.quit)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Subscriber) offer(topic string, msg Message) {
	key := msg.Key()
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if _, exists := s.pending[key]; exists {
		metrics.IncBusDrop(topic, "superseded")
	} else {
		s.order = append(s.order, key)
	}
	s.pending[key] = msg
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// beginClose marks the subscriber draining after a topic close: the pump
// delivers what is pending (the terminal message included) and then closes
// the channel.
func (s *Subscriber) beginClose() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves pending messages to the out channel in key-FIFO order. It owns
// closing out: once the subscriber is closing it drains what remains, then
// exits. A reader that disappeared aborts via quit.
func (s *Subscriber) pump() {
	defer s.closeOut.Do(func() { close(s.out) })
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
			case <-s.quit:
				return
			}
			continue
		}
		key := s.order[0]
		s.order = s.order[1:]
		msg := s.pending[key]
		delete(s.pending, key)
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.quit:
			return
		}
	}
}
