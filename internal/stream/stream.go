// Package stream fans dynamic-controller status events out to any number
// of subscribers, keeping a small backlog so a reconnecting subscriber
// sees the events it missed.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
)

// MaxBacklog is the number of events retained while no subscriber is
// connected.
const MaxBacklog = 10

// DefaultQueueSize is the per-subscriber channel capacity. A subscriber
// whose queue fills up is disconnected rather than allowed to block the
// publisher.
const DefaultQueueSize = 32

// Subscription is one subscriber's view of the stream. Receive from C;
// call Close when done. C is closed when the subscriber is dropped for
// back-pressure or when the stream shuts down.
type Subscription struct {
	ch     chan events.Event
	stream *Stream
}

// C returns the event channel.
func (s *Subscription) C() <-chan events.Event { return s.ch }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.stream.unsubscribe(s)
}

// Stream is the status fan-out hub.
type Stream struct {
	queueSize int
	log       *zap.Logger

	mu      sync.Mutex
	running bool
	backlog []events.Event
	subs    map[*Subscription]struct{}
}

// New creates a Stream with the given per-subscriber queue capacity
// (DefaultQueueSize if <= 0).
func New(queueSize int, log *zap.Logger) *Stream {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Stream{
		queueSize: queueSize,
		log:       log,
		subs:      map[*Subscription]struct{}{},
	}
}

// SetRunning flips the accepting state. Stopping clears the backlog:
// events from a finished run are stale for the next subscriber.
func (s *Stream) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	if !running {
		s.backlog = nil
	}
}

// Running reports whether events are currently accepted.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SubscriberCount returns the number of connected subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Backlog returns a copy of the buffered events.
func (s *Stream) Backlog() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// Subscribe registers a new subscriber. The backlog is drained into the
// subscription before any live event published after Subscribe returns.
func (s *Stream) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A fresh queue is sized to hold the whole backlog (<= MaxBacklog).
	size := s.queueSize
	if len(s.backlog) > size {
		size = len(s.backlog)
	}
	sub := &Subscription{ch: make(chan events.Event, size), stream: s}
	s.subs[sub] = struct{}{}
	for _, ev := range s.backlog {
		sub.ch <- ev
	}
	s.log.Debug("stream subscriber added", zap.Int("total", len(s.subs)))
	return sub
}

// Publish delivers an event to every subscriber without blocking. While no
// subscriber is connected the event is retained in the backlog (oldest
// evicted past MaxBacklog). A subscriber whose queue is full is dropped.
// Events are silently discarded while the stream is not running.
func (s *Stream) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if len(s.subs) == 0 {
		s.appendBacklogLocked(ev)
		return
	}

	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.log.Warn("subscriber queue full, disconnecting")
			delete(s.subs, sub)
			close(sub.ch)
		}
	}

	// Everyone was too slow: keep the event for the next subscriber.
	if len(s.subs) == 0 {
		s.appendBacklogLocked(ev)
	}
}

func (s *Stream) appendBacklogLocked(ev events.Event) {
	s.backlog = append(s.backlog, ev)
	if len(s.backlog) > MaxBacklog {
		s.backlog = s.backlog[len(s.backlog)-MaxBacklog:]
	}
}

// Close disconnects every subscriber and clears all state.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = map[*Subscription]struct{}{}
	s.backlog = nil
	s.running = false
	s.log.Info("status stream closed")
}

func (s *Stream) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
		s.log.Debug("stream subscriber removed", zap.Int("total", len(s.subs)))
	}
}
