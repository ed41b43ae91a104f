package events

import (
	"log/slog"
	"sync"
)

const (
	// queueDepth bounds how many undelivered events a session queue may
	// hold before producers start dropping. Keeps a stalled session from
	// growing without bound.
	queueDepth = 256

	// subscriberDepth bounds the per-subscriber channel. A slow subscriber
	// loses events rather than stalling the session queue.
	subscriberDepth = 64
)

// Broker fans out events to subscribers, one ordered queue per session.
// All producers for a session funnel through the same queue, so delivery
// order matches publish order regardless of which component emitted.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*sessionQueue
	finished map[string]struct{}
	logger   *slog.Logger
}

type sessionQueue struct {
	in   chan *Event
	done chan struct{}

	mu     sync.Mutex
	subs   []chan *Event
	closed bool
}

// NewBroker creates an event broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		queues:   make(map[string]*sessionQueue),
		finished: make(map[string]struct{}),
		logger:   logger,
	}
}

// Publish delivers an event to the session's queue. Delivery to subscribers
// is best-effort: events published after Finish, or beyond the queue bound,
// are dropped. A finished session never gets a new queue, so late producers
// such as sandbox teardown cannot resurrect it.
func (b *Broker) Publish(sessionID string, event *Event) {
	q := b.queue(sessionID)
	if q == nil {
		return
	}

	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.in <- event:
	default:
		b.logger.Warn("event queue full, dropping event",
			"session_id", sessionID, "type", string(event.Type))
	}
}

// Subscribe returns a channel of events for the session, in publish order.
// The channel is closed when the session finishes. A subscriber that falls
// behind loses events but never sees them out of order. Subscribing to a
// finished session yields an already-closed channel.
func (b *Broker) Subscribe(sessionID string) <-chan *Event {
	q := b.queue(sessionID)
	ch := make(chan *Event, subscriberDepth)
	if q == nil {
		close(ch)
		return ch
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		close(ch)
		return ch
	}
	q.subs = append(q.subs, ch)
	q.mu.Unlock()
	return ch
}

// Finish signals the session's queue to drain pending events and close all
// subscriber channels. The session is tombstoned: subsequent Publish and
// Subscribe calls see it as finished.
func (b *Broker) Finish(sessionID string) {
	b.mu.Lock()
	b.finished[sessionID] = struct{}{}
	q, ok := b.queues[sessionID]
	if ok {
		delete(b.queues, sessionID)
	}
	b.mu.Unlock()
	if ok {
		close(q.done)
	}
}

// queue returns the session's queue, creating it on first use. Finished
// sessions return nil.
func (b *Broker) queue(sessionID string) *sessionQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.finished[sessionID]; done {
		return nil
	}
	q, ok := b.queues[sessionID]
	if !ok {
		q = &sessionQueue{
			in:   make(chan *Event, queueDepth),
			done: make(chan struct{}),
		}
		b.queues[sessionID] = q
		go q.run()
	}
	return q
}

func (q *sessionQueue) run() {
	for {
		select {
		case event := <-q.in:
			q.deliver(event)
		case <-q.done:
			// Drain whatever was queued before the finish signal.
			for {
				select {
				case event := <-q.in:
					q.deliver(event)
				default:
					q.closeSubs()
					return
				}
			}
		}
	}
}

func (q *sessionQueue) deliver(event *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subs {
		select {
		case sub <- event:
		default:
			// Slow subscriber: drop for this subscriber only.
		}
	}
}

func (q *sessionQueue) closeSubs() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, sub := range q.subs {
		close(sub)
	}
	q.subs = nil
}
