package chat

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/pkg/agentapi"
)

// coalesceThreshold is the queue depth past which intermediate
// message.part.updated events collapse into the newest delta per part.
const coalesceThreshold = 32

// DisconnectReason explains why a subscriber's channel closed.
type DisconnectReason string

const (
	// DisconnectOverflow means the subscriber lagged beyond its buffer even
	// after coalescing.
	DisconnectOverflow DisconnectReason = "overflow"
	// DisconnectStream means the upstream agent stream ended; re-subscribe
	// once the sandbox is running again.
	DisconnectStream DisconnectReason = "stream_closed"
	// DisconnectClosed means the subscriber unsubscribed.
	DisconnectClosed DisconnectReason = "closed"
)

// Subscriber receives the event stream of one sandbox. Events arrive in
// source order, starting strictly after Subscribe returned.
type Subscriber struct {
	sandboxID string
	buffer    int

	mu       sync.Mutex
	queue    []*agentapi.Event
	partIdx  map[string]int // part id -> queue index of its pending delta
	notify   chan struct{}
	closed   bool
	reason   DisconnectReason
	out      chan *agentapi.Event
	hub      *Hub
	done     chan struct{}
}

// Events is the receive channel. It closes on disconnect; Reason tells why.
func (s *Subscriber) Events() <-chan *agentapi.Event { return s.out }

// Reason reports why the channel closed. Valid after Events is closed.
func (s *Subscriber) Reason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close unsubscribes and releases the subscriber's buffers.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s, DisconnectClosed)
}

// push enqueues one event, coalescing part deltas under lag. Returns false
// when the subscriber overflowed and must be disconnected.
func (s *Subscriber) push(event *agentapi.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	if event.Type == agentapi.EventMessagePartUpdated && len(s.queue) >= coalesceThreshold {
		if props, err := agentapi.ParseMessagePartUpdated(event.Properties); err == nil && props.Part.ID != "" {
			if idx, ok := s.partIdx[props.Part.ID]; ok {
				s.queue[idx] = event
				return true
			}
			s.partIdx[props.Part.ID] = len(s.queue)
		}
	}

	if len(s.queue) >= s.buffer && !event.Terminal() {
		// Coalescing already happened; a still-full queue means the
		// subscriber cannot keep up.
		return false
	}

	s.queue = append(s.queue, event)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// run drains the queue into the out channel.
func (s *Subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.notify
			s.mu.Lock()
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		// Indices shift by one; rebuild lazily only for tracked parts.
		for id, idx := range s.partIdx {
			if idx == 0 {
				delete(s.partIdx, id)
			} else {
				s.partIdx[id] = idx - 1
			}
		}
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) close(reason DisconnectReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.mu.Unlock()

	close(s.done)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Hub demultiplexes one producer per sandbox to many subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]bool // sandbox id -> set
	buffer      int
	logger      *logger.Logger
}

// NewHub creates a fan-out hub. buffer is the per-subscriber queue bound.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscriber]bool),
		buffer:      buffer,
		logger:      log.WithFields(zap.String("component", "chat_hub")),
	}
}

// Subscribe registers a new subscriber for a sandbox's agent events.
func (h *Hub) Subscribe(sandboxID string) *Subscriber {
	sub := &Subscriber{
		sandboxID: sandboxID,
		buffer:    h.buffer,
		partIdx:   make(map[string]int),
		notify:    make(chan struct{}, 1),
		out:       make(chan *agentapi.Event),
		done:      make(chan struct{}),
		hub:       h,
	}

	h.mu.Lock()
	if h.subscribers[sandboxID] == nil {
		h.subscribers[sandboxID] = make(map[*Subscriber]bool)
	}
	h.subscribers[sandboxID][sub] = true
	h.mu.Unlock()

	go sub.run()
	return sub
}

// Publish delivers one event to every subscriber of a sandbox. Subscribers
// that overflow are disconnected.
func (h *Hub) Publish(sandboxID string, event *agentapi.Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[sandboxID]))
	for sub := range h.subscribers[sandboxID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.push(event) {
			h.logger.Warn("disconnecting lagging subscriber",
				zap.String("sandbox_id", sandboxID))
			h.unsubscribe(sub, DisconnectOverflow)
		}
	}
}

// NotifyStreamClosed disconnects every subscriber of a sandbox because the
// upstream agent stream ended. Clients re-subscribe after restart.
func (h *Hub) NotifyStreamClosed(sandboxID string) {
	h.mu.Lock()
	subs := h.subscribers[sandboxID]
	delete(h.subscribers, sandboxID)
	h.mu.Unlock()

	for sub := range subs {
		sub.close(DisconnectStream)
	}
}

// SubscriberCount reports the live subscribers of a sandbox.
func (h *Hub) SubscriberCount(sandboxID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sandboxID])
}

func (h *Hub) unsubscribe(sub *Subscriber, reason DisconnectReason) {
	h.mu.Lock()
	if set, ok := h.subscribers[sub.sandboxID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, sub.sandboxID)
		}
	}
	h.mu.Unlock()

	sub.close(reason)
}
