// Package events implements the post-commit fan-out of transfer
// transitions. Delivery is best-effort: the committing path never blocks on
// a slow subscriber and never observes a publish failure as an error.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topics routed by the bus.
const (
	TopicTransfers          = "/topic/transfers"
	TopicComplianceWorklist = "/topic/compliance/worklist"
)

// TransferEvent is the summary published for every committed transition.
type TransferEvent struct {
	TransferID      int64     `json:"transfer_id"`
	MsgID           string    `json:"msg_id"`
	Status          string    `json:"status"`
	Amount          string    `json:"amount"`
	SourceIBAN      string    `json:"source_iban"`
	DestinationIBAN string    `json:"destination_iban"`
	CreatedAt       time.Time `json:"created_at"`
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan TransferEvent
	closed bool
}

// trySend offers the event without blocking. The subscriber lock orders the
// send against cancel's close, so a concurrent unsubscribe can never turn a
// publish into a send on a closed channel.
func (s *subscriber) trySend(ev TransferEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// A cancelled subscriber is gone, not backpressured.
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Bus routes transfer events to topic subscribers over buffered channels.
// A full buffer drops the event for that subscriber and counts it as
// dead-lettered; it never propagates backpressure into the commit path.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*subscriber
	dropped    atomic.Int64
	onDrop     func(topic string, ev TransferEvent)
	logger     *slog.Logger
	defaultCap int
}

// NewBus creates an event bus. bufferCap is the per-subscriber channel
// capacity.
func NewBus(bufferCap int) *Bus {
	if bufferCap <= 0 {
		bufferCap = 64
	}
	return &Bus{
		subs:       make(map[string][]*subscriber),
		logger:     slog.Default().With("component", "events"),
		defaultCap: bufferCap,
	}
}

// OnDrop registers a dead-letter observer for dropped events.
func (b *Bus) OnDrop(fn func(topic string, ev TransferEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe returns a channel of events for the topic and a cancel func.
func (b *Bus) Subscribe(topic string) (<-chan TransferEvent, func()) {
	sub := &subscriber{ch: make(chan TransferEvent, b.defaultCap)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()

		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish routes the event: every committed transfer goes to the transfers
// topic; a BLOCKED_AML transfer additionally lands on the compliance
// worklist.
func (b *Bus) Publish(ev TransferEvent) {
	b.deliver(TopicTransfers, ev)
	if ev.Status == "BLOCKED_AML" {
		b.deliver(TopicComplianceWorklist, ev)
	}
}

func (b *Bus) deliver(topic string, ev TransferEvent) {
	b.mu.RLock()
	subs := b.subs[topic]
	onDrop := b.onDrop
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.trySend(ev) {
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				"topic", topic, "transfer_id", ev.TransferID)
			if onDrop != nil {
				onDrop(topic, ev)
			}
		}
	}
}

// Dropped returns the number of dead-lettered events.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
