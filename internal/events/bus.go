// Package events distributes coordinator events: an in-process pub/sub
// bus for co-located consumers, plus an optional Redis-backed bus for
// multi-instance deployments.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the coordinator.
const (
	TypeTaskEnqueued    = "task.enqueued"
	TypeTaskCompleted   = "task.completed"
	TypeAgentRegistered = "agent.registered"
	TypeBlacklistAppend = "blacklist.append"
	TypePriceEpoch      = "economy.price_epoch"
	TypeIssuanceCommit  = "economy.issuance_commit"
	TypePaymentSettled  = "economy.payment_settled"
)

// Emitter is satisfied by both Bus and RedisBus.
type Emitter interface {
	Emit(eventType, subject string, data map[string]any)
}

// Event is the envelope every consumer sees.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Subject     string         `json:"subject,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	Data        map[string]any `json:"data"`
	PublishedMs int64          `json:"published_ms"`
}

// NewEvent builds an envelope with a fresh id and timestamp.
func NewEvent(eventType, subject string, data map[string]any) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Subject:     subject,
		Data:        data,
		PublishedMs: time.Now().UnixMilli(),
	}
}

// Bus is the in-process pub/sub bus. Subscriber channels are buffered;
// a full subscriber misses the event rather than blocking the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the given event types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish fans an event out to every matching subscriber.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]any) {
	b.Publish(NewEvent(eventType, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
