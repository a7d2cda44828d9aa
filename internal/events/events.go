package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// SessionEvent is emitted on session create/update/finalize.
type SessionEvent struct {
	SessionID          string                `json:"session_id"`
	SubjectKey         string                `json:"subject_key"`
	Status             storage.SessionStatus `json:"status"`
	AccumulatedSeconds int64                 `json:"accumulated_seconds"`
	Timestamp          time.Time             `json:"timestamp"`
}

// LeaseEventKind distinguishes lease transitions.
type LeaseEventKind string

const (
	LeaseAcquired LeaseEventKind = "acquired"
	LeaseLost     LeaseEventKind = "lost"
)

// LeaseEvent is emitted when lease ownership changes.
type LeaseEvent struct {
	SubjectKey string         `json:"subject_key"`
	DeviceID   string         `json:"device_id"`
	Kind       LeaseEventKind `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event, which is logged and counted.
type Bus struct {
	mu          sync.RWMutex
	sessionSubs []chan SessionEvent
	leaseSubs   []chan LeaseEvent
	logger      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// SubscribeSessions registers a session event subscriber with the given buffer
func (b *Bus) SubscribeSessions(buffer int) <-chan SessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan SessionEvent, buffer)
	b.sessionSubs = append(b.sessionSubs, ch)
	return ch
}

// SubscribeLeases registers a lease event subscriber with the given buffer
func (b *Bus) SubscribeLeases(buffer int) <-chan LeaseEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan LeaseEvent, buffer)
	b.leaseSubs = append(b.leaseSubs, ch)
	return ch
}

// PublishSession delivers a session event to all subscribers
func (b *Bus) PublishSession(ev SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.sessionSubs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues("session").Inc()
			b.logger.Warn().
				Str("session_id", ev.SessionID).
				Str("subject_key", ev.SubjectKey).
				Msg("Dropped session event, subscriber buffer full")
		}
	}
}

// PublishLease delivers a lease event to all subscribers
func (b *Bus) PublishLease(ev LeaseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.leaseSubs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues("lease").Inc()
			b.logger.Warn().
				Str("subject_key", ev.SubjectKey).
				Str("device_id", ev.DeviceID).
				Msg("Dropped lease event, subscriber buffer full")
		}
	}
}
