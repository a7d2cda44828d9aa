package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

func TestBus_PublishSession(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.SubscribeSessions(4)

	ev := SessionEvent{
		SessionID:          "sess-1",
		SubjectKey:         "project-a",
		Status:             storage.StatusActive,
		AccumulatedSeconds: 30,
		Timestamp:          time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC),
	}
	bus.PublishSession(ev)

	select {
	case got := <-sub:
		if got.SessionID != "sess-1" || got.AccumulatedSeconds != 30 {
			t.Errorf("Unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for session event")
	}
}

func TestBus_PublishLease(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.SubscribeLeases(4)

	bus.PublishLease(LeaseEvent{
		SubjectKey: "project-a",
		DeviceID:   "device-1",
		Kind:       LeaseAcquired,
		Timestamp:  time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC),
	})

	select {
	case got := <-sub:
		if got.Kind != LeaseAcquired || got.DeviceID != "device-1" {
			t.Errorf("Unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for lease event")
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_ = bus.SubscribeSessions(1)

	// Second publish overflows the buffer; it must drop, not block.
	done := make(chan struct{})
	go func() {
		bus.PublishSession(SessionEvent{SessionID: "sess-1"})
		bus.PublishSession(SessionEvent{SessionID: "sess-2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	first := bus.SubscribeSessions(1)
	second := bus.SubscribeSessions(1)

	bus.PublishSession(SessionEvent{SessionID: "sess-1"})

	for i, sub := range []<-chan SessionEvent{first, second} {
		select {
		case got := <-sub:
			if got.SessionID != "sess-1" {
				t.Errorf("Subscriber %d: unexpected event %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d: timed out", i)
		}
	}
}
