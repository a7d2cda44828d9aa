package tracker

import (
	"context"
	"time"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/events"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// Sweep force-completes active sessions whose last update is older than the
// stale threshold, capping their duration at that last update rather than
// extending them to now. Sessions this tracker is still advancing are left
// alone. Returns the number of sessions closed.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (int, error) {
	active, err := t.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range active {
		session := active[i]

		if now.Sub(session.LastUpdated) <= t.cfg.StaleAfter {
			continue
		}
		if t.owns(session) {
			continue
		}

		session.Status = storage.StatusCompleted
		if err := t.store.Upsert(ctx, session); err != nil {
			t.logger.Error().Err(err).
				Str("session_id", session.ID).
				Msg("Failed to close stale session")
			continue
		}

		if err := t.store.IncrementDailyTotal(ctx, session.BucketKey, session.SubjectKey, session.AccumulatedSeconds); err != nil {
			t.logger.Error().Err(err).
				Str("session_id", session.ID).
				Msg("Failed to aggregate stale session")
			continue
		}

		closed++
		metrics.SessionsFinalized.WithLabelValues("sweep").Inc()
		t.bus.PublishSession(events.SessionEvent{
			SessionID:          session.ID,
			SubjectKey:         session.SubjectKey,
			Status:             storage.StatusCompleted,
			AccumulatedSeconds: session.AccumulatedSeconds,
			Timestamp:          session.LastUpdated,
		})

		t.logger.Info().
			Str("session_id", session.ID).
			Str("subject_key", session.SubjectKey).
			Time("last_updated", session.LastUpdated).
			Msg("Closed stale session")
	}

	return closed, nil
}

// owns reports whether this tracker is actively advancing the session.
func (t *Tracker) owns(session storage.Session) bool {
	if session.DeviceID != t.arb.DeviceID() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.active[session.SubjectKey]
	return ok && current.ID == session.ID
}
