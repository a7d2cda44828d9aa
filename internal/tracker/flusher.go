package tracker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// Flush writes every dirty session to the store. Sessions that still fail
// after all retries stay dirty and mark the tracker sync-degraded; ticks
// keep accumulating in memory regardless.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	snapshot := make([]storage.Session, 0, len(t.dirty))
	for subject := range t.dirty {
		if session, ok := t.active[subject]; ok {
			snapshot = append(snapshot, *session)
		}
		delete(t.dirty, subject)
	}
	t.mu.Unlock()

	var lastErr error
	now := t.clk.Now()
	for i := range snapshot {
		session := snapshot[i]

		// A dirty session is written back as active. If the lease moved to
		// another device, that write would close the new holder's session
		// and steal the active pointer, so drop the stale copy instead.
		if held := t.lostLease(ctx, session.SubjectKey, now); held != nil {
			t.mu.Lock()
			if current, ok := t.active[session.SubjectKey]; ok && current.ID == session.ID {
				t.dropLocked(session.SubjectKey, current, held.HolderID)
			}
			t.mu.Unlock()
			continue
		}

		if err := t.persist(ctx, session); err != nil {
			lastErr = err
			t.mu.Lock()
			t.dirty[session.SubjectKey] = struct{}{}
			t.mu.Unlock()
			t.logger.Error().Err(err).
				Str("session_id", session.ID).
				Str("subject_key", session.SubjectKey).
				Msg("Flush exhausted retries, keeping session dirty")
		}
	}

	t.setDegraded(lastErr != nil)
	return lastErr
}

// persist upserts one session with exponential backoff.
func (t *Tracker) persist(ctx context.Context, session storage.Session) error {
	op := func() error {
		return t.store.Upsert(ctx, session)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(t.cfg.FlushRetries)),
		ctx,
	)

	err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		metrics.FlushRetries.Inc()
		t.logger.Warn().Err(err).
			Str("session_id", session.ID).
			Dur("retry_in", next).
			Msg("Session write failed, retrying")
	})
	if err != nil {
		metrics.FlushFailures.Inc()
	}
	return err
}

func (t *Tracker) setDegraded(degraded bool) {
	if t.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		metrics.SyncDegraded.Set(1)
		t.logger.Warn().Msg("Sync degraded, in-memory state is ahead of the store")
	} else {
		metrics.SyncDegraded.Set(0)
		t.logger.Info().Msg("Sync recovered")
	}
}
