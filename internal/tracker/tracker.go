// Package tracker owns the in-memory active sessions and advances them on
// ticks. Memory is authoritative between flushes; the store catches up on a
// debounced interval so a burst of ticks never turns into a burst of writes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/events"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/lease"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// Config holds tracker tuning.
type Config struct {
	TickInterval  time.Duration
	MaxTickGap    time.Duration
	FlushInterval time.Duration
	FlushRetries  int
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Tracker advances active sessions and persists them incrementally.
// All session mutations for this device funnel through its mutex, so a
// subject switch is atomic: no instant observes two active sessions.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*storage.Session
	dirty  map[string]struct{}

	store    storage.SessionStore
	arb      *lease.Arbitrator
	resolver *datekey.Resolver
	bus      *events.Bus
	clk      clock.Clock
	cfg      Config
	logger   zerolog.Logger

	degraded atomic.Bool
	drivers  []*Driver
}

// NewTracker creates a tracker. Run starts its background loops.
func NewTracker(store storage.SessionStore, arb *lease.Arbitrator, resolver *datekey.Resolver, bus *events.Bus, clk clock.Clock, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxTickGap == 0 {
		cfg.MaxTickGap = 10 * time.Minute
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 4 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Minute
	}

	return &Tracker{
		active:   make(map[string]*storage.Session),
		dirty:    make(map[string]struct{}),
		store:    store,
		arb:      arb,
		resolver: resolver,
		bus:      bus,
		clk:      clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "session-tracker").Logger(),
	}
}

// Run starts the tick, flush and sweep loops.
func (t *Tracker) Run() {
	t.drivers = []*Driver{
		NewDriver("tick", t.cfg.TickInterval, t.clk, t.TickAll, t.logger),
		NewDriver("flush", t.cfg.FlushInterval, t.clk, func(time.Time) {
			if err := t.Flush(context.Background()); err != nil {
				t.logger.Error().Err(err).Msg("Flush failed")
			}
		}, t.logger),
		NewDriver("sweep", t.cfg.SweepInterval, t.clk, func(now time.Time) {
			if _, err := t.Sweep(context.Background(), now); err != nil {
				t.logger.Error().Err(err).Msg("Sweep failed")
			}
		}, t.logger),
	}

	for _, d := range t.drivers {
		d.Start()
	}
}

// Close stops the loops and flushes whatever is still dirty.
func (t *Tracker) Close(ctx context.Context) error {
	for _, d := range t.drivers {
		d.Stop()
	}
	return t.Flush(ctx)
}

// SyncDegraded reports whether in-memory state is ahead of the store
// because flushes are failing.
func (t *Tracker) SyncDegraded() bool {
	return t.degraded.Load()
}

// Start opens (or resumes) the active session for a subject. The lease must
// be obtainable; a live lease on another device rejects the start and names
// the holder so the caller can offer a takeover.
func (t *Tracker) Start(ctx context.Context, subjectKey string) (*storage.Session, error) {
	now := t.clk.Now()

	if err := t.arb.Acquire(ctx, subjectKey, now); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(ctx, subjectKey, now)
}

// OnTick advances the subject's session by the wall time since its last
// update, clamped to [0, max gap]. A missing session is created, a session
// whose bucket has rolled over is finalized and reopened in the new bucket.
// Returns the session's accumulated seconds after the tick.
func (t *Tracker) OnTick(ctx context.Context, subjectKey string) (int64, error) {
	now := t.clk.Now()

	if err := t.arb.EnsureHolder(ctx, subjectKey, now); err != nil {
		if lease.IsConflict(err) {
			metrics.TicksTotal.WithLabelValues("lease_conflict").Inc()
		}
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.active[subjectKey]
	if !ok {
		var err error
		session, err = t.startLocked(ctx, subjectKey, now)
		if err != nil {
			return 0, err
		}
	}

	bucket := t.resolver.Bucket(now)
	if session.BucketKey != bucket {
		// Day rollover: close out the old bucket, reopen fresh in the new one.
		t.applyDelta(session, now)
		if err := t.finalizeLocked(ctx, session, "rollover"); err != nil {
			return session.AccumulatedSeconds, err
		}
		var err error
		session, err = t.startLocked(ctx, subjectKey, now)
		if err != nil {
			return 0, err
		}
		metrics.TicksTotal.WithLabelValues("rollover").Inc()
		return session.AccumulatedSeconds, nil
	}

	added := t.applyDelta(session, now)
	t.dirty[subjectKey] = struct{}{}

	metrics.TicksTotal.WithLabelValues("ok").Inc()
	metrics.TrackedSeconds.WithLabelValues(subjectKey).Add(float64(added))
	t.bus.PublishSession(events.SessionEvent{
		SessionID:          session.ID,
		SubjectKey:         session.SubjectKey,
		Status:             storage.StatusActive,
		AccumulatedSeconds: session.AccumulatedSeconds,
		Timestamp:          now,
	})

	return session.AccumulatedSeconds, nil
}

// Stop finalizes the subject's active session and releases the lease.
// Stopping a subject with no active session is a no-op.
func (t *Tracker) Stop(ctx context.Context, subjectKey string) error {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(ctx, subjectKey, now)
}

// SwitchSubject stops tracking one subject and starts another as a single
// step under the tracker lock.
func (t *Tracker) SwitchSubject(ctx context.Context, fromSubject, toSubject string) (*storage.Session, error) {
	now := t.clk.Now()

	if err := t.arb.Acquire(ctx, toSubject, now); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.stopLocked(ctx, fromSubject, now); err != nil {
		return nil, fmt.Errorf("failed to stop %q: %w", fromSubject, err)
	}

	return t.startLocked(ctx, toSubject, now)
}

// TickAll advances every session this device is tracking.
func (t *Tracker) TickAll(time.Time) {
	t.mu.Lock()
	subjects := make([]string, 0, len(t.active))
	for subject := range t.active {
		subjects = append(subjects, subject)
	}
	t.mu.Unlock()

	ctx := context.Background()
	for _, subject := range subjects {
		if _, err := t.OnTick(ctx, subject); err != nil {
			t.logger.Warn().Err(err).Str("subject_key", subject).Msg("Tick rejected")
		}
	}
}

// TodayTotals returns per-subject seconds for the current bucket, combining
// finalized daily totals with in-flight active sessions.
func (t *Tracker) TodayTotals(ctx context.Context) (map[string]int64, error) {
	bucket := t.resolver.Bucket(t.clk.Now())

	totals := make(map[string]int64)
	stored, err := t.store.ListDailyTotals(ctx, bucket)
	if err != nil {
		return nil, err
	}
	for _, dt := range stored {
		totals[dt.SubjectKey] = dt.TotalSeconds
	}

	// At most one active session exists per (subject, bucket), so the
	// in-memory copy simply supersedes its flushed counterpart.
	inflight := make(map[string]int64)
	sessions, err := t.store.ListByDay(ctx, bucket)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].IsActive() {
			inflight[sessions[i].SubjectKey] = sessions[i].AccumulatedSeconds
		}
	}

	t.mu.Lock()
	for subject, session := range t.active {
		if session.BucketKey == bucket {
			inflight[subject] = session.AccumulatedSeconds
		}
	}
	t.mu.Unlock()

	for subject, seconds := range inflight {
		totals[subject] += seconds
	}

	return totals, nil
}

// RangeTotals sums finalized per-subject seconds across an inclusive bucket
// range.
func (t *Tracker) RangeTotals(ctx context.Context, fromBucket, toBucket string) (map[string]int64, error) {
	buckets, err := datekey.Range(fromBucket, toBucket)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int64)
	for _, bucket := range buckets {
		stored, err := t.store.ListDailyTotals(ctx, bucket)
		if err != nil {
			return nil, err
		}
		for _, dt := range stored {
			totals[dt.SubjectKey] += dt.TotalSeconds
		}
	}

	return totals, nil
}

// startLocked opens a session at now, resuming an existing active record for
// the (subject, bucket) pair when one survives in the store.
func (t *Tracker) startLocked(ctx context.Context, subjectKey string, now time.Time) (*storage.Session, error) {
	bucket := t.resolver.Bucket(now)

	// Already tracking: memory is authoritative, never overwrite it with
	// the possibly lagging store copy.
	if current, ok := t.active[subjectKey]; ok && current.BucketKey == bucket {
		return current, nil
	}

	existing, err := t.store.FindActive(ctx, subjectKey, bucket)
	if err == nil {
		session := *existing
		session.DeviceID = t.arb.DeviceID()
		session.LastUpdated = now
		t.active[subjectKey] = &session
		t.dirty[subjectKey] = struct{}{}

		t.logger.Info().
			Str("session_id", session.ID).
			Str("subject_key", subjectKey).
			Int64("accumulated_seconds", session.AccumulatedSeconds).
			Msg("Resumed active session")
		return &session, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	session := &storage.Session{
		ID:          uuid.NewString(),
		SubjectKey:  subjectKey,
		BucketKey:   bucket,
		DeviceID:    t.arb.DeviceID(),
		StartedAt:   now,
		LastUpdated: now,
		Status:      storage.StatusActive,
	}

	if err := t.persist(ctx, *session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	t.active[subjectKey] = session

	metrics.SessionsStarted.Inc()
	t.bus.PublishSession(events.SessionEvent{
		SessionID:  session.ID,
		SubjectKey: subjectKey,
		Status:     storage.StatusActive,
		Timestamp:  now,
	})

	t.logger.Info().
		Str("session_id", session.ID).
		Str("subject_key", subjectKey).
		Str("bucket_key", bucket).
		Msg("Session started")

	return session, nil
}

// stopLocked applies the final delta, finalizes and releases the lease.
// Only the lease holder may finalize; a session whose lease moved to another
// device is dropped without persisting.
func (t *Tracker) stopLocked(ctx context.Context, subjectKey string, now time.Time) error {
	session, ok := t.active[subjectKey]
	if !ok {
		// Another device owning the subject is a conflict the caller must
		// see; with no owner at all a stray stop is not an error.
		if held := t.lostLease(ctx, subjectKey, now); held != nil {
			return held
		}
		return nil
	}

	if held := t.lostLease(ctx, subjectKey, now); held != nil {
		// The lease moved while this copy sat in memory. The new holder's
		// arbitration already finalized the store's session; writing this
		// copy would reopen it and count the same time twice.
		t.dropLocked(subjectKey, session, held.HolderID)
		return held
	}

	t.applyDelta(session, now)
	if err := t.finalizeLocked(ctx, session, "stop"); err != nil {
		return err
	}

	if err := t.arb.Release(ctx, subjectKey); err != nil {
		t.logger.Warn().Err(err).Str("subject_key", subjectKey).Msg("Failed to release lease")
	}

	return nil
}

// finalizeLocked persists the session as completed, folds it into the daily
// total and drops it from memory. On persistence failure the session stays
// active in memory so no time is lost.
func (t *Tracker) finalizeLocked(ctx context.Context, session *storage.Session, reason string) error {
	completed := *session
	completed.Status = storage.StatusCompleted

	if err := t.persist(ctx, completed); err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", session.ID, err)
	}

	if err := t.store.IncrementDailyTotal(ctx, completed.BucketKey, completed.SubjectKey, completed.AccumulatedSeconds); err != nil {
		return fmt.Errorf("failed to aggregate session %s: %w", session.ID, err)
	}

	delete(t.active, session.SubjectKey)
	delete(t.dirty, session.SubjectKey)

	metrics.SessionsFinalized.WithLabelValues(reason).Inc()
	t.bus.PublishSession(events.SessionEvent{
		SessionID:          completed.ID,
		SubjectKey:         completed.SubjectKey,
		Status:             storage.StatusCompleted,
		AccumulatedSeconds: completed.AccumulatedSeconds,
		Timestamp:          completed.LastUpdated,
	})

	t.logger.Info().
		Str("session_id", completed.ID).
		Str("subject_key", completed.SubjectKey).
		Str("reason", reason).
		Int64("accumulated_seconds", completed.AccumulatedSeconds).
		Msg("Session finalized")

	return nil
}

// lostLease returns the live lease another device holds on the subject, or
// nil when this device may still write it. A missing or expired lease does
// not block the last writer.
func (t *Tracker) lostLease(ctx context.Context, subjectKey string, now time.Time) *storage.LeaseHeldError {
	holder, err := t.arb.Holder(ctx, subjectKey)
	if err != nil {
		return nil
	}
	if holder.DeviceID == t.arb.DeviceID() || holder.IsExpired(now) {
		return nil
	}

	metrics.LeaseConflicts.Inc()
	return &storage.LeaseHeldError{
		SubjectKey: subjectKey,
		HolderID:   holder.DeviceID,
		ExpiresAt:  holder.ExpiresAt,
	}
}

// dropLocked discards an in-memory session without persisting it.
func (t *Tracker) dropLocked(subjectKey string, session *storage.Session, holderID string) {
	delete(t.active, subjectKey)
	delete(t.dirty, subjectKey)

	t.logger.Warn().
		Str("session_id", session.ID).
		Str("subject_key", subjectKey).
		Str("holder_id", holderID).
		Msg("Dropping in-memory session, lease moved to another device")
}

// applyDelta advances the session to now and returns the seconds credited.
// Negative deltas and deltas beyond the max gap credit zero.
func (t *Tracker) applyDelta(session *storage.Session, now time.Time) int64 {
	delta := now.Sub(session.LastUpdated)

	var added int64
	switch {
	case delta < 0:
		metrics.ClockAnomalies.WithLabelValues("negative").Inc()
		t.logger.Warn().
			Str("session_id", session.ID).
			Dur("delta", delta).
			Msg("Clock moved backwards, clamping tick to zero")
	case delta > t.cfg.MaxTickGap:
		metrics.ClockAnomalies.WithLabelValues("gap_exceeded").Inc()
		t.logger.Warn().
			Str("session_id", session.ID).
			Dur("delta", delta).
			Dur("max_gap", t.cfg.MaxTickGap).
			Msg("Tick gap exceeds maximum, clamping to zero")
	default:
		added = int64(delta.Seconds())
	}

	session.AccumulatedSeconds += added
	session.LastUpdated = now
	return added
}
