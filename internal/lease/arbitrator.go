// Package lease arbitrates which device owns a subject's active session.
// Devices are separate processes on separate machines, so ownership is a
// time-bounded lease in shared storage rather than a lock.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/events"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// Config holds arbitrator settings.
type Config struct {
	DeviceID      string
	TTL           time.Duration
	RenewInterval time.Duration
}

// Arbitrator is the single serialization point between devices: only the
// lease holder's ticks and stops are accepted for a subject.
type Arbitrator struct {
	leases   storage.LeaseStore
	sessions storage.SessionStore
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger
}

// NewArbitrator creates a new device arbitrator.
func NewArbitrator(leases storage.LeaseStore, sessions storage.SessionStore, bus *events.Bus, cfg Config, logger zerolog.Logger) *Arbitrator {
	if cfg.TTL == 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.RenewInterval == 0 || cfg.RenewInterval >= cfg.TTL {
		// Renewal must land well before expiry.
		cfg.RenewInterval = cfg.TTL / 3
	}

	return &Arbitrator{
		leases:   leases,
		sessions: sessions,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "device-arbitrator").Str("device_id", cfg.DeviceID).Logger(),
	}
}

// DeviceID returns the device this arbitrator acts for.
func (a *Arbitrator) DeviceID() string {
	return a.cfg.DeviceID
}

// IsConflict reports whether an error means another device holds the lease.
func IsConflict(err error) bool {
	var held *storage.LeaseHeldError
	return errors.As(err, &held)
}

// Acquire claims the lease for this device. A free or expired lease is
// granted; a live lease held elsewhere is denied with the current owner.
// When an expired lease is taken over, the previous holder's orphaned
// session is finalized first so time is never attributed to a vanished owner.
func (a *Arbitrator) Acquire(ctx context.Context, subjectKey string, now time.Time) error {
	lease, prevHolder, err := a.leases.Acquire(ctx, subjectKey, a.cfg.DeviceID, now, a.cfg.TTL)
	if err != nil {
		if IsConflict(err) {
			metrics.LeaseConflicts.Inc()
		}
		return err
	}

	kind := "acquire"
	if prevHolder != "" {
		kind = "expired_takeover"
		if err := a.finalizeOrphaned(ctx, subjectKey, prevHolder, now); err != nil {
			a.logger.Error().Err(err).
				Str("subject_key", subjectKey).
				Str("previous_holder", prevHolder).
				Msg("Failed to finalize orphaned session after lease expiry")
		}
		a.bus.PublishLease(events.LeaseEvent{
			SubjectKey: subjectKey,
			DeviceID:   prevHolder,
			Kind:       events.LeaseLost,
			Timestamp:  now,
		})
	}

	metrics.LeaseAcquired.WithLabelValues(kind).Inc()
	a.bus.PublishLease(events.LeaseEvent{
		SubjectKey: subjectKey,
		DeviceID:   a.cfg.DeviceID,
		Kind:       events.LeaseAcquired,
		Timestamp:  now,
	})

	a.logger.Debug().
		Str("subject_key", subjectKey).
		Time("expires_at", lease.ExpiresAt).
		Str("kind", kind).
		Msg("Lease acquired")

	return nil
}

// TakeOver force-acquires the lease even while another device holds a live
// one. The displaced holder's in-flight session is finalized at its own
// last-known timestamp, not this device's clock.
func (a *Arbitrator) TakeOver(ctx context.Context, subjectKey string, now time.Time) error {
	_, prevHolder, err := a.leases.Take(ctx, subjectKey, a.cfg.DeviceID, now, a.cfg.TTL)
	if err != nil {
		return err
	}

	if prevHolder != "" {
		if err := a.finalizeOrphaned(ctx, subjectKey, prevHolder, now); err != nil {
			a.logger.Error().Err(err).
				Str("subject_key", subjectKey).
				Str("previous_holder", prevHolder).
				Msg("Failed to finalize displaced session on takeover")
		}
		a.bus.PublishLease(events.LeaseEvent{
			SubjectKey: subjectKey,
			DeviceID:   prevHolder,
			Kind:       events.LeaseLost,
			Timestamp:  now,
		})
	}

	metrics.LeaseAcquired.WithLabelValues("takeover").Inc()
	a.bus.PublishLease(events.LeaseEvent{
		SubjectKey: subjectKey,
		DeviceID:   a.cfg.DeviceID,
		Kind:       events.LeaseAcquired,
		Timestamp:  now,
	})

	a.logger.Info().
		Str("subject_key", subjectKey).
		Str("previous_holder", prevHolder).
		Msg("Lease taken over")

	return nil
}

// EnsureHolder verifies this device may mutate the subject's session at the
// given instant, renewing the lease when it is close to expiry. A free or
// expired lease is re-acquired; a live lease elsewhere is a conflict.
func (a *Arbitrator) EnsureHolder(ctx context.Context, subjectKey string, now time.Time) error {
	lease, err := a.leases.Get(ctx, subjectKey)
	if errors.Is(err, storage.ErrNotFound) {
		return a.Acquire(ctx, subjectKey, now)
	}
	if err != nil {
		return err
	}

	if lease.DeviceID != a.cfg.DeviceID {
		if !lease.IsExpired(now) {
			metrics.LeaseConflicts.Inc()
			return &storage.LeaseHeldError{
				SubjectKey: subjectKey,
				HolderID:   lease.DeviceID,
				ExpiresAt:  lease.ExpiresAt,
			}
		}
		return a.Acquire(ctx, subjectKey, now)
	}

	if lease.IsExpired(now) {
		return a.Acquire(ctx, subjectKey, now)
	}

	if lease.ExpiresAt.Sub(now) < a.cfg.RenewInterval {
		if _, err := a.leases.Renew(ctx, subjectKey, a.cfg.DeviceID, now, a.cfg.TTL); err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}
	}

	return nil
}

// Release gives up the lease. Releasing a lease this device no longer holds
// is a no-op.
func (a *Arbitrator) Release(ctx context.Context, subjectKey string) error {
	err := a.leases.Release(ctx, subjectKey, a.cfg.DeviceID)
	if errors.Is(err, storage.ErrNotHolder) {
		return nil
	}
	return err
}

// Holder returns the current lease for a subject, if any.
func (a *Arbitrator) Holder(ctx context.Context, subjectKey string) (*storage.DeviceLease, error) {
	return a.leases.Get(ctx, subjectKey)
}

// finalizeOrphaned completes any active session the previous holder left
// behind, frozen at its own last update rather than extended to now.
func (a *Arbitrator) finalizeOrphaned(ctx context.Context, subjectKey, prevHolder string, now time.Time) error {
	active, err := a.sessions.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range active {
		session := active[i]
		if session.SubjectKey != subjectKey || session.DeviceID != prevHolder {
			continue
		}

		session.Status = storage.StatusCompleted
		if err := a.sessions.Upsert(ctx, session); err != nil {
			return fmt.Errorf("failed to complete orphaned session %s: %w", session.ID, err)
		}

		if err := a.sessions.IncrementDailyTotal(ctx, session.BucketKey, session.SubjectKey, session.AccumulatedSeconds); err != nil {
			return fmt.Errorf("failed to aggregate orphaned session %s: %w", session.ID, err)
		}

		metrics.SessionsFinalized.WithLabelValues("takeover").Inc()
		a.bus.PublishSession(events.SessionEvent{
			SessionID:          session.ID,
			SubjectKey:         session.SubjectKey,
			Status:             storage.StatusCompleted,
			AccumulatedSeconds: session.AccumulatedSeconds,
			Timestamp:          session.LastUpdated,
		})

		a.logger.Info().
			Str("session_id", session.ID).
			Str("subject_key", subjectKey).
			Str("previous_holder", prevHolder).
			Int64("accumulated_seconds", session.AccumulatedSeconds).
			Msg("Finalized orphaned session")
	}

	return nil
}
