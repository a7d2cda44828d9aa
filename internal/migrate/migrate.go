// Package migrate re-keys stored sessions between date-key schemes. Bucket
// keys are recomputed from each session's original start instant, never
// parsed out of the key being replaced, so a second run over migrated data
// is a no-op.
package migrate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// Report summarizes one migration run.
type Report struct {
	FromScheme           string                    `json:"from_scheme"`
	ToScheme             string                    `json:"to_scheme"`
	DryRun               bool                      `json:"dry_run"`
	TotalCandidates      int                       `json:"total_candidates"`
	Migrated             int                       `json:"migrated"`
	Skipped              int                       `json:"skipped"`
	Failed               int                       `json:"failed"`
	DurationDeltaSeconds int64                     `json:"duration_delta_seconds"`
	Planned              []storage.MigrationRecord `json:"planned,omitempty"`
}

// Runner migrates sessions and their daily totals between schemes.
type Runner struct {
	sessions storage.SessionStore
	log      storage.MigrationStore
	resolver *datekey.Resolver
	clk      clock.Clock
	logger   zerolog.Logger
}

// NewRunner creates a migration runner.
func NewRunner(sessions storage.SessionStore, log storage.MigrationStore, resolver *datekey.Resolver, clk clock.Clock, logger zerolog.Logger) *Runner {
	return &Runner{
		sessions: sessions,
		log:      log,
		resolver: resolver,
		clk:      clk,
		logger:   logger.With().Str("component", "migrator").Logger(),
	}
}

// Run re-keys every candidate session to the target scheme. An empty
// subjectKey migrates all subjects. A dry run persists nothing and previews
// each would-be reassignment instead.
func (r *Runner) Run(ctx context.Context, subjectKey string, from, to datekey.Scheme, dryRun bool) (*Report, error) {
	candidates, err := r.candidates(ctx, subjectKey)
	if err != nil {
		return nil, err
	}

	report := &Report{
		FromScheme:      string(from),
		ToScheme:        string(to),
		DryRun:          dryRun,
		TotalCandidates: len(candidates),
	}

	for i := range candidates {
		r.migrateOne(ctx, candidates[i], from, to, dryRun, report)
	}

	r.logger.Info().
		Str("from_scheme", string(from)).
		Str("to_scheme", string(to)).
		Bool("dry_run", dryRun).
		Int("total_candidates", report.TotalCandidates).
		Int("migrated", report.Migrated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Migration run finished")

	return report, nil
}

func (r *Runner) candidates(ctx context.Context, subjectKey string) ([]storage.Session, error) {
	if subjectKey != "" {
		return r.sessions.ListBySubject(ctx, subjectKey)
	}

	subjects, err := r.sessions.ListSubjects(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []storage.Session
	for _, subject := range subjects {
		sessions, err := r.sessions.ListBySubject(ctx, subject)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, sessions...)
	}
	return candidates, nil
}

func (r *Runner) migrateOne(ctx context.Context, session storage.Session, from, to datekey.Scheme, dryRun bool, report *Report) {
	target := r.resolver.BucketFor(session.StartedAt, to)
	source := session.BucketKey

	if source == target {
		// Already filed where the target scheme puts it. Covers both
		// schemes agreeing on this instant and earlier migrated runs.
		if !dryRun {
			report.Skipped++
			r.record(ctx, session, from, to, source, target, storage.MigrationSkipped, "")
		}
		return
	}

	note := ""
	if session.IsActive() {
		if existing, err := r.sessions.FindActive(ctx, session.SubjectKey, target); err == nil && existing.ID != session.ID {
			note = fmt.Sprintf("closes active session %s in target bucket", existing.ID)
		}
	}

	if dryRun {
		report.Planned = append(report.Planned, r.newRecord(session, from, to, source, target, storage.MigrationPlanned, note))
		return
	}

	session.BucketKey = target
	if err := r.sessions.Upsert(ctx, session); err != nil {
		report.Failed++
		r.record(ctx, session, from, to, source, target, storage.MigrationFailed, err.Error())
		r.logger.Error().Err(err).
			Str("session_id", session.ID).
			Str("target_bucket", target).
			Msg("Failed to re-key session")
		return
	}

	// Completed sessions have been folded into their day's total; move that
	// contribution along with the session. Active ones have not yet.
	if !session.IsActive() {
		if err := r.sessions.IncrementDailyTotal(ctx, source, session.SubjectKey, -session.AccumulatedSeconds); err != nil {
			r.logger.Error().Err(err).Str("bucket_key", source).Msg("Failed to decrement source total")
		}
		if err := r.sessions.IncrementDailyTotal(ctx, target, session.SubjectKey, session.AccumulatedSeconds); err != nil {
			r.logger.Error().Err(err).Str("bucket_key", target).Msg("Failed to increment target total")
		}
	}

	// Read the session back so the report's delta measures what the store
	// now holds rather than assuming the write preserved the duration.
	migrated := session.AccumulatedSeconds
	if stored, err := r.sessions.Get(ctx, session.ID); err == nil {
		migrated = stored.AccumulatedSeconds
	}

	report.Migrated++
	report.DurationDeltaSeconds += migrated - session.AccumulatedSeconds

	rec := r.newRecord(session, from, to, source, target, storage.MigrationSuccess, note)
	rec.MigratedSeconds = migrated
	r.append(ctx, rec)

	r.logger.Debug().
		Str("session_id", session.ID).
		Str("source_bucket", source).
		Str("target_bucket", target).
		Msg("Session re-keyed")
}

func (r *Runner) record(ctx context.Context, session storage.Session, from, to datekey.Scheme, source, target string, outcome storage.MigrationOutcome, note string) {
	r.append(ctx, r.newRecord(session, from, to, source, target, outcome, note))
}

func (r *Runner) append(ctx context.Context, rec storage.MigrationRecord) {
	metrics.MigrationEntries.WithLabelValues(string(rec.Outcome)).Inc()

	if err := r.log.Append(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("session_id", rec.SessionID).Msg("Failed to append migration record")
	}
}

func (r *Runner) newRecord(session storage.Session, from, to datekey.Scheme, source, target string, outcome storage.MigrationOutcome, note string) storage.MigrationRecord {
	return storage.MigrationRecord{
		ID:              uuid.NewString(),
		SessionID:       session.ID,
		SubjectKey:      session.SubjectKey,
		FromScheme:      string(from),
		ToScheme:        string(to),
		SourceBucket:    source,
		TargetBucket:    target,
		OriginalSeconds: session.AccumulatedSeconds,
		MigratedSeconds: session.AccumulatedSeconds,
		Outcome:         outcome,
		Note:            note,
		Timestamp:       r.clk.Now(),
	}
}
