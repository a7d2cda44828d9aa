package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/config"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/events"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/lease"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
	redisstore "github.com/Ngocphuc1910/make10000hours-sub017/internal/storage/redis"
)

type fixture struct {
	tracker *Tracker
	store   *redisstore.Store
	clk     *clock.TestClock
}

func setupTracker(t *testing.T, deviceID string) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redisstore.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return setupTrackerWithStore(t, store, deviceID)
}

func setupTrackerWithStore(t *testing.T, store *redisstore.Store, deviceID string) *fixture {
	t.Helper()

	clk := &clock.TestClock{CurrentTime: time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)}
	bus := events.NewBus(zerolog.Nop())

	resolver, err := datekey.NewResolver(datekey.Config{}, "user-1", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	arb := lease.NewArbitrator(store.Leases(), store.Sessions(), bus, lease.Config{
		DeviceID: deviceID,
		TTL:      time.Minute,
	}, zerolog.Nop())

	trk := NewTracker(store.Sessions(), arb, resolver, bus, clk, Config{
		MaxTickGap: 10 * time.Minute,
	}, zerolog.Nop())

	return &fixture{tracker: trk, store: store, clk: clk}
}

func TestTracker_TicksAccumulate(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	session, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		f.clk.Advance(5 * time.Second)
		if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
			t.Fatalf("OnTick failed: %v", err)
		}
	}

	if err := f.tracker.Stop(ctx, "project-a"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	final, err := f.store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.IsActive() {
		t.Error("Expected session to be completed")
	}
	if final.AccumulatedSeconds != 15 {
		t.Errorf("Expected 15 seconds, got %d", final.AccumulatedSeconds)
	}

	total, err := f.store.Sessions().GetDailyTotal(ctx, "2025-06-10", "project-a")
	if err != nil {
		t.Fatalf("GetDailyTotal failed: %v", err)
	}
	if total.TotalSeconds != 15 {
		t.Errorf("Expected daily total 15, got %d", total.TotalSeconds)
	}
}

func TestTracker_TickCreatesSession(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	// No explicit start; the first tick opens the session.
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	active, err := f.store.Sessions().FindActive(ctx, "project-a", "2025-06-10")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active.AccumulatedSeconds != 0 {
		t.Errorf("Expected fresh session with 0 seconds, got %d", active.AccumulatedSeconds)
	}
}

func TestTracker_LeaseConflictRejectsTick(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	if _, err := f.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	other := setupTrackerWithStore(t, f.store, "device-2")
	other.clk.CurrentTime = f.clk.Now().Add(10 * time.Second)

	_, err := other.tracker.OnTick(ctx, "project-a")
	if !lease.IsConflict(err) {
		t.Fatalf("Expected lease conflict, got %v", err)
	}

	_, err = other.tracker.Start(ctx, "project-a")
	if !lease.IsConflict(err) {
		t.Fatalf("Expected lease conflict on start, got %v", err)
	}

	// A stop from the non-owning device is rejected, not silently accepted.
	err = other.tracker.Stop(ctx, "project-a")
	if !lease.IsConflict(err) {
		t.Fatalf("Expected lease conflict on stop, got %v", err)
	}
}

func TestTracker_StopAfterLeaseTakeoverDropsStaleSession(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	session, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clk.Advance(30 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// The lease (60s TTL) expires unrenewed; another device takes over and
	// finalizes the orphan at its last known update.
	other := setupTrackerWithStore(t, f.store, "device-2")
	other.clk.CurrentTime = f.clk.Now().Add(2 * time.Minute)
	if _, err := other.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Takeover start failed: %v", err)
	}

	// The first device comes back and stops. Its copy must not touch the
	// finalized session or the totals.
	f.clk.CurrentTime = other.clk.Now().Add(10 * time.Second)
	err = f.tracker.Stop(ctx, "project-a")
	if !lease.IsConflict(err) {
		t.Fatalf("Expected lease conflict on stale stop, got %v", err)
	}

	final, err := f.store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.IsActive() {
		t.Error("Expected orphaned session to stay completed")
	}
	if final.AccumulatedSeconds != 30 {
		t.Errorf("Expected orphan frozen at 30 seconds, got %d", final.AccumulatedSeconds)
	}

	total, err := f.store.Sessions().GetDailyTotal(ctx, "2025-06-10", "project-a")
	if err != nil {
		t.Fatalf("GetDailyTotal failed: %v", err)
	}
	if total.TotalSeconds != 30 {
		t.Errorf("Expected daily total 30, got %d", total.TotalSeconds)
	}

	active, err := f.store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 || active[0].DeviceID != "device-2" {
		t.Errorf("Expected only the new holder's session to stay active, got %+v", active)
	}
}

func TestTracker_FlushAfterLeaseTakeoverDropsStaleSession(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	session, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clk.Advance(30 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	other := setupTrackerWithStore(t, f.store, "device-2")
	other.clk.CurrentTime = f.clk.Now().Add(2 * time.Minute)
	theirs, err := other.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Takeover start failed: %v", err)
	}

	// The stale device's periodic flush must not resurrect its session and
	// close the new holder's via the close-before-write rule.
	f.clk.CurrentTime = other.clk.Now().Add(10 * time.Second)
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	current, err := f.store.Sessions().FindActive(ctx, "project-a", "2025-06-10")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if current.ID != theirs.ID || current.DeviceID != "device-2" {
		t.Errorf("Expected new holder's session to stay active, got %+v", current)
	}

	stale, err := f.store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stale.IsActive() {
		t.Error("Expected stale session to stay completed after flush")
	}
}

type flakySessionStore struct {
	storage.SessionStore
	failWrites bool
}

func (s *flakySessionStore) Upsert(ctx context.Context, session storage.Session) error {
	if s.failWrites {
		return errors.New("connection refused")
	}
	return s.SessionStore.Upsert(ctx, session)
}

func TestTracker_FlushFailureDegradesSyncAndRecovers(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	flaky := &flakySessionStore{SessionStore: f.store.Sessions()}
	f.tracker.store = flaky

	session, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clk.Advance(5 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	flaky.failWrites = true
	if err := f.tracker.Flush(ctx); err == nil {
		t.Fatal("Expected flush to fail")
	}
	if !f.tracker.SyncDegraded() {
		t.Error("Expected degraded sync after failed flush")
	}

	// Ticks keep accumulating in memory while the store is unreachable.
	f.clk.Advance(5 * time.Second)
	accumulated, err := f.tracker.OnTick(ctx, "project-a")
	if err != nil {
		t.Fatalf("OnTick while degraded failed: %v", err)
	}
	if accumulated != 10 {
		t.Errorf("Expected 10 seconds in memory, got %d", accumulated)
	}

	// The session stayed dirty, so the next flush retries it.
	flaky.failWrites = false
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery failed: %v", err)
	}
	if f.tracker.SyncDegraded() {
		t.Error("Expected sync to recover after successful flush")
	}

	stored, err := f.store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.AccumulatedSeconds != 10 {
		t.Errorf("Expected store to catch up to 10 seconds, got %d", stored.AccumulatedSeconds)
	}
}

func TestTracker_ClockGapClampedToZero(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	if _, err := f.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clk.Advance(5 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	// A two hour sleep gap credits nothing.
	f.clk.Advance(2 * time.Hour)
	accumulated, err := f.tracker.OnTick(ctx, "project-a")
	if err != nil {
		t.Fatalf("OnTick after gap failed: %v", err)
	}
	if accumulated != 5 {
		t.Errorf("Expected gap to credit nothing, got %d seconds", accumulated)
	}

	// Ticking resumes normally afterwards.
	f.clk.Advance(5 * time.Second)
	accumulated, err = f.tracker.OnTick(ctx, "project-a")
	if err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}
	if accumulated != 10 {
		t.Errorf("Expected 10 seconds after resuming, got %d", accumulated)
	}
}

func TestTracker_NegativeDeltaClampedToZero(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	if _, err := f.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clk.Advance(-30 * time.Second)
	accumulated, err := f.tracker.OnTick(ctx, "project-a")
	if err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}
	if accumulated != 0 {
		t.Errorf("Expected backwards clock to credit nothing, got %d", accumulated)
	}
}

func TestTracker_SwitchSubject(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	first, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clk.Advance(10 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	second, err := f.tracker.SwitchSubject(ctx, "project-a", "project-b")
	if err != nil {
		t.Fatalf("SwitchSubject failed: %v", err)
	}

	old, err := f.store.Sessions().Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if old.IsActive() {
		t.Error("Expected old session to be finalized on switch")
	}
	if old.AccumulatedSeconds != 10 {
		t.Errorf("Expected old session to keep 10 seconds, got %d", old.AccumulatedSeconds)
	}

	if second.SubjectKey != "project-b" || !second.IsActive() {
		t.Errorf("Expected active session for project-b, got %+v", second)
	}

	active, err := f.store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Expected exactly one active session after switch, got %d", len(active))
	}
}

func TestTracker_StopIdempotent(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	if _, err := f.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := f.tracker.Stop(ctx, "project-a"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := f.tracker.Stop(ctx, "project-a"); err != nil {
		t.Fatalf("Second stop should be a no-op: %v", err)
	}

	// Only one total contribution despite two stops.
	total, err := f.store.Sessions().GetDailyTotal(ctx, "2025-06-10", "project-a")
	if err != nil {
		t.Fatalf("GetDailyTotal failed: %v", err)
	}
	if total.TotalSeconds != 0 {
		t.Errorf("Expected 0 seconds (no ticks), got %d", total.TotalSeconds)
	}
}

func TestTracker_DayRollover(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	// Start shortly before midnight UTC.
	f.clk.CurrentTime = time.Date(2025, 6, 10, 23, 59, 50, 0, time.UTC)
	first, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clk.Advance(5 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	// Crossing midnight finalizes the old bucket and reopens in the new one.
	f.clk.Advance(10 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick across midnight failed: %v", err)
	}

	old, err := f.store.Sessions().Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if old.IsActive() {
		t.Error("Expected pre-midnight session to be finalized")
	}
	if old.BucketKey != "2025-06-10" {
		t.Errorf("Expected old session in 2025-06-10, got %s", old.BucketKey)
	}

	fresh, err := f.store.Sessions().FindActive(ctx, "project-a", "2025-06-11")
	if err != nil {
		t.Fatalf("FindActive in new bucket failed: %v", err)
	}
	if fresh.ID == first.ID {
		t.Error("Expected a new session after rollover")
	}
}

func TestTracker_FlushWritesDirtySessions(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	session, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clk.Advance(5 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	// The tick lives only in memory until a flush.
	stored, err := f.store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.AccumulatedSeconds != 0 {
		t.Errorf("Expected store to lag at 0 seconds before flush, got %d", stored.AccumulatedSeconds)
	}

	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	stored, err = f.store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.AccumulatedSeconds != 5 {
		t.Errorf("Expected 5 seconds after flush, got %d", stored.AccumulatedSeconds)
	}
	if f.tracker.SyncDegraded() {
		t.Error("Expected healthy sync after successful flush")
	}
}

func TestTracker_ResumeAfterRestart(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	session, err := f.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clk.Advance(5 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// A new tracker on the same device picks the flushed session back up
	// instead of opening a second one.
	restarted := setupTrackerWithStore(t, f.store, "device-1")
	restarted.clk.CurrentTime = f.clk.Now().Add(30 * time.Second)

	resumed, err := restarted.tracker.Start(ctx, "project-a")
	if err != nil {
		t.Fatalf("Start after restart failed: %v", err)
	}
	if resumed.ID != session.ID {
		t.Errorf("Expected to resume session %s, got %s", session.ID, resumed.ID)
	}
	if resumed.AccumulatedSeconds != 5 {
		t.Errorf("Expected resumed session to keep 5 seconds, got %d", resumed.AccumulatedSeconds)
	}
}

func TestTracker_SweepClosesStaleSessions(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	started := f.clk.Now().Add(-6 * time.Hour)
	stale := storage.Session{
		ID:                 "stale-1",
		SubjectKey:         "project-a",
		BucketKey:          "2025-06-10",
		DeviceID:           "device-gone",
		StartedAt:          started,
		LastUpdated:        started.Add(20 * time.Minute),
		AccumulatedSeconds: 1200,
		Status:             storage.StatusActive,
	}
	if err := f.store.Sessions().Upsert(ctx, stale); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	closed, err := f.tracker.Sweep(ctx, f.clk.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if closed != 1 {
		t.Fatalf("Expected 1 closed session, got %d", closed)
	}

	swept, err := f.store.Sessions().Get(ctx, "stale-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if swept.IsActive() {
		t.Error("Expected stale session to be closed")
	}
	// Capped at its last update, never extended to sweep time.
	if swept.AccumulatedSeconds != 1200 {
		t.Errorf("Expected 1200 seconds, got %d", swept.AccumulatedSeconds)
	}
	if !swept.LastUpdated.Equal(stale.LastUpdated) {
		t.Errorf("Expected last update %v, got %v", stale.LastUpdated, swept.LastUpdated)
	}
}

func TestTracker_SweepSparesLiveSessions(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	if _, err := f.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	closed, err := f.tracker.Sweep(ctx, f.clk.Now().Add(6*time.Hour))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if closed != 0 {
		t.Errorf("Expected live session to be spared, closed %d", closed)
	}
}

func TestTracker_TodayTotals(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	// A finalized contribution plus an in-flight one.
	if err := f.store.Sessions().IncrementDailyTotal(ctx, "2025-06-10", "project-a", 600); err != nil {
		t.Fatalf("IncrementDailyTotal failed: %v", err)
	}

	if _, err := f.tracker.Start(ctx, "project-a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clk.Advance(30 * time.Second)
	if _, err := f.tracker.OnTick(ctx, "project-a"); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	totals, err := f.tracker.TodayTotals(ctx)
	if err != nil {
		t.Fatalf("TodayTotals failed: %v", err)
	}
	if totals["project-a"] != 630 {
		t.Errorf("Expected 630 seconds for project-a, got %d", totals["project-a"])
	}
}

func TestTracker_RangeTotals(t *testing.T) {
	f := setupTracker(t, "device-1")
	ctx := context.Background()

	_ = f.store.Sessions().IncrementDailyTotal(ctx, "2025-06-09", "project-a", 100)
	_ = f.store.Sessions().IncrementDailyTotal(ctx, "2025-06-10", "project-a", 200)
	_ = f.store.Sessions().IncrementDailyTotal(ctx, "2025-06-11", "project-a", 400)

	totals, err := f.tracker.RangeTotals(ctx, "2025-06-09", "2025-06-10")
	if err != nil {
		t.Fatalf("RangeTotals failed: %v", err)
	}
	if totals["project-a"] != 300 {
		t.Errorf("Expected 300 seconds in range, got %d", totals["project-a"])
	}
}
