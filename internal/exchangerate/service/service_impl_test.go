package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
	"github.com/smallbiznis/settlement/internal/exchangerate/repository"
	"github.com/smallbiznis/settlement/internal/exchangerate/service"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	name  string
	mu    sync.Mutex
	rates []decimal.Decimal
	err   error
	hang  bool
	calls int

	delay       time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		seen := s.maxInflight.Load()
		if n <= seen || s.maxInflight.CompareAndSwap(seen, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.hang {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return decimal.Zero, s.err
	}
	idx := call - 1
	if idx >= len(s.rates) {
		idx = len(s.rates) - 1
	}
	return s.rates[idx], nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func rates(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.RequireFromString(v))
	}
	return out
}

type recordingEmitter struct {
	mu   sync.Mutex
	sent []notificationdomain.Notification
}

func (r *recordingEmitter) Emit(_ context.Context, n notificationdomain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingEmitter) count(t notificationdomain.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.sent {
		if n.Type == t {
			total++
		}
	}
	return total
}

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	emitter *recordingEmitter
	repo    domain.Repository
	mgr     *service.Manager
}

func newFixture(t *testing.T, cfg config.SettlementConfig, sources ...domain.Source) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(baseTime)
	emitter := &recordingEmitter{}
	repo := repository.Provide()
	mgr := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Sources:  sources,
		Settings: config.NewStaticSettlementConfigHolder(cfg),
		Emitter:  emitter,
	})
	return &fixture{db: db, node: node, clock: clk, emitter: emitter, repo: repo, mgr: mgr}
}

func (f *fixture) seedSnapshot(t *testing.T, rate string, age time.Duration) domain.RateSnapshot {
	t.Helper()
	snapshot := domain.RateSnapshot{
		ID:        f.node.Generate(),
		Currency:  "VES",
		Rate:      decimal.RequireFromString(rate),
		Source:    "exchangerate_host",
		FetchedAt: f.clock.Now().Add(-age),
	}
	if err := f.repo.InsertSnapshot(context.Background(), f.db, &snapshot); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	return snapshot
}

func (f *fixture) alerts(t *testing.T) []domain.RateAlert {
	t.Helper()
	items, err := f.repo.ListAlerts(context.Background(), f.db, false, 0)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return items
}

func countKind(alerts []domain.RateAlert, kind domain.AlertKind) int {
	total := 0
	for _, a := range alerts {
		if a.Kind == kind {
			total++
		}
	}
	return total
}

func TestRefreshLargeMoveRecordsChangeAndAlert(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("38.50")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	f.seedSnapshot(t, "36.00", 2*time.Hour)

	result, err := f.mgr.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !result.Fetched || !result.Snapshot.Rate.Equal(decimal.RequireFromString("38.5")) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Change == nil || !result.Change.ChangePct.Equal(decimal.RequireFromString("6.9444")) {
		t.Fatalf("expected 6.9444%% change, got %+v", result.Change)
	}
	if result.Alert == nil || result.Alert.Kind != domain.AlertKindHighChange {
		t.Fatalf("expected high change alert, got %+v", result.Alert)
	}

	alerts := f.alerts(t)
	if countKind(alerts, domain.AlertKindHighChange) != 1 {
		t.Fatalf("expected one persisted high change alert, got %d", len(alerts))
	}
	if f.emitter.count(notificationdomain.TypeRateAlert) != 1 {
		t.Fatalf("expected one rate_alert notification")
	}

	changes, err := f.mgr.RecentChanges(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent changes: %v", err)
	}
	if len(changes) != 1 || !changes[0].PreviousRate.Equal(decimal.RequireFromString("36")) {
		t.Fatalf("unexpected change log: %+v", changes)
	}
}

func TestRefreshSmallMoveLogsWithoutAlert(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("38.50")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	f.seedSnapshot(t, "37.00", 2*time.Hour)

	result, err := f.mgr.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Change == nil || !result.Change.ChangePct.Equal(decimal.RequireFromString("4.0541")) {
		t.Fatalf("expected 4.0541%% change, got %+v", result.Change)
	}
	if result.Alert != nil {
		t.Fatalf("expected no alert, got %+v", result.Alert)
	}
	if len(f.alerts(t)) != 0 {
		t.Fatalf("expected no persisted alerts")
	}
	if f.emitter.count(notificationdomain.TypeRateAlert) != 0 {
		t.Fatalf("expected no notifications")
	}
}

func TestGetCurrentRateServesFromMemoryInsideCacheWindow(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("36.00", "36.50")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)

	first, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	f.clock.Advance(30 * time.Minute)
	second, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if first.ID != second.ID || primary.callCount() != 1 {
		t.Fatalf("expected cached snapshot, got %s then %s after %d calls", first.ID, second.ID, primary.callCount())
	}

	f.clock.Advance(31 * time.Minute)
	third, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if third.ID == first.ID || !third.Rate.Equal(decimal.RequireFromString("36.5")) {
		t.Fatalf("expected refreshed snapshot, got %+v", third)
	}
}

func TestRefreshFallsThroughSourcesInPriorityOrder(t *testing.T) {
	primary := &stubSource{name: "primary", err: errors.New("connection reset")}
	secondary := &stubSource{name: "secondary", err: fmt.Errorf("%w: captcha", domain.ErrMalformedResponse)}
	tertiary := &stubSource{name: "tertiary", rates: rates("36.25")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary, secondary, tertiary)

	result, err := f.mgr.Refresh(context.Background(), true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Snapshot.Source != "tertiary" {
		t.Fatalf("expected tertiary source, got %s", result.Snapshot.Source)
	}
	if primary.callCount() != 2 {
		t.Fatalf("expected transient failure to be retried once, got %d calls", primary.callCount())
	}
	if secondary.callCount() != 1 {
		t.Fatalf("expected malformed response not to be retried, got %d calls", secondary.callCount())
	}
	if len(result.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(result.Attempts))
	}
}

func TestAllSourcesFailServesStaleSnapshot(t *testing.T) {
	primary := &stubSource{name: "primary", err: errors.New("timeout")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	seeded := f.seedSnapshot(t, "36.00", 2*time.Hour)

	snap, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if snap.ID != seeded.ID || !snap.Stale {
		t.Fatalf("expected stale seeded snapshot, got %+v", snap)
	}
	if countKind(f.alerts(t), domain.AlertKindSourceFallback) != 1 {
		t.Fatalf("expected source fallback alert")
	}
	if got := f.mgr.Health(context.Background()).ConsecutiveFailures; got != 0 {
		t.Fatalf("reader refreshes must not count as refresh cycles, got %d", got)
	}

	again, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if again.ID != seeded.ID || !again.Stale {
		t.Fatalf("expected stale seeded snapshot, got %+v", again)
	}
	if primary.callCount() != 2 {
		t.Fatalf("expected the failed refresh to be remembered, got %d calls", primary.callCount())
	}

	f.clock.Advance(config.DefaultSettlementConfig().FailureBackoff)
	if _, err := f.mgr.GetCurrentRate(context.Background()); err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if primary.callCount() != 4 {
		t.Fatalf("expected a new refresh once the backoff elapsed, got %d calls", primary.callCount())
	}
	if countKind(f.alerts(t), domain.AlertKindSourceFallback) != 1 {
		t.Fatalf("expected one fallback alert per outage")
	}
}

func TestAllSourcesFailWithoutHistoryServesFallbackRate(t *testing.T) {
	primary := &stubSource{name: "primary", err: errors.New("timeout")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)

	snap, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if !snap.Rate.Equal(decimal.NewFromInt(38)) || snap.Source != domain.SourceFallback || !snap.Stale {
		t.Fatalf("expected fallback rate, got %+v", snap)
	}
	if snap.Persisted() {
		t.Fatalf("fallback rate must not be persisted as a snapshot")
	}
}

func TestConcurrentReadersShareFailedRefresh(t *testing.T) {
	cfg := config.DefaultSettlementConfig()
	cfg.SourceTimeout = 40 * time.Millisecond
	cfg.RefreshDeadline = 150 * time.Millisecond
	a := &stubSource{name: "a", hang: true}
	b := &stubSource{name: "b", hang: true}
	f := newFixture(t, cfg, a, b)
	seeded := f.seedSnapshot(t, "36.00", 2*time.Hour)

	const readers = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		worst time.Duration
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			snap, err := f.mgr.GetCurrentRate(context.Background())
			elapsed := time.Since(started)
			if err != nil {
				t.Errorf("get current rate: %v", err)
				return
			}
			if snap.ID != seeded.ID || !snap.Stale {
				t.Errorf("expected stale seeded snapshot, got %+v", snap)
			}
			mu.Lock()
			if elapsed > worst {
				worst = elapsed
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if worst > 3*cfg.RefreshDeadline {
		t.Fatalf("readers waited %s, expected one shared refresh deadline", worst)
	}
	if got := a.callCount(); got > 2 {
		t.Fatalf("expected one refresh worth of fetches, source a called %d times", got)
	}
	alerts := f.alerts(t)
	if countKind(alerts, domain.AlertKindFetchError) != 0 {
		t.Fatalf("reader refreshes must not escalate, got %+v", alerts)
	}
	if countKind(alerts, domain.AlertKindSourceFallback) != 1 {
		t.Fatalf("expected one fallback alert, got %+v", alerts)
	}

	calls := a.callCount()
	started := time.Now()
	if _, err := f.mgr.GetCurrentRate(context.Background()); err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if elapsed := time.Since(started); elapsed >= cfg.SourceTimeout {
		t.Fatalf("expected the degraded rate without waiting, took %s", elapsed)
	}
	if a.callCount() != calls {
		t.Fatalf("expected no fetch inside the failure backoff")
	}
}

func TestGetCurrentRateDegradesWhenStoreUnavailable(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("36.00")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	snap, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("expected a degraded rate, got %v", err)
	}
	if snap.Source != domain.SourceFallback || !snap.Stale || !snap.Rate.Equal(decimal.NewFromInt(38)) {
		t.Fatalf("expected fallback rate, got %+v", snap)
	}
	if primary.callCount() != 0 {
		t.Fatalf("expected no fetch without a readable store")
	}
}

type heldLease struct {
	held   bool
	mu     sync.Mutex
	tries  int
	leased int
}

func (l *heldLease) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tries++
	if l.held {
		return "", false, nil
	}
	l.leased++
	return "token", true, nil
}

func (l *heldLease) Release(ctx context.Context, key, token string) error {
	return nil
}

func newLeasedFixture(t *testing.T, lease service.Leaser, sources ...domain.Source) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(baseTime)
	emitter := &recordingEmitter{}
	repo := repository.Provide()
	mgr := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Sources:  sources,
		Settings: config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig()),
		Emitter:  emitter,
		Leaser:   lease,
	})
	return &fixture{db: db, node: node, clock: clk, emitter: emitter, repo: repo, mgr: mgr}
}

func TestRefreshSkipsFetchWhileLeaseHeldElsewhere(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("36.50")}
	lease := &heldLease{held: true}
	f := newLeasedFixture(t, lease, primary)
	seeded := f.seedSnapshot(t, "36.00", 2*time.Hour)
	ctx := context.Background()

	if _, err := f.mgr.Refresh(ctx, false); !errors.Is(err, domain.ErrRefreshInProgress) {
		t.Fatalf("expected refresh in progress, got %v", err)
	}
	snap, err := f.mgr.GetCurrentRate(ctx)
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if snap.ID != seeded.ID || !snap.Stale {
		t.Fatalf("expected stale seeded snapshot, got %+v", snap)
	}
	if primary.callCount() != 0 {
		t.Fatalf("expected no fetch while another instance holds the lease, got %d", primary.callCount())
	}
	changes, err := f.mgr.RecentChanges(ctx, 10)
	if err != nil {
		t.Fatalf("recent changes: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no change logs, got %d", len(changes))
	}
	if len(f.alerts(t)) != 0 {
		t.Fatalf("a held lease is not a source failure")
	}

	written := f.seedSnapshot(t, "36.40", time.Minute)
	result, err := f.mgr.Refresh(ctx, false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Fetched || result.Snapshot.ID != written.ID {
		t.Fatalf("expected the other instance's snapshot, got %+v", result)
	}
	if primary.callCount() != 0 {
		t.Fatalf("expected no fetch, got %d", primary.callCount())
	}

	lease.mu.Lock()
	lease.held = false
	lease.mu.Unlock()
	f.clock.Advance(2 * time.Hour)
	result, err = f.mgr.Refresh(ctx, false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !result.Fetched || lease.leased != 1 {
		t.Fatalf("expected a leased fetch, got fetched=%v leased=%d", result.Fetched, lease.leased)
	}
}

func TestRefreshFailureReturnsFetchFailureAndEscalates(t *testing.T) {
	primary := &stubSource{name: "primary", err: errors.New("timeout")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	f.seedSnapshot(t, "36.00", 2*time.Hour)

	for i := 0; i < 3; i++ {
		_, err := f.mgr.Refresh(context.Background(), true)
		var failure *domain.FetchFailure
		if !errors.As(err, &failure) || !errors.Is(err, domain.ErrFetchFailure) {
			t.Fatalf("expected fetch failure, got %v", err)
		}
		if len(failure.Attempts) != 1 || failure.Attempts[0].Tries != 2 {
			t.Fatalf("unexpected attempts: %+v", failure.Attempts)
		}
	}

	alerts := f.alerts(t)
	if countKind(alerts, domain.AlertKindSourceFallback) != 1 || countKind(alerts, domain.AlertKindFetchError) != 1 {
		t.Fatalf("expected one fallback and one escalation alert, got %+v", alerts)
	}
	if f.emitter.count(notificationdomain.TypeRateAlert) != 1 {
		t.Fatalf("expected escalation to notify once")
	}

	primary.mu.Lock()
	primary.err = nil
	primary.rates = rates("36.10")
	primary.mu.Unlock()
	if _, err := f.mgr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh after recovery: %v", err)
	}
	if got := f.mgr.Health(context.Background()).ConsecutiveFailures; got != 0 {
		t.Fatalf("expected failures reset, got %d", got)
	}
}

func TestSanityBandRejectsImplausibleRate(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("3600")}
	secondary := &stubSource{name: "secondary", rates: rates("37")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary, secondary)
	f.seedSnapshot(t, "36.00", 2*time.Hour)

	result, err := f.mgr.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Snapshot.Source != "secondary" {
		t.Fatalf("expected implausible primary rate to be skipped, got %s", result.Snapshot.Source)
	}
	if !errors.Is(result.Attempts[0].Err, domain.ErrImplausibleRate) {
		t.Fatalf("expected sanity band error, got %v", result.Attempts[0].Err)
	}
}

func TestRefreshDeadlineBoundsHangingSources(t *testing.T) {
	cfg := config.DefaultSettlementConfig()
	cfg.SourceTimeout = 20 * time.Millisecond
	cfg.RefreshDeadline = 60 * time.Millisecond
	a := &stubSource{name: "a", hang: true}
	b := &stubSource{name: "b", hang: true}
	c := &stubSource{name: "c", hang: true}
	f := newFixture(t, cfg, a, b, c)

	started := time.Now()
	_, err := f.mgr.Refresh(context.Background(), true)
	if !errors.Is(err, domain.ErrFetchFailure) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("refresh exceeded deadline: %s", elapsed)
	}
	if c.callCount() != 0 {
		t.Fatalf("expected the deadline to short-circuit the last source")
	}
}

func TestConcurrentRefreshesAreSerialized(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("36.00", "36.10", "36.20", "36.30"), delay: 5 * time.Millisecond}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.Refresh(context.Background(), true); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}

	readers := make(chan decimal.Decimal, 64)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				snap, err := f.mgr.GetCurrentRate(context.Background())
				if err != nil {
					t.Errorf("get current rate: %v", err)
					return
				}
				if j == 0 {
					readers <- snap.Rate
				}
			}
		}()
	}
	wg.Wait()
	close(readers)

	if got := primary.maxInflight.Load(); got != 1 {
		t.Fatalf("expected one fetch in flight at a time, saw %d", got)
	}
	for rate := range readers {
		if !rate.IsPositive() {
			t.Fatalf("reader observed an empty rate")
		}
	}
}

func TestSetManualRateOverridesCurrent(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("36.00")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	f.seedSnapshot(t, "36.00", 10*time.Minute)

	snap, err := f.mgr.SetManualRate(context.Background(), decimal.RequireFromString("40"), "admin-1")
	if err != nil {
		t.Fatalf("set manual rate: %v", err)
	}
	if !snap.IsManual || snap.CreatedBy == nil || *snap.CreatedBy != "admin-1" {
		t.Fatalf("unexpected manual snapshot: %+v", snap)
	}

	current, err := f.mgr.GetCurrentRate(context.Background())
	if err != nil {
		t.Fatalf("get current rate: %v", err)
	}
	if current.ID != snap.ID {
		t.Fatalf("expected manual snapshot to be current")
	}

	alerts := f.alerts(t)
	if countKind(alerts, domain.AlertKindManualOverride) != 1 || countKind(alerts, domain.AlertKindHighChange) != 1 {
		t.Fatalf("expected manual override and high change alerts, got %+v", alerts)
	}
	if primary.callCount() != 0 {
		t.Fatalf("manual override must not trigger a fetch")
	}

	if _, err := f.mgr.SetManualRate(context.Background(), decimal.Zero, "admin-1"); !errors.Is(err, domain.ErrInvalidRate) {
		t.Fatalf("expected invalid rate, got %v", err)
	}
	if _, err := f.mgr.SetManualRate(context.Background(), decimal.NewFromInt(1), ""); !errors.Is(err, domain.ErrInvalidActor) {
		t.Fatalf("expected invalid actor, got %v", err)
	}
}

func TestRateAtReturnsSnapshotValidAtInstant(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	older := f.seedSnapshot(t, "35.00", 3*time.Hour)
	f.seedSnapshot(t, "36.00", time.Hour)

	snap, err := f.mgr.RateAt(context.Background(), baseTime.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("rate at: %v", err)
	}
	if snap.ID != older.ID {
		t.Fatalf("expected older snapshot, got %+v", snap)
	}

	if _, err := f.mgr.RateAt(context.Background(), baseTime.Add(-4*time.Hour)); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected not found before first snapshot, got %v", err)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	primary := &stubSource{name: "primary", rates: rates("40.00")}
	f := newFixture(t, config.DefaultSettlementConfig(), primary)
	f.seedSnapshot(t, "36.00", 2*time.Hour)

	result, err := f.mgr.Refresh(context.Background(), false)
	if err != nil || result.Alert == nil {
		t.Fatalf("expected alerting refresh, got %v %v", result, err)
	}

	acked, err := f.mgr.AcknowledgeAlert(context.Background(), result.Alert.ID, "ops-1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !acked.Acknowledged || acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "ops-1" {
		t.Fatalf("unexpected acknowledged alert: %+v", acked)
	}
	if _, err := f.mgr.AcknowledgeAlert(context.Background(), result.Alert.ID, "ops-2"); !errors.Is(err, domain.ErrAlertAcknowledged) {
		t.Fatalf("expected already acknowledged, got %v", err)
	}
	if _, err := f.mgr.AcknowledgeAlert(context.Background(), f.node.Generate(), "ops-1"); !errors.Is(err, domain.ErrAlertNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	open, err := f.mgr.ListAlerts(context.Background(), true, 0)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(open))
	}
}

func TestConvertUsesCurrentSnapshot(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	f.seedSnapshot(t, "38.00", 5*time.Minute)

	usd, snap, err := f.mgr.Convert(context.Background(), decimal.NewFromInt(3800), "VES", "USD")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !usd.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 USD, got %s", usd)
	}
	if !snap.Rate.Equal(decimal.NewFromInt(38)) {
		t.Fatalf("expected snapshot rate 38, got %s", snap.Rate)
	}
}
