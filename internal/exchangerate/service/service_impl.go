package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	ratecache "github.com/smallbiznis/settlement/internal/exchangerate/cache"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
	"github.com/smallbiznis/settlement/internal/lock"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	refreshLockKey   = "settlement:rates:refresh"
	refreshFlightKey = "refresh"
	fetchAttempts    = 2
	defaultListLimit = 100
	maxListLimit     = 1000
	ratePlaces       = 6
	changePctPlaces  = 4
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Sources    []domain.Source
	Settings   *config.SettlementConfigHolder
	Emitter    notificationdomain.Emitter `optional:"true"`
	Cache      *ratecache.RateCache       `optional:"true"`
	Locker     *lock.Locker               `optional:"true"`
	Leaser     Leaser                     `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

// Leaser hands out the refresh lease shared by every instance.
// *lock.Locker satisfies it.
type Leaser interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Manager serves the current rate from memory and serializes refreshes.
// Readers never take a lock; writers hold refreshMu and publish through current.
// Readers that find the rate stale share one refresh through flight, and after
// a failed refresh they serve the degraded rate until FailureBackoff elapses.
type Manager struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	sources    []domain.Source
	settings   *config.SettlementConfigHolder
	emitter    notificationdomain.Emitter
	cache      *ratecache.RateCache
	leaser     Leaser
	obsMetrics *obsmetrics.Metrics

	current    atomic.Pointer[domain.RateSnapshot]
	generation atomic.Uint64
	refreshMu  sync.Mutex
	flight     singleflight.Group

	// failures counts failed refresh cycles; reader-triggered refreshes
	// do not advance it.
	failures    atomic.Int64
	outage      atomic.Bool
	failedAt    atomic.Pointer[time.Time]
	lastFailure atomic.Pointer[domain.FetchFailure]
	failGen     atomic.Uint64
	lastAttempt atomic.Pointer[time.Time]
	lastSuccess atomic.Pointer[time.Time]
}

func NewService(p Params) *Manager {
	emitter := p.Emitter
	if emitter == nil {
		emitter = notificationdomain.Discard
	}
	var leaser Leaser
	switch {
	case p.Leaser != nil:
		leaser = p.Leaser
	case p.Locker != nil:
		leaser = p.Locker
	}
	return &Manager{
		db:         p.DB,
		log:        p.Log.Named("exchangerate.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		sources:    p.Sources,
		settings:   p.Settings,
		emitter:    emitter,
		cache:      p.Cache,
		leaser:     leaser,
		obsMetrics: p.ObsMetrics,
	}
}

// GetCurrentRate returns a fresh snapshot when one can be had. When every source
// fails, or the store is unreachable, it returns the last snapshot marked stale
// or the configured fallback rate. It never returns an error for either case.
func (m *Manager) GetCurrentRate(ctx context.Context) (domain.RateSnapshot, error) {
	cfg := m.settings.Get()
	now := m.clock.Now()

	snap, err := m.loadCurrent(ctx)
	if err != nil {
		logger.WithContext(ctx, m.log).Error("failed to load current rate", zap.Error(err))
		return m.degraded(ctx, now, cfg), nil
	}
	if snap != nil && snap.Age(now) < cfg.CacheWindow {
		return *snap, nil
	}
	if shared := m.fromSharedCache(ctx, snap, now, cfg); shared != nil {
		return *shared, nil
	}
	if m.backingOff(now, cfg) {
		return m.degraded(ctx, now, cfg), nil
	}

	// The flight outlives any single caller; the refresh deadline bounds it.
	v, err, _ := m.flight.Do(refreshFlightKey, func() (any, error) {
		if m.backingOff(m.clock.Now(), cfg) {
			return nil, m.recentFailure()
		}
		return m.refresh(context.WithoutCancel(ctx), false, false)
	})
	if err == nil {
		return v.(*domain.RefreshResult).Snapshot, nil
	}
	if !errors.Is(err, domain.ErrFetchFailure) && !errors.Is(err, domain.ErrRefreshInProgress) {
		logger.WithContext(ctx, m.log).Error("rate refresh failed", zap.Error(err))
	}
	return m.degraded(ctx, now, cfg), nil
}

func (m *Manager) backingOff(now time.Time, cfg config.SettlementConfig) bool {
	failedAt := m.failedAt.Load()
	return failedAt != nil && now.Sub(*failedAt) < cfg.FailureBackoff
}

func (m *Manager) recentFailure() error {
	if failure := m.lastFailure.Load(); failure != nil {
		return failure
	}
	return domain.ErrFetchFailure
}

func (m *Manager) degraded(ctx context.Context, now time.Time, cfg config.SettlementConfig) domain.RateSnapshot {
	log := logger.WithContext(ctx, m.log)
	if snap := m.current.Load(); snap != nil {
		served := *snap
		served.Stale = true
		if served.Age(now) > cfg.MaxStaleness {
			log.Warn("serving rate beyond max staleness",
				zap.String("snapshot_id", served.ID.String()),
				zap.Duration("age", served.Age(now)),
			)
		}
		return served
	}
	log.Warn("no rate snapshot available, serving fallback rate",
		zap.String("rate", cfg.FallbackRate.String()),
	)
	return domain.RateSnapshot{
		Currency:  cfg.LocalCurrency,
		Rate:      cfg.FallbackRate,
		Source:    domain.SourceFallback,
		FetchedAt: now,
		Stale:     true,
	}
}

// Refresh queries the sources in priority order and installs the first plausible rate.
// Without force it returns the current snapshot while that is still inside the cache window,
// and ErrRefreshInProgress while another instance holds the refresh lease.
// Every failed call counts as one refresh cycle toward escalation.
func (m *Manager) Refresh(ctx context.Context, force bool) (*domain.RefreshResult, error) {
	return m.refresh(ctx, force, true)
}

func (m *Manager) refresh(ctx context.Context, force, cycle bool) (*domain.RefreshResult, error) {
	gen, failGen := m.generation.Load(), m.failGen.Load()
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.generation.Load() != gen {
		if snap := m.current.Load(); snap != nil {
			return &domain.RefreshResult{Snapshot: *snap}, nil
		}
	}
	if !force && !cycle && m.failGen.Load() != failGen {
		return nil, m.recentFailure()
	}

	cfg := m.settings.Get()
	now := m.clock.Now()
	prev, err := m.loadCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if !force && prev != nil && prev.Age(now) < cfg.CacheWindow {
		return &domain.RefreshResult{Snapshot: *prev}, nil
	}

	release, leased := m.acquireLease(ctx, cfg)
	defer release()
	if !leased && !force {
		latest, err := m.repo.LatestSnapshot(ctx, m.db)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Age(now) < cfg.CacheWindow {
			m.install(*latest)
			return &domain.RefreshResult{Snapshot: *latest}, nil
		}
		logger.WithContext(ctx, m.log).Info("rate refresh running on another instance")
		return nil, domain.ErrRefreshInProgress
	}

	return m.fetchAndInstall(ctx, cfg, prev, cycle)
}

func (m *Manager) fetchAndInstall(ctx context.Context, cfg config.SettlementConfig, prev *domain.RateSnapshot, cycle bool) (*domain.RefreshResult, error) {
	log := logger.WithContext(ctx, m.log)
	attemptedAt := m.clock.Now()
	m.lastAttempt.Store(&attemptedAt)

	refreshCtx, cancel := context.WithTimeout(ctx, cfg.RefreshDeadline)
	defer cancel()

	attempts := make([]domain.SourceAttempt, 0, len(m.sources))
	var (
		winner     decimal.Decimal
		winnerName string
	)
	for _, source := range m.sources {
		if err := refreshCtx.Err(); err != nil {
			attempts = append(attempts, domain.SourceAttempt{Source: source.Name(), Err: err})
			continue
		}

		started := time.Now()
		rate, tries, err := m.fetchWithRetry(refreshCtx, source, cfg.SourceTimeout)
		if err == nil {
			err = checkPlausible(rate, prev, cfg.SanityBandFactor)
		}
		attempts = append(attempts, domain.SourceAttempt{
			Source:   source.Name(),
			Tries:    tries,
			Duration: time.Since(started),
			Err:      err,
		})
		if err != nil {
			log.Warn("rate source failed",
				zap.String("source", source.Name()),
				zap.Int("tries", tries),
				zap.Error(err),
			)
			m.recordSource(ctx, source.Name(), "failed")
			continue
		}

		m.recordSource(ctx, source.Name(), "fetched")
		winner = rate.Round(ratePlaces)
		winnerName = source.Name()
		break
	}

	if winnerName == "" {
		return nil, m.recordFailure(ctx, cfg, prev, attempts, cycle)
	}

	snapshot := domain.RateSnapshot{
		ID:        m.genID.Generate(),
		Currency:  cfg.LocalCurrency,
		Rate:      winner,
		Source:    winnerName,
		FetchedAt: m.clock.Now(),
	}
	change, alerts, err := m.persist(ctx, cfg, snapshot, prev, "")
	if err != nil {
		return nil, err
	}
	m.install(snapshot)
	m.recordSuccess(ctx, snapshot)
	m.publishAlerts(ctx, alerts)

	log.Info("rate refreshed",
		zap.String("snapshot_id", snapshot.ID.String()),
		zap.String("source", snapshot.Source),
		zap.String("rate", snapshot.Rate.String()),
	)

	result := &domain.RefreshResult{
		Snapshot: snapshot,
		Fetched:  true,
		Change:   change,
		Attempts: attempts,
	}
	if len(alerts) > 0 {
		result.Alert = &alerts[0]
	}
	return result, nil
}

func (m *Manager) fetchWithRetry(ctx context.Context, source domain.Source, timeout time.Duration) (decimal.Decimal, int, error) {
	var (
		rate decimal.Decimal
		err  error
	)
	for tries := 1; tries <= fetchAttempts; tries++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		rate, err = fetchOnce(attemptCtx, source)
		cancel()
		if err == nil {
			return rate, tries, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return decimal.Zero, tries, err
		}
	}
	return decimal.Zero, fetchAttempts, err
}

// fetchOnce bounds a source call by ctx even when the source ignores it.
func fetchOnce(ctx context.Context, source domain.Source) (decimal.Decimal, error) {
	type result struct {
		rate decimal.Decimal
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		rate, err := source.Fetch(ctx)
		ch <- result{rate: rate, err: err}
	}()
	select {
	case r := <-ch:
		return r.rate, r.err
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func retryable(err error) bool {
	return !errors.Is(err, domain.ErrSourceNotConfigured) && !errors.Is(err, domain.ErrMalformedResponse)
}

func checkPlausible(rate decimal.Decimal, prev *domain.RateSnapshot, band decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("%w: %s", domain.ErrImplausibleRate, rate)
	}
	if prev == nil || !prev.Rate.IsPositive() {
		return nil
	}
	upper := prev.Rate.Mul(band)
	lower := prev.Rate.Div(band)
	if rate.GreaterThan(upper) || rate.LessThan(lower) {
		return fmt.Errorf("%w: %s against previous %s", domain.ErrImplausibleRate, rate, prev.Rate)
	}
	return nil
}

// SetManualRate records an operator-supplied rate. It bypasses the sanity band.
func (m *Manager) SetManualRate(ctx context.Context, rate decimal.Decimal, actor string) (domain.RateSnapshot, error) {
	if !rate.IsPositive() {
		return domain.RateSnapshot{}, domain.ErrInvalidRate
	}
	if actor == "" {
		return domain.RateSnapshot{}, domain.ErrInvalidActor
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cfg := m.settings.Get()
	prev, err := m.loadCurrent(ctx)
	if err != nil {
		return domain.RateSnapshot{}, err
	}

	createdBy := actor
	snapshot := domain.RateSnapshot{
		ID:        m.genID.Generate(),
		Currency:  cfg.LocalCurrency,
		Rate:      rate.Round(ratePlaces),
		Source:    domain.SourceManual,
		IsManual:  true,
		CreatedBy: &createdBy,
		FetchedAt: m.clock.Now(),
	}
	_, alerts, err := m.persist(ctx, cfg, snapshot, prev, actor)
	if err != nil {
		return domain.RateSnapshot{}, err
	}
	m.install(snapshot)
	m.publishAlerts(ctx, alerts)

	logger.WithContext(ctx, m.log).Info("manual rate set",
		zap.String("snapshot_id", snapshot.ID.String()),
		zap.String("rate", snapshot.Rate.String()),
		zap.String("actor", actor),
	)
	return snapshot, nil
}

// persist writes the snapshot, its change log and any alerts in one transaction.
func (m *Manager) persist(
	ctx context.Context,
	cfg config.SettlementConfig,
	snapshot domain.RateSnapshot,
	prev *domain.RateSnapshot,
	manualActor string,
) (*domain.RateChangeLog, []domain.RateAlert, error) {
	var (
		change *domain.RateChangeLog
		alerts []domain.RateAlert
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.repo.InsertSnapshot(ctx, tx, &snapshot); err != nil {
			return err
		}

		if prev != nil && prev.Persisted() && prev.Rate.IsPositive() {
			pct := snapshot.Rate.Sub(prev.Rate).Div(prev.Rate).Mul(hundred).Round(changePctPlaces)
			change = &domain.RateChangeLog{
				ID:                 m.genID.Generate(),
				SnapshotID:         snapshot.ID,
				PreviousSnapshotID: prev.ID,
				PreviousRate:       prev.Rate,
				NewRate:            snapshot.Rate,
				ChangePct:          pct,
				Source:             snapshot.Source,
				CreatedAt:          snapshot.FetchedAt,
			}
			if err := m.repo.InsertChangeLog(ctx, tx, change); err != nil {
				return err
			}

			if pct.Abs().GreaterThanOrEqual(cfg.AlertThresholdPct) {
				alert := m.newAlert(domain.AlertKindHighChange, snapshot.FetchedAt,
					fmt.Sprintf("Exchange rate moved %s%% to %s %s per USD",
						pct.StringFixed(2), snapshot.Rate.StringFixed(2), snapshot.Currency))
				alert.SnapshotID = &snapshot.ID
				alert.PreviousRate = &change.PreviousRate
				alert.NewRate = &change.NewRate
				alert.ChangePct = &change.ChangePct
				alerts = append(alerts, alert)
			}
		}

		if manualActor != "" {
			alert := m.newAlert(domain.AlertKindManualOverride, snapshot.FetchedAt,
				fmt.Sprintf("Manual rate override to %s %s per USD by %s",
					snapshot.Rate.StringFixed(2), snapshot.Currency, manualActor))
			alert.SnapshotID = &snapshot.ID
			alert.NewRate = &snapshot.Rate
			alerts = append(alerts, alert)
		}

		for i := range alerts {
			if err := m.repo.InsertAlert(ctx, tx, &alerts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return change, alerts, nil
}

func (m *Manager) newAlert(kind domain.AlertKind, at time.Time, message string) domain.RateAlert {
	return domain.RateAlert{
		ID:        m.genID.Generate(),
		Kind:      kind,
		Message:   message,
		CreatedAt: at,
	}
}

func (m *Manager) recordFailure(ctx context.Context, cfg config.SettlementConfig, prev *domain.RateSnapshot, attempts []domain.SourceAttempt, cycle bool) error {
	log := logger.WithContext(ctx, m.log)
	failedAt := m.clock.Now()
	failure := &domain.FetchFailure{Attempts: attempts}
	m.lastFailure.Store(failure)
	m.failedAt.Store(&failedAt)
	m.failGen.Add(1)

	failures := m.failures.Load()
	if cycle {
		failures = m.failures.Add(1)
		obsmetrics.Refresher().SetConsecutiveFailures(int(failures))
	}
	firstFailure := m.outage.CompareAndSwap(false, true)

	var alert *domain.RateAlert
	switch {
	case cycle && failures == int64(cfg.EscalationCycles):
		a := m.newAlert(domain.AlertKindFetchError, m.clock.Now(),
			fmt.Sprintf("Rate sources have failed %d refresh cycles in a row", failures))
		alert = &a
		log.Error("rate refresh failing persistently", zap.Int64("consecutive_failures", failures), zap.Error(failure))
	case firstFailure:
		message := fmt.Sprintf("All rate sources failed, serving fallback rate %s %s per USD",
			cfg.FallbackRate.StringFixed(2), cfg.LocalCurrency)
		if prev != nil {
			message = fmt.Sprintf("All rate sources failed, serving last known rate %s %s per USD",
				prev.Rate.StringFixed(2), prev.Currency)
		}
		a := m.newAlert(domain.AlertKindSourceFallback, m.clock.Now(), message)
		if prev != nil && prev.Persisted() {
			a.SnapshotID = &prev.ID
		}
		alert = &a
		log.Warn("rate refresh degraded", zap.Int64("consecutive_failures", failures), zap.Error(failure))
	default:
		log.Warn("rate refresh degraded", zap.Int64("consecutive_failures", failures), zap.Error(failure))
	}

	if alert != nil {
		if err := m.repo.InsertAlert(ctx, m.db, alert); err != nil {
			log.Error("failed to record rate alert", zap.String("kind", string(alert.Kind)), zap.Error(err))
		} else if alert.Kind == domain.AlertKindFetchError {
			m.publishAlerts(ctx, []domain.RateAlert{*alert})
		}
	}
	return failure
}

func (m *Manager) recordSuccess(ctx context.Context, snapshot domain.RateSnapshot) {
	previous := m.failures.Swap(0)
	m.outage.Store(false)
	m.failedAt.Store(nil)
	m.lastFailure.Store(nil)
	if previous > 0 {
		logger.WithContext(ctx, m.log).Info("rate refresh recovered", zap.Int64("failed_cycles", previous))
	}
	successAt := snapshot.FetchedAt
	m.lastSuccess.Store(&successAt)
	refresher := obsmetrics.Refresher()
	refresher.SetConsecutiveFailures(0)
	refresher.SetRateAge(0)

	if err := m.cache.Set(ctx, snapshot, m.settings.Get().MaxStaleness); err != nil {
		logger.WithContext(ctx, m.log).Warn("failed to share rate snapshot", zap.Error(err))
	}
}

// publishAlerts notifies operators about deviation and escalation alerts.
func (m *Manager) publishAlerts(ctx context.Context, alerts []domain.RateAlert) {
	for _, alert := range alerts {
		if alert.Kind == domain.AlertKindManualOverride {
			continue
		}
		payload := map[string]any{
			"alert_id": alert.ID.String(),
			"kind":     string(alert.Kind),
			"message":  alert.Message,
		}
		if alert.NewRate != nil {
			payload["new_rate"] = alert.NewRate.String()
		}
		if alert.PreviousRate != nil {
			payload["previous_rate"] = alert.PreviousRate.String()
		}
		if alert.ChangePct != nil {
			payload["change_pct"] = alert.ChangePct.String()
		}
		m.emitter.Emit(ctx, notificationdomain.Notification{
			Type:    notificationdomain.TypeRateAlert,
			Payload: payload,
		})
	}
}

func (m *Manager) recordSource(ctx context.Context, source, outcome string) {
	if m.obsMetrics != nil {
		m.obsMetrics.RecordRateRefresh(ctx, source, outcome)
	}
}

func (m *Manager) acquireLease(ctx context.Context, cfg config.SettlementConfig) (func(), bool) {
	if m.leaser == nil {
		return func() {}, true
	}
	ttl := 2 * cfg.RefreshDeadline
	token, ok, err := m.leaser.TryLock(ctx, refreshLockKey, ttl)
	if err != nil {
		logger.WithContext(ctx, m.log).Warn("refresh lease unavailable, refreshing locally", zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		if err := m.leaser.Release(context.WithoutCancel(ctx), refreshLockKey, token); err != nil {
			m.log.Warn("failed to release refresh lease", zap.Error(err))
		}
	}, true
}

func (m *Manager) fromSharedCache(ctx context.Context, local *domain.RateSnapshot, now time.Time, cfg config.SettlementConfig) *domain.RateSnapshot {
	if m.cache == nil {
		return nil
	}
	shared, err := m.cache.Get(ctx)
	if err != nil {
		logger.WithContext(ctx, m.log).Warn("shared rate cache read failed", zap.Error(err))
		return nil
	}
	if shared == nil || shared.Age(now) >= cfg.CacheWindow {
		return nil
	}
	if local != nil && !shared.FetchedAt.After(local.FetchedAt) {
		return nil
	}
	m.install(*shared)
	return shared
}

func (m *Manager) loadCurrent(ctx context.Context) (*domain.RateSnapshot, error) {
	if snap := m.current.Load(); snap != nil {
		return snap, nil
	}
	latest, err := m.repo.LatestSnapshot(ctx, m.db)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if m.current.CompareAndSwap(nil, latest) {
		return latest, nil
	}
	return m.current.Load(), nil
}

func (m *Manager) install(snapshot domain.RateSnapshot) {
	snapshot.Stale = false
	m.current.Store(&snapshot)
	m.generation.Add(1)
}

func (m *Manager) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, domain.RateSnapshot, error) {
	snap, err := m.GetCurrentRate(ctx)
	if err != nil {
		return decimal.Zero, domain.RateSnapshot{}, err
	}
	converted, err := snap.Convert(amount, from, to)
	if err != nil {
		return decimal.Zero, domain.RateSnapshot{}, err
	}
	return converted, snap, nil
}

// RateAt returns the snapshot that was current at the given instant.
func (m *Manager) RateAt(ctx context.Context, at time.Time) (domain.RateSnapshot, error) {
	if at.IsZero() {
		return domain.RateSnapshot{}, domain.ErrSnapshotNotFound
	}
	snap, err := m.repo.SnapshotAt(ctx, m.db, at)
	if err != nil {
		return domain.RateSnapshot{}, err
	}
	if snap == nil {
		return domain.RateSnapshot{}, domain.ErrSnapshotNotFound
	}
	return *snap, nil
}

func (m *Manager) History(ctx context.Context, since time.Time, limit int) ([]domain.RateSnapshot, error) {
	return m.repo.ListSnapshots(ctx, m.db, since, clampLimit(limit))
}

func (m *Manager) RecentChanges(ctx context.Context, limit int) ([]domain.RateChangeLog, error) {
	return m.repo.ListChangeLogs(ctx, m.db, clampLimit(limit))
}

func (m *Manager) ListAlerts(ctx context.Context, openOnly bool, limit int) ([]domain.RateAlert, error) {
	return m.repo.ListAlerts(ctx, m.db, openOnly, clampLimit(limit))
}

func (m *Manager) AcknowledgeAlert(ctx context.Context, id snowflake.ID, actor string) (*domain.RateAlert, error) {
	if actor == "" {
		return nil, domain.ErrInvalidActor
	}
	updated, err := m.repo.AcknowledgeAlert(ctx, m.db, id, actor, m.clock.Now())
	if err != nil {
		return nil, err
	}
	alert, err := m.repo.FindAlert(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, domain.ErrAlertNotFound
	}
	if !updated {
		return alert, domain.ErrAlertAcknowledged
	}
	return alert, nil
}

func (m *Manager) Health(ctx context.Context) domain.Health {
	cfg := m.settings.Get()
	now := m.clock.Now()
	health := domain.Health{
		ConsecutiveFailures: int(m.failures.Load()),
		LastAttemptAt:       m.lastAttempt.Load(),
		LastSuccessAt:       m.lastSuccess.Load(),
	}
	snap, err := m.loadCurrent(ctx)
	if err != nil {
		m.log.Warn("health: failed to load current rate", zap.Error(err))
	}
	if snap != nil {
		current := *snap
		health.Current = &current
		health.Age = current.Age(now)
		health.Fresh = health.Age < cfg.CacheWindow
		health.WithinMaxStaleness = health.Age <= cfg.MaxStaleness
		obsmetrics.Refresher().SetRateAge(health.Age)
	}
	if count, err := m.repo.CountOpenAlerts(ctx, m.db); err == nil {
		health.OpenAlerts = count
	}
	return health
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
