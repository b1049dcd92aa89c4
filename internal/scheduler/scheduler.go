package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/authorization"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRateRefresh          = "rate_refresh"
	JobOverdueVerifications = "overdue_verifications"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Settings  *config.SettlementConfigHolder
	Rates     ratedomain.Service
	Transfers mtdomain.Service
	AuthzSvc  authorization.Service
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	settings  *config.SettlementConfigHolder
	rates     ratedomain.Service
	transfers mtdomain.Service
	authzSvc  authorization.Service

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Rates == nil || p.Transfers == nil || p.AuthzSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		settings:  p.Settings,
		rates:     p.Rates,
		transfers: p.Transfers,
		authzSvc:  p.AuthzSvc,
		lastRun:   make(map[string]time.Time),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name)
	err := fn(ctx)
	if owner {
		if err != nil {
			run.fail()
		}
		s.finishRun(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick retries
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.runLogger(ctx, run).Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name     string
		Interval time.Duration
		Run      func(context.Context) error
	}{
		{JobRateRefresh, s.settings.Get().RefreshInterval, func(ctx context.Context) error {
			// the manager enforces its own per-source and overall deadlines
			return s.runJob(ctx, JobRateRefresh, s.settings.Get().RefreshDeadline+s.cfg.JobTimeout, s.RateRefreshJob)
		}},
		{JobOverdueVerifications, s.cfg.OverdueInterval, func(ctx context.Context) error {
			return s.runJob(ctx, JobOverdueVerifications, s.cfg.JobTimeout, s.OverdueVerificationsJob)
		}},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) || !s.isDue(job.Name, job.Interval) {
			continue
		}
		err = errors.Join(err, job.Run(parent))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	refresher := obsmetrics.Refresher()

	for {
		refresher.ObserveRunLoopLag(s.clock.Now().Sub(nextRun))
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// isDue marks the job as started when its interval has elapsed.
func (s *Scheduler) isDue(jobName string, interval time.Duration) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[jobName]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastRun[jobName] = now
	return true
}

// RateRefreshJob asks the rate manager for a fresh rate. Source failures are
// absorbed by the manager, which keeps serving a degraded rate.
func (s *Scheduler) RateRefreshJob(ctx context.Context) error {
	ctx, run, owner := s.beginRun(ctx, JobRateRefresh)
	if owner {
		defer s.finishRun(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectRate, authorization.ActionRateRefresh); err != nil {
		s.jobError(ctx, run, "scheduler.authorize.failed", err)
		return err
	}

	refresher := obsmetrics.Refresher()
	started := s.clock.Now()
	result, err := s.rates.Refresh(ctx, false)
	refresher.ObserveDuration(s.clock.Now().Sub(started))

	switch {
	case errors.Is(err, ratedomain.ErrFetchFailure):
		refresher.IncRun(obsmetrics.RefreshOutcomeDegraded)
		run.record(obsmetrics.RefreshOutcomeDegraded, 0)
		s.runLogger(ctx, run).Warn("rate refresh degraded", zap.Error(err))
		return nil
	case errors.Is(err, ratedomain.ErrRefreshInProgress):
		refresher.IncRun(obsmetrics.RefreshOutcomeSkipped)
		run.record(obsmetrics.RefreshOutcomeSkipped, 0)
		s.runLogger(ctx, run).Info("rate refresh running on another instance")
		return nil
	case err != nil:
		refresher.IncRun(obsmetrics.RefreshOutcomeError)
		s.jobError(ctx, run, "scheduler.rate_refresh.failed", err)
		return err
	case result.Fetched:
		refresher.IncRun(obsmetrics.RefreshOutcomeFetched)
		run.record(obsmetrics.RefreshOutcomeFetched, 1)
	default:
		refresher.IncRun(obsmetrics.RefreshOutcomeSkipped)
		run.record(obsmetrics.RefreshOutcomeSkipped, 0)
	}
	return nil
}

// OverdueVerificationsJob surfaces transfer claims nobody decided within the
// verification window. It never decides them.
func (s *Scheduler) OverdueVerificationsJob(ctx context.Context) error {
	ctx, run, owner := s.beginRun(ctx, JobOverdueVerifications)
	if owner {
		defer s.finishRun(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectVerification, authorization.ActionVerificationView); err != nil {
		s.jobError(ctx, run, "scheduler.authorize.failed", err)
		return err
	}

	overdue, err := s.transfers.ListOverdue(ctx, s.cfg.BatchSize)
	if err != nil {
		s.jobError(ctx, run, "scheduler.overdue.list.failed", err)
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	now := s.clock.Now()
	log := s.runLogger(ctx, run)
	for _, req := range overdue {
		log.Warn("verification overdue",
			zap.String("request_id", req.ID.String()),
			zap.String("order_ref", req.OrderRef),
			zap.String("reference_number", req.ReferenceNumber),
			zap.Duration("age", now.Sub(req.CreatedAt)),
		)
	}
	run.record("", len(overdue))
	return nil
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	return s.authzSvc.Authorize(ctx, authorization.SystemActor, object, action)
}
