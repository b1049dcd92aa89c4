package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/settlement/internal/authorization"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"go.uber.org/zap"
)

// jobRun is the per-tick record of one job, carried on the context so the
// job body and runJob log against the same run id.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	outcome   string
	items     int
	failed    bool
}

type jobRunKey struct{}

func (r *jobRun) record(outcome string, items int) {
	if r == nil {
		return
	}
	r.outcome = outcome
	r.items += items
}

func (r *jobRun) fail() {
	if r != nil {
		r.failed = true
	}
}

// beginRun attaches a run to ctx unless one is already there. The returned
// bool is true for the caller that owns the run and must finish it.
func (s *Scheduler) beginRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if existing, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, authorization.SystemActor)
	s.runLogger(ctx, run).Debug("scheduler.job.start")
	return ctx, run, true
}

func (s *Scheduler) runLogger(ctx context.Context, run *jobRun) *zap.Logger {
	log := obslogger.WithContext(ctx, s.log)
	if run == nil {
		return log
	}
	return log.With(zap.String("job", run.job), zap.String("run_id", run.runID))
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.Duration("took", s.clock.Now().Sub(run.startedAt)),
		zap.Int("items", run.items),
	}
	if run.outcome != "" {
		fields = append(fields, zap.String("outcome", run.outcome))
	}
	log := s.runLogger(ctx, run)
	if run.failed {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) jobError(ctx context.Context, run *jobRun, msg string, err error) {
	if err == nil {
		return
	}
	run.fail()
	s.runLogger(ctx, run).Error(msg, zap.Error(err))
}
