package service

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	deliverTimeout = 10 * time.Second
	drainTimeout   = 5 * time.Second
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Notifier   domain.Notifier
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher queues notifications and delivers them on a background worker.
type Dispatcher struct {
	log        *zap.Logger
	notifier   domain.Notifier
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	queue chan domain.Notification
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewDispatcher(p Params) *Dispatcher {
	size := p.Cfg.Notifier.BufferSize
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		log:        p.Log.Named("notification.dispatcher"),
		notifier:   p.Notifier,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
		queue:      make(chan domain.Notification, size),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (d *Dispatcher) Emit(ctx context.Context, n domain.Notification) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.clock.Now()
	}

	select {
	case <-d.stop:
		d.drop(ctx, n, "stopped")
		return
	default:
	}

	select {
	case d.queue <- n:
	default:
		d.drop(ctx, n, "queue_full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, n domain.Notification, reason string) {
	d.log.Warn("notification dropped",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("order_ref", n.OrderRef),
		zap.String("reason", reason),
	)
	if d.obsMetrics != nil {
		d.obsMetrics.RecordNotification(ctx, string(n.Type), "dropped")
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop drains queued notifications until ctx or the drain timeout expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.Start()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-d.done:
	case <-timer.C:
		d.log.Warn("notification drain timed out", zap.Int("pending", len(d.queue)))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.stop:
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	outcome := "delivered"
	if err := d.notifier.Deliver(ctx, n); err != nil {
		outcome = "failed"
		d.log.Error("notification delivery failed",
			zap.String("notifier", d.notifier.Name()),
			zap.String("notification_id", n.ID),
			zap.String("type", string(n.Type)),
			zap.String("order_ref", n.OrderRef),
			zap.Error(err),
		)
	}
	if d.obsMetrics != nil {
		d.obsMetrics.RecordNotification(ctx, string(n.Type), outcome)
	}
}
