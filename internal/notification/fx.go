package notification

import (
	"context"
	"fmt"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/notification/service"
	"github.com/smallbiznis/settlement/internal/notification/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification.service",
	fx.Provide(ProvideNotifier),
	fx.Provide(service.NewDispatcher),
	fx.Provide(func(d *service.Dispatcher) domain.Emitter { return d }),
	fx.Invoke(registerDispatcher),
)

func ProvideNotifier(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (domain.Notifier, error) {
	switch cfg.Notifier.Kind {
	case "", "log":
		return transport.NewLog(log), nil
	case "kafka":
		notifier, err := transport.NewKafka(cfg.Notifier.KafkaBrokers, cfg.Notifier.KafkaTopic)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return notifier.Close() }})
		return notifier, nil
	case "sqs":
		return transport.NewSQS(
			context.Background(),
			cfg.Notifier.AWSRegion,
			cfg.Notifier.AWSAccessKey,
			cfg.Notifier.AWSSecretKey,
			cfg.Notifier.SQSQueueURL,
		)
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", cfg.Notifier.Kind)
	}
}

func registerDispatcher(lc fx.Lifecycle, d *service.Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
}
