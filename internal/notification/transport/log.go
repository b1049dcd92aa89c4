package transport

import (
	"context"

	"github.com/smallbiznis/settlement/internal/notification/domain"
	"go.uber.org/zap"
)

// Log writes notifications to the structured log. Used in development.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.Named("notification.log")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Deliver(_ context.Context, n domain.Notification) error {
	l.log.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("order_ref", n.OrderRef),
		zap.Any("payload", n.Payload),
	)
	return nil
}
