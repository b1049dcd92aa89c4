package domain

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeNewOrder         Type = "new_order"
	TypePaymentConfirmed Type = "payment_confirmed"
	TypePaymentRejected  Type = "payment_rejected"
	TypeRateAlert        Type = "rate_alert"
)

var ErrDeliveryFailed = errors.New("notification_delivery_failed")

// Notification is a message handed to an external channel. Delivery is best-effort.
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	OrderRef  string         `json:"order_ref,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Emitter never blocks the caller and never reports delivery errors.
type Emitter interface {
	Emit(ctx context.Context, n Notification)
}

// Notifier delivers one notification over a concrete transport.
type Notifier interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, n Notification)

func (f EmitterFunc) Emit(ctx context.Context, n Notification) { f(ctx, n) }

// Discard drops every notification.
var Discard Emitter = EmitterFunc(func(context.Context, Notification) {})
