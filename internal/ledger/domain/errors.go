package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrConflict          = errors.New("payment_conflict")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrPaymentNotFound   = errors.New("payment_not_found")
	ErrInvalidOrder      = errors.New("invalid_order")
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrInvalidMethod     = errors.New("invalid_method")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrInvalidActor      = errors.New("invalid_actor")
)

// ConflictError reports the active payment that blocks a new one for the order.
type ConflictError struct {
	OrderRef  string
	PaymentID snowflake.ID
	Status    Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: order %s already has payment %s in %s", ErrConflict, e.OrderRef, e.PaymentID, e.Status)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransitionError reports a transition the lifecycle does not allow.
type TransitionError struct {
	PaymentID snowflake.ID
	From      Status
	To        Status
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: payment %s cannot move from %s to %s", ErrInvalidTransition, e.PaymentID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
