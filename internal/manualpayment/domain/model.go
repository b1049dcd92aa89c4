package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
)

var (
	ErrInvalidOrder = errors.New("invalid_order")
	ErrInvalidActor = errors.New("invalid_actor")
)

// ConfirmResult is one item of a confirm-all run.
type ConfirmResult struct {
	OrderRef string                `json:"order_ref"`
	Payment  *ledgerdomain.Payment `json:"payment,omitempty"`
	Err      error                 `json:"-"`
	Error    string                `json:"error,omitempty"`
}

type Service interface {
	Confirm(ctx context.Context, orderRef string, actor string) (*ledgerdomain.Payment, error)
	ConfirmAll(ctx context.Context, actor string) ([]ConfirmResult, error)
	ListPending(ctx context.Context, limit int) ([]ledgerdomain.Payment, error)
}
