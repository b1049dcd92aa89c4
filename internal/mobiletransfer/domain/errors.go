package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
)

var (
	ErrInvalidOrder        = errors.New("invalid_order")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidSenderID     = errors.New("invalid_sender_id")
	ErrInvalidSenderPhone  = errors.New("invalid_sender_phone")
	ErrUnknownBank         = errors.New("unknown_bank_code")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidOutcome      = errors.New("invalid_verification_outcome")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrNotMobileTransfer   = errors.New("payment_not_mobile_transfer")
	ErrRequestNotFound     = errors.New("verification_request_not_found")
	ErrDuplicateSubmission = errors.New("duplicate_submission")
	ErrTooManySubmissions  = errors.New("too_many_submissions")
	ErrAlreadyDecided      = errors.New("verification_already_decided")
)

// DecisionError is returned when a request is no longer pending. It matches
// both ErrAlreadyDecided and the ledger's ErrInvalidTransition.
type DecisionError struct {
	RequestID snowflake.ID
	Status    Status
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("%s: request %s is %s", ErrAlreadyDecided.Error(), e.RequestID, e.Status)
}

func (e *DecisionError) Is(target error) bool {
	return target == ErrAlreadyDecided || target == ledgerdomain.ErrInvalidTransition
}
