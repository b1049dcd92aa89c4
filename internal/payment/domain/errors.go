package domain

import "errors"

var (
	ErrInvalidProvider    = errors.New("invalid_provider")
	ErrProviderNotFound   = errors.New("provider_not_found")
	ErrInvalidConfig      = errors.New("invalid_config")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrEventIgnored       = errors.New("event_ignored")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrNotGatewayPayment  = errors.New("not_gateway_payment")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)
