package authorization

import "errors"

var (
	ErrNotAuthorized = errors.New("not_authorized")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrUnknownRole   = errors.New("unknown_role")
)
