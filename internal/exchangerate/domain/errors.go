package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFetchFailure        = errors.New("rate_fetch_failure")
	ErrRefreshInProgress   = errors.New("rate_refresh_in_progress")
	ErrSourceNotConfigured = errors.New("rate_source_not_configured")
	ErrMalformedResponse   = errors.New("rate_source_malformed_response")
	ErrImplausibleRate     = errors.New("rate_outside_sanity_band")
	ErrInvalidRate         = errors.New("invalid_rate")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrSnapshotNotFound    = errors.New("rate_snapshot_not_found")
	ErrAlertNotFound       = errors.New("rate_alert_not_found")
	ErrAlertAcknowledged   = errors.New("rate_alert_already_acknowledged")
)

// FetchFailure is returned when every configured source failed within one refresh cycle.
type FetchFailure struct {
	Attempts []SourceAttempt
}

func (e *FetchFailure) Error() string {
	if len(e.Attempts) == 0 {
		return ErrFetchFailure.Error() + ": no sources configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		msg := "skipped"
		if attempt.Err != nil {
			msg = attempt.Err.Error()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", attempt.Source, msg))
	}
	return ErrFetchFailure.Error() + ": " + strings.Join(parts, "; ")
}

func (e *FetchFailure) Is(target error) bool {
	return target == ErrFetchFailure
}
