package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/settlement/internal/authorization"
	checkoutdomain "github.com/smallbiznis/settlement/internal/checkout/domain"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	manualdomain "github.com/smallbiznis/settlement/internal/manualpayment/domain"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// validationErrors are reported back with their code so clients can point at the field.
var validationErrors = []error{
	ErrInvalidRequest,
	ledgerdomain.ErrInvalidOrder,
	ledgerdomain.ErrInvalidCustomer,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidCurrency,
	ledgerdomain.ErrInvalidMethod,
	ledgerdomain.ErrInvalidStatus,
	ledgerdomain.ErrInvalidActor,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidCurrency,
	paymentdomain.ErrNotGatewayPayment,
	mtdomain.ErrInvalidOrder,
	mtdomain.ErrInvalidCustomer,
	mtdomain.ErrInvalidSenderID,
	mtdomain.ErrInvalidSenderPhone,
	mtdomain.ErrUnknownBank,
	mtdomain.ErrInvalidAmount,
	mtdomain.ErrInvalidOutcome,
	mtdomain.ErrInvalidActor,
	mtdomain.ErrNotMobileTransfer,
	manualdomain.ErrInvalidOrder,
	manualdomain.ErrInvalidActor,
	checkoutdomain.ErrInvalidMethodParams,
	checkoutdomain.ErrInvalidActor,
	ratedomain.ErrInvalidRate,
	ratedomain.ErrInvalidActor,
	ratedomain.ErrImplausibleRate,
	authorization.ErrInvalidActor,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "signature verification failed",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "actor required",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrNotAuthorized):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "not authorized",
		}
	case errors.Is(err, ledgerdomain.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "a payment is already in progress for this order",
		}
	case errors.Is(err, mtdomain.ErrDuplicateSubmission):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_submission",
			Message: "a transfer was already submitted and decided for this order",
		}
	case errors.Is(err, mtdomain.ErrAlreadyDecided):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "verification request already decided",
		}
	case errors.Is(err, ledgerdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: err.Error(),
		}
	case errors.Is(err, ratedomain.ErrRefreshInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "rate refresh already in progress",
		}
	case errors.Is(err, ratedomain.ErrAlertAcknowledged):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "alert already acknowledged",
		}
	case errors.Is(err, mtdomain.ErrTooManySubmissions):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many transfer submissions, try again later",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrGatewayUnavailable),
		errors.Is(err, ratedomain.ErrFetchFailure):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger without leaking error text.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, ""
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorCode(err error) (string, bool) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, mtdomain.ErrRequestNotFound),
		errors.Is(err, ratedomain.ErrSnapshotNotFound),
		errors.Is(err, ratedomain.ErrAlertNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "unknown_bank_code":
		return "bank_code"
	case "rate_outside_sanity_band":
		return "rate"
	case "payment_not_mobile_transfer", "not_gateway_payment":
		return "method"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}
