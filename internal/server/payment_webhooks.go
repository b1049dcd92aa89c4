package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.IngestEvent(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		// The event is recorded as rejected; redelivery cannot change the outcome.
		if result != nil && errors.Is(err, ledgerdomain.ErrInvalidTransition) {
			s.log.Warn("gateway event rejected by ledger",
				zap.String("provider", provider),
				zap.String("event_id", result.EventID),
				zap.Error(err),
			)
			c.JSON(http.StatusOK, gin.H{"data": result})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
