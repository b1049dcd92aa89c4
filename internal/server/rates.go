package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
)

const defaultHistoryDays = 7

func (s *Server) GetCurrentRate(c *gin.Context) {
	snapshot, err := s.rateSvc.GetCurrentRate(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) GetRateAt(c *gin.Context) {
	at, err := parseTime(c.Query("ts"))
	if err != nil {
		AbortWithError(c, newValidationError("ts", "invalid_ts", "invalid ts"))
		return
	}

	snapshot, err := s.rateSvc.RateAt(c.Request.Context(), at)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) GetRateHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.rateSvc.Health(c.Request.Context())})
}

func (s *Server) ListRateHistory(c *gin.Context) {
	days, err := parseOptionalInt(c.Query("days"))
	if err != nil || (days != nil && *days == 0) {
		AbortWithError(c, newValidationError("days", "invalid_days", "invalid days"))
		return
	}
	window := defaultHistoryDays
	if days != nil {
		window = *days
	}
	limit, err := limitParam(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	since := s.clock.Now().AddDate(0, 0, -window)
	resp, err := s.rateSvc.History(c.Request.Context(), since, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListRateChanges(c *gin.Context) {
	limit, err := limitParam(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.rateSvc.RecentChanges(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type setManualRateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

func (s *Server) SetManualRate(c *gin.Context) {
	var req setManualRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	snapshot, err := s.rateSvc.SetManualRate(c.Request.Context(), req.Rate, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": snapshot})
}

func (s *Server) RefreshRate(c *gin.Context) {
	force, err := parseOptionalBool(c.Query("force"))
	if err != nil {
		AbortWithError(c, newValidationError("force", "invalid_force", "invalid force"))
		return
	}

	result, err := s.rateSvc.Refresh(c.Request.Context(), force != nil && *force)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListRateAlerts(c *gin.Context) {
	open, err := parseOptionalBool(c.Query("open"))
	if err != nil {
		AbortWithError(c, newValidationError("open", "invalid_open", "invalid open"))
		return
	}
	limit, err := limitParam(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.rateSvc.ListAlerts(c.Request.Context(), open == nil || *open, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AcknowledgeRateAlert(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ratedomain.ErrAlertNotFound)
		return
	}

	alert, err := s.rateSvc.AcknowledgeAlert(c.Request.Context(), id, strings.TrimSpace(actorFrom(c)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}
