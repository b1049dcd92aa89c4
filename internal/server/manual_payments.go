package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListManualPayments(c *gin.Context) {
	limit, err := limitParam(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.manualSvc.ListPending(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ConfirmManualPayment(c *gin.Context) {
	payment, err := s.manualSvc.Confirm(c.Request.Context(), strings.TrimSpace(c.Param("order")), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) ConfirmAllManualPayments(c *gin.Context) {
	results, err := s.manualSvc.ConfirmAll(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	confirmed := 0
	for _, result := range results {
		if result.Err == nil {
			confirmed++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      results,
		"confirmed": confirmed,
		"failed":    len(results) - confirmed,
	})
}
