package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
)

type bankResponse struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) ListBanks(c *gin.Context) {
	banks := s.settings.Get().Banks
	resp := make([]bankResponse, 0, len(banks))
	for code, name := range banks {
		resp = append(resp, bankResponse{Code: code, Name: name})
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].Code < resp[j].Code })

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SubmitTransfer(c *gin.Context) {
	var req mtdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.transferSvc.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetTransfer(c *gin.Context) {
	resp, err := s.transferSvc.FindByOrder(c.Request.Context(), strings.TrimSpace(c.Param("order")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListPendingTransfers(c *gin.Context) {
	limit, err := limitParam(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.transferSvc.ListPending(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListOverdueTransfers(c *gin.Context) {
	limit, err := limitParam(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.transferSvc.ListOverdue(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type decideTransferRequest struct {
	Outcome mtdomain.Status `json:"outcome"`
	Reason  string          `json:"reason"`
}

func (s *Server) DecideTransfer(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req decideTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.transferSvc.Decide(c.Request.Context(), mtdomain.DecideRequest{
		RequestID: id,
		Outcome:   req.Outcome,
		Actor:     actorFrom(c),
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type decideTransfersRequest struct {
	RequestIDs []string        `json:"request_ids"`
	Outcome    mtdomain.Status `json:"outcome"`
	Reason     string          `json:"reason"`
}

func (s *Server) DecideTransfers(c *gin.Context) {
	var req decideTransfersRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.RequestIDs) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	ids := make([]snowflake.ID, 0, len(req.RequestIDs))
	for _, raw := range req.RequestIDs {
		id, err := parseSnowflakeID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("request_ids", "invalid_request_id", "invalid request id "+raw))
			return
		}
		ids = append(ids, id)
	}

	results := s.transferSvc.DecideBatch(c.Request.Context(), ids, req.Outcome, actorFrom(c), strings.TrimSpace(req.Reason))
	c.JSON(http.StatusOK, gin.H{"data": results})
}
