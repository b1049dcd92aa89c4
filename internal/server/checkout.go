package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/settlement/internal/checkout/domain"
)

func (s *Server) Checkout(c *gin.Context) {
	var req checkoutdomain.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.checkoutSvc.Checkout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	resp, err := s.checkoutSvc.GetPayment(c.Request.Context(), strings.TrimSpace(c.Param("order")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type refundPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RefundPayment(c *gin.Context) {
	var req refundPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	payment, err := s.checkoutSvc.Refund(c.Request.Context(), checkoutdomain.RefundRequest{
		OrderRef: strings.TrimSpace(c.Param("order")),
		Actor:    actorFrom(c),
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}
