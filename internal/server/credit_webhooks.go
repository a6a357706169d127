package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/shopcredits/internal/credit/domain"
	creditstripe "github.com/smallbiznis/shopcredits/internal/credit/stripe"
)

const maxWebhookBodyBytes = 1 << 20

// StripeWebhookStatus answers connectivity checks against the webhook endpoint.
func (s *Server) StripeWebhookStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"endpoint": "stripe-webhook",
		"method":   http.MethodPost,
		"events":   []string{creditdomain.EventCheckoutSessionCompleted},
	})
}

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.creditSvc.ProcessWebhook(c.Request.Context(), payload, c.GetHeader(creditstripe.SignatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch outcome.Status {
	case creditdomain.OutcomeActivated:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"shopId":  outcome.ShopID,
			"credits": outcome.Credits,
			"message": "credits activated",
		})
	case creditdomain.OutcomeAlreadyProcessed:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"shopId":  outcome.ShopID,
			"credits": outcome.Credits,
			"message": "payment already processed",
		})
	case creditdomain.OutcomePendingManual:
		c.JSON(http.StatusOK, gin.H{
			"received": true,
			"status":   "pending_manual",
			"message":  "payment received, shop activation pending manual review",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
