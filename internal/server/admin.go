package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/shopcredits/internal/credit/domain"
	"golang.org/x/crypto/bcrypt"
)

const (
	headerActor     = "X-Actor"
	contextActorKey = "actor"
)

// AdminRequired checks the bearer token against the configured bcrypt hash.
func (s *Server) AdminRequired() gin.HandlerFunc {
	hash := []byte(s.cfg.Admin.TokenHash)
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(parts[1])); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := strings.TrimSpace(c.GetHeader(headerActor))
		if actor == "" {
			actor = "admin"
		}
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func (s *Server) ListPendingActivations(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items, err := s.creditSvc.ListPending(c.Request.Context(), creditdomain.ListPendingRequest{
		Status: strings.TrimSpace(query.Status),
		Limit:  query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

type resolvePendingRequest struct {
	ShopID string `json:"shopId"`
}

func (s *Server) ResolvePendingActivation(c *gin.Context) {
	var req resolvePendingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.creditSvc.ResolvePending(c.Request.Context(), creditdomain.ResolvePendingRequest{
		SessionID: strings.TrimSpace(c.Param("session_id")),
		ShopID:    strings.TrimSpace(req.ShopID),
		Actor:     c.GetString(contextActorKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"sessionId": outcome.SessionID,
		"shopId":    outcome.ShopID,
		"credits":   outcome.Credits,
	})
}

func (s *Server) GetShop(c *gin.Context) {
	shop, err := s.shopSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": shop})
}

type grantCreditsRequest struct {
	Credits int64  `json:"credits"`
	Note    string `json:"note"`
}

func (s *Server) GrantShopCredits(c *gin.Context) {
	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.creditSvc.GrantCredits(c.Request.Context(), creditdomain.GrantCreditsRequest{
		ShopID:  strings.TrimSpace(c.Param("id")),
		Credits: req.Credits,
		Actor:   c.GetString(contextActorKey),
		Note:    req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"grantId": outcome.SessionID,
		"shopId":  outcome.ShopID,
		"credits": outcome.Credits,
	})
}
