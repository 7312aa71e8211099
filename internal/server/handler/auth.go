package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/convochain/convochain/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler exchanges the shared operator secret for a session token.
type AuthHandler struct {
	tokens *identity.TokenIssuer
	secret string
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler. secret is the deployment's
// operator secret; when empty, token issuance is disabled.
func NewAuthHandler(tokens *identity.TokenIssuer, secret string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, secret: secret, logger: logger}
}

// Register mounts the auth routes on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.IssueToken)
}

// IssueToken handles POST /auth/token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req struct {
		Operator string `json:"operator" binding:"required"`
		Secret   string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator and secret are required"})
		return
	}

	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator secret not configured"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		h.logger.Warn("operator token request with wrong secret", zap.String("operator", req.Operator))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	tok, err := h.tokens.Issue(req.Operator)
	if err != nil {
		h.logger.Error("issue operator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// RequireOperator returns a middleware that admits only requests
// bearing a valid operator token. Rebuild and migrate mutate recorded
// history, so they sit behind this gate.
func RequireOperator(tokens *identity.TokenIssuer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator token required"})
			return
		}

		claims, err := tokens.Verify(tok)
		if err != nil {
			logger.Warn("rejected operator token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}
