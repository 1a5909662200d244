package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Orbo/internal/pkg/initdata"
	"github.com/Gopher0727/Orbo/internal/service"
	"github.com/Gopher0727/Orbo/middleware/jwt"
)

type AuthHandler struct {
	authService service.IAuthService
}

func NewAuthHandler(authService service.IAuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// AuthenticateTelegram exchanges a mini-app launch payload for a session token.
func (h *AuthHandler) AuthenticateTelegram(c *gin.Context) {
	var req service.TelegramAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.authService.AuthenticateTelegram(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, initdata.ErrExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "launch payload expired", "reason": "expired"})
		case errors.Is(err, initdata.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "launch payload rejected", "reason": "invalid_signature"})
		case errors.Is(err, initdata.ErrMalformedInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed launch payload", "reason": "malformed"})
		case errors.Is(err, service.ErrIdentityNotLinked):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "reason": "not_linked"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to authenticate"})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RefreshToken reissues a token that is close to expiry.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
		return
	}

	fresh, err := h.authService.RefreshToken(c.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrRefreshWindow):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": fresh})
}
