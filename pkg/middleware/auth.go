package middleware

import (
	stderrors "errors"
	"strings"

	"github.com/gin-gonic/gin"

	"icebreaker/backend/pkg/errors"
	"icebreaker/backend/pkg/jwt"
)

// Context keys set by Auth
const (
	ContextUserID = "userId"
	ContextHandle = "handle"
	ContextClaims = "claims"
)

// TokenValidator validates identity tokens
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// Auth requires a valid identity token, read from the Authorization header
// or, for websocket upgrades that cannot set headers, the token query param.
func Auth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			_ = c.Error(errors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			code := "INVALID_TOKEN"
			if stderrors.Is(err, jwt.ErrExpiredToken) {
				code = "TOKEN_EXPIRED"
			}
			_ = c.Error(errors.NewUnauthorizedError(code, err.Error()))
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID())
		c.Set(ContextHandle, claims.Handle)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// UserID returns the authenticated author id, or "" before Auth ran
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
