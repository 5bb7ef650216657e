package api

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"icebreaker/backend/internal/models"
	"icebreaker/backend/pkg/errors"
	"icebreaker/backend/pkg/logger"
	"icebreaker/backend/pkg/middleware"
)

// MaxHandleLength is the longest accepted handle, in runes
const MaxHandleLength = 32

// IdentityStore issues and reads anonymous identities
type IdentityStore interface {
	CreateIdentity(ctx context.Context, handle string) (*models.Identity, error)
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
}

// TokenIssuer signs identity tokens
type TokenIssuer interface {
	GenerateToken(userID, handle string) (string, error)
}

// AuthHandler issues anonymous identities
type AuthHandler struct {
	identities IdentityStore
	tokens     TokenIssuer
	logger     *logger.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(identities IdentityStore, tokens TokenIssuer, log *logger.Logger) *AuthHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AuthHandler{
		identities: identities,
		tokens:     tokens,
		logger:     log.WithComponent("auth"),
	}
}

// AnonymousRequest is the body of POST /auth/anonymous
type AnonymousRequest struct {
	Handle string `json:"handle"`
}

// AnonymousResponse carries the new identity and its token
type AnonymousResponse struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
	Token  string `json:"token"`
}

// IdentityResponse describes the caller's identity
type IdentityResponse struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
}

// RegisterRoutes mounts the auth routes on rg
func (h *AuthHandler) RegisterRoutes(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	g := rg.Group("/auth")
	g.POST("/anonymous", h.Anonymous)
	g.GET("/me", auth, h.Me)
}

// Anonymous creates an identity with the requested handle, "anon" when blank
func (h *AuthHandler) Anonymous(c *gin.Context) {
	var req AnonymousRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errors.NewBadRequestError("INVALID_REQUEST", "Invalid request format"))
			return
		}
	}

	handle := strings.TrimSpace(req.Handle)
	if utf8.RuneCountInString(handle) > MaxHandleLength {
		_ = c.Error(errors.NewBadRequestError("INVALID_HANDLE", "Handle must be at most 32 characters"))
		return
	}

	ident, err := h.identities.CreateIdentity(c.Request.Context(), handle)
	if err != nil {
		_ = c.Error(errors.Wrap(err, http.StatusInternalServerError, "IDENTITY_FAILED", "Failed to create identity"))
		return
	}

	token, err := h.tokens.GenerateToken(ident.ID, ident.Handle)
	if err != nil {
		_ = c.Error(errors.Wrap(err, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue token"))
		return
	}

	h.logger.Info("anonymous identity issued", "user_id", ident.ID)
	c.JSON(http.StatusCreated, AnonymousResponse{
		UserID: ident.ID,
		Handle: ident.Handle,
		Token:  token,
	})
}

// Me returns the identity behind the caller's token
func (h *AuthHandler) Me(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		_ = c.Error(errors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
		return
	}

	handle := c.GetString(middleware.ContextHandle)
	ident, err := h.identities.GetIdentity(c.Request.Context(), userID)
	switch {
	case err == nil:
		handle = ident.Handle
	case handle == "":
		handle = models.DefaultHandle
	}
	if err != nil {
		h.logger.Debug("identity lookup failed, using token handle", "user_id", userID, "error", err.Error())
	}

	c.JSON(http.StatusOK, IdentityResponse{UserID: userID, Handle: handle})
}
