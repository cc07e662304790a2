package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/auth"
	"voicebridge/internal/campaign"
	"voicebridge/internal/dialing"
	"voicebridge/internal/reporting"
	"voicebridge/internal/session"
	"voicebridge/internal/settings"
	"voicebridge/internal/store"
	"voicebridge/internal/telephony"
	"voicebridge/internal/tts"
	"voicebridge/internal/webhook"
)

// Handlers groups HTTP handlers for dependency injection. Keep these thin:
// parse/validate input, call internal services, return JSON. Long-running
// work lives in the services, never here.
type Handlers struct {
	Auth      *auth.Manager
	Gateway   store.Gateway
	Registry  *session.Registry
	Dialing   *dialing.Service
	Campaigns *campaign.Manager
	Webhooks  *webhook.Dispatcher
	Settings  *settings.Store
	Reports   *reporting.Service
	Voices    tts.Client
	Log       *slog.Logger
}

func (h Handlers) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// fail maps service errors onto the API status-code contract.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, session.ErrDuplicateCall),
		errors.Is(err, session.ErrAdmissionDenied),
		errors.Is(err, campaign.ErrNotStartable),
		errors.Is(err, campaign.ErrNotRunning):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, telephony.ErrInvalidNumber):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func reqCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}

/* ===================== Auth ===================== */

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair. Credential validation sits in front of this
// service (reverse proxy / SSO); the endpoint only mints operator tokens.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.UserID == "" || req.Role == "" {
		badRequest(c, "user_id and role required")
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

/* ===================== Stats & health ===================== */

func (h Handlers) Health(c *gin.Context) {
	active := 0
	if h.Registry != nil {
		active = h.Registry.Snapshot().Active
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_calls": active})
}

func (h Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Registry.Snapshot())
}

/* ===================== Voices ===================== */

func (h Handlers) ListVoices(c *gin.Context) {
	if h.Voices == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "tts not configured"})
		return
	}
	lang := c.DefaultQuery("language", "pt-BR")
	ctx, cancel := reqCtx(c)
	defer cancel()
	voices, err := h.Voices.Voices(ctx, lang)
	if err != nil {
		h.log().Warn("voice listing failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "voice catalog unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"voices": voices})
}
