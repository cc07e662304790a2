package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/dialing"
	"voicebridge/internal/store"
)

type dialRequest struct {
	Number   string `json:"number"`
	PromptID int64  `json:"prompt_id,omitempty"`
}

// Dial places an ad-hoc outbound call.
func (h Handlers) Dial(c *gin.Context) {
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Number == "" {
		badRequest(c, "number required")
		return
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	sess, err := h.Dialing.Dial(ctx, dialing.LaunchRequest{Number: req.Number, PromptID: req.PromptID})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": sess.CallID(), "state": string(sess.State())})
}

type inboundRequest struct {
	CallID string `json:"call_id"`
	Caller string `json:"caller,omitempty"`
	Called string `json:"called,omitempty"`
}

// InboundCall is hit by the switch dialplan to announce an inbound call
// before its media WebSocket connects.
func (h Handlers) InboundCall(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.CallID == "" {
		badRequest(c, "call_id required")
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	sess, err := h.Dialing.AcceptInbound(ctx, req.CallID, req.Caller, req.Called)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": sess.CallID(), "state": string(sess.State())})
}

// HangupCall forces a live call into teardown.
func (h Handlers) HangupCall(c *gin.Context) {
	if err := h.Dialing.Hangup(c.Param("call_id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "hanging_up"})
}

// ActiveCalls lists live sessions.
func (h Handlers) ActiveCalls(c *gin.Context) {
	sessions := h.Registry.Active()
	out := make([]gin.H, 0, len(sessions))
	now := time.Now()
	for _, s := range sessions {
		out = append(out, gin.H{
			"call_id":          s.CallID(),
			"state":            string(s.State()),
			"direction":        string(s.Direction()),
			"started_at":       s.StartedAt().UTC(),
			"duration_seconds": now.Sub(s.StartedAt()).Seconds(),
			"messages":         len(s.Transcript()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

// ListCalls pages through call history.
func (h Handlers) ListCalls(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	q := store.ListCallsQuery{
		Page:    page,
		PerPage: perPage,
		Status:  store.CallStatus(c.Query("status")),
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	calls, total, err := h.Gateway.ListCalls(ctx, q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls, "total": total, "page": q.Page, "per_page": q.PerPage})
}

// GetCall returns one call with its committed transcript.
func (h Handlers) GetCall(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	call, err := h.Gateway.GetCall(ctx, c.Param("call_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// DeleteCall removes a call record and its messages.
func (h Handlers) DeleteCall(c *gin.Context) {
	callID := c.Param("call_id")
	if _, live := h.Registry.Get(callID); live {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call is still active"})
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Gateway.DeleteCall(ctx, callID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
