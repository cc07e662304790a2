package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/store"
)

type scheduleRequest struct {
	PhoneNumber   string    `json:"phone_number"`
	PromptID      int64     `json:"prompt_id,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Notes         string    `json:"notes,omitempty"`
}

func (h Handlers) CreateScheduledCall(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.PhoneNumber == "" {
		badRequest(c, "phone_number required")
		return
	}
	if req.ScheduledTime.IsZero() || req.ScheduledTime.Before(time.Now()) {
		badRequest(c, "scheduled_time must be in the future")
		return
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	sc, err := h.Gateway.CreateScheduledCall(ctx, store.ScheduledCall{
		PhoneNumber:   req.PhoneNumber,
		PromptID:      req.PromptID,
		ScheduledTime: req.ScheduledTime.UTC(),
		Notes:         req.Notes,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (h Handlers) ListScheduledCalls(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	schedules, err := h.Gateway.ListScheduledCalls(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled_calls": schedules})
}

// CancelScheduledCall cancels a schedule; only pending rows may be cancelled.
func (h Handlers) CancelScheduledCall(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Gateway.CancelScheduledCall(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
