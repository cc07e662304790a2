package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/store"
)

type promptRequest struct {
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	SystemPrompt string  `json:"system_prompt"`
	VoiceID      string  `json:"voice_id,omitempty"`
	LLMModel     string  `json:"llm_model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	GreetingText string  `json:"greeting_text,omitempty"`
}

func (r promptRequest) toModel() store.Prompt {
	p := store.Prompt{
		Name:         r.Name,
		Description:  r.Description,
		SystemPrompt: r.SystemPrompt,
		VoiceID:      r.VoiceID,
		LLMModel:     r.LLMModel,
		Temperature:  r.Temperature,
		GreetingText: r.GreetingText,
	}
	if p.Temperature <= 0 {
		p.Temperature = 0.7
	}
	return p
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h Handlers) CreatePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Name == "" || req.SystemPrompt == "" {
		badRequest(c, "name and system_prompt required")
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	p, err := h.Gateway.CreatePrompt(ctx, req.toModel())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h Handlers) UpdatePrompt(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p := req.toModel()
	p.ID = id

	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Gateway.UpdatePrompt(ctx, p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) DeletePrompt(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Gateway.DeletePrompt(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h Handlers) GetPrompt(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	p, err := h.Gateway.GetPrompt(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) ListPrompts(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	prompts, err := h.Gateway.ListPrompts(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

// ActivatePrompt makes one prompt the active default; the swap is atomic.
func (h Handlers) ActivatePrompt(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Gateway.ActivatePrompt(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated"})
}
