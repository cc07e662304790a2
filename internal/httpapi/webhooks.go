package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/session"
	"voicebridge/internal/store"
)

type webhookRequest struct {
	URL      string   `json:"url"`
	Events   []string `json:"events,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
	Secret   string   `json:"secret,omitempty"`
}

func validEvents(events []string) bool {
	for _, e := range events {
		found := false
		for _, known := range session.SupportedEvents {
			if e == known {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (h Handlers) CreateWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.URL == "" {
		badRequest(c, "url required")
		return
	}
	if !validEvents(req.Events) {
		badRequest(c, "unknown event in subscription")
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	w, err := h.Gateway.CreateWebhook(ctx, store.WebhookConfig{
		URL: req.URL, Events: req.Events, IsActive: active, Secret: req.Secret,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h Handlers) UpdateWebhook(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !validEvents(req.Events) {
		badRequest(c, "unknown event in subscription")
		return
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	cur, err := h.Gateway.GetWebhook(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	if req.URL != "" {
		cur.URL = req.URL
	}
	if req.Events != nil {
		cur.Events = req.Events
	}
	if req.IsActive != nil {
		cur.IsActive = *req.IsActive
	}
	if req.Secret != "" {
		cur.Secret = req.Secret
	}
	out, err := h.Gateway.UpdateWebhook(ctx, cur)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) DeleteWebhook(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Gateway.DeleteWebhook(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h Handlers) ListWebhooks(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	hooks, err := h.Gateway.ListWebhooks(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks})
}

// TestWebhook fires one signed test event and reports the endpoint's answer.
func (h Handlers) TestWebhook(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	status, err := h.Webhooks.SendTest(ctx, id)
	if err != nil {
		if status == 0 {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": status >= 200 && status < 300, "status_code": status})
}

// WebhookDeliveries lists the delivery log for one webhook.
func (h Handlers) WebhookDeliveries(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := reqCtx(c)
	defer cancel()
	logs, err := h.Gateway.ListWebhookDeliveries(ctx, id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": logs})
}
