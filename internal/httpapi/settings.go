package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListSettings renders every setting with secrets masked.
func (h Handlers) ListSettings(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	rows, err := h.Gateway.AllSettings(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, s := range rows {
		out = append(out, gin.H{
			"key":           s.Key,
			"value":         s.MaskedValue(),
			"is_secret":     s.IsSecret,
			"is_configured": s.Value != "",
			"updated_at":    s.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

type setSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetSetting persists a key and refreshes the live snapshot.
func (h Handlers) SetSetting(c *gin.Context) {
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Key == "" {
		badRequest(c, "key required")
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Settings.Set(ctx, req.Key, req.Value); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// ReloadSettings re-reads every key without a restart.
func (h Handlers) ReloadSettings(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Settings.Reload(ctx); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
