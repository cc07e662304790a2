package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/campaign"
	"voicebridge/internal/store"
)

type campaignRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	PromptID      int64  `json:"prompt_id,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Name == "" {
		badRequest(c, "name required")
		return
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 5
	}
	if req.MaxConcurrent > 50 {
		badRequest(c, "max_concurrent must be between 1 and 50")
		return
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	camp, err := h.Gateway.CreateCampaign(ctx, store.Campaign{
		Name:          req.Name,
		Description:   req.Description,
		PromptID:      req.PromptID,
		MaxConcurrent: req.MaxConcurrent,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()
	campaigns, err := h.Gateway.ListCampaigns(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

func (h Handlers) GetCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	camp, err := h.Gateway.GetCampaign(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	contacts, err := h.Gateway.ListContacts(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": camp, "contacts": contacts})
}

func (h Handlers) DeleteCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if h.Campaigns.IsRunning(id) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "campaign is running"})
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Gateway.DeleteCampaign(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ImportContacts accepts a CSV body (or multipart "file") and loads contacts
// into the campaign, skipping duplicates.
func (h Handlers) ImportContacts(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var raw []byte
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			badRequest(c, "unreadable file")
			return
		}
		defer f.Close()
		raw, err = io.ReadAll(io.LimitReader(f, 10<<20))
		if err != nil {
			badRequest(c, "unreadable file")
			return
		}
	} else {
		var err error
		raw, err = io.ReadAll(io.LimitReader(c.Request.Body, 10<<20))
		if err != nil || len(raw) == 0 {
			badRequest(c, "csv body or file field required")
			return
		}
	}

	contacts, err := campaign.ParseContacts(string(raw))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	imported, duplicates, err := h.Gateway.AddContacts(ctx, id, contacts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported, "duplicates": duplicates})
}

func (h Handlers) StartCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Campaigns.Start(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (h Handlers) PauseCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.Campaigns.Pause(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}
