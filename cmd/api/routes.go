package main

import (
	"github.com/gin-gonic/gin"

	"voicebridge/internal/dashboard"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/rbac"
	"voicebridge/internal/telephony"
)

// registerRoutes wires HTTP routes to handlers. Keep this file free of
// business logic; handlers delegate to internal services.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, media *telephony.MediaHandler, hub *dashboard.Hub, authMW gin.HandlerFunc) {
	// Public: health, switch media stream, dashboard stream, token issuance.
	r.GET("/healthz", h.Health)
	r.GET("/ws/:call_id", media.Handle)
	r.GET("/dashboard", hub.Handle)
	r.POST("/auth/login", h.Login)
	// Switch-facing: the dialplan announces inbound calls here before the
	// media stream connects.
	r.POST("/calls/inbound", h.InboundCall)

	// Operator API.
	api := r.Group("/")
	api.Use(authMW)
	api.Use(rbac.RequireAnyRole(rbac.RoleOperator))
	{
		api.GET("/stats", h.Stats)
		api.GET("/voices", h.ListVoices)
		api.GET("/reports/calls", h.CallsReport)

		calls := api.Group("/calls")
		{
			calls.POST("/dial", h.Dial)
			calls.GET("/active", h.ActiveCalls)
			calls.GET("", h.ListCalls)
			calls.GET("/:call_id", h.GetCall)
			calls.POST("/:call_id/hangup", h.HangupCall)
			calls.DELETE("/:call_id", h.DeleteCall)
		}

		prompts := api.Group("/prompts")
		{
			prompts.POST("", h.CreatePrompt)
			prompts.GET("", h.ListPrompts)
			prompts.GET("/:id", h.GetPrompt)
			prompts.PUT("/:id", h.UpdatePrompt)
			prompts.DELETE("/:id", h.DeletePrompt)
			prompts.POST("/:id/activate", h.ActivatePrompt)
		}

		campaigns := api.Group("/campaigns")
		{
			campaigns.POST("", h.CreateCampaign)
			campaigns.GET("", h.ListCampaigns)
			campaigns.GET("/:id", h.GetCampaign)
			campaigns.DELETE("/:id", h.DeleteCampaign)
			campaigns.POST("/:id/contacts", h.ImportContacts)
			campaigns.POST("/:id/start", h.StartCampaign)
			campaigns.POST("/:id/pause", h.PauseCampaign)
		}

		schedules := api.Group("/schedules")
		{
			schedules.POST("", h.CreateScheduledCall)
			schedules.GET("", h.ListScheduledCalls)
			schedules.POST("/:id/cancel", h.CancelScheduledCall)
		}

		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("", h.CreateWebhook)
			webhooks.GET("", h.ListWebhooks)
			webhooks.PUT("/:id", h.UpdateWebhook)
			webhooks.DELETE("/:id", h.DeleteWebhook)
			webhooks.POST("/:id/test", h.TestWebhook)
			webhooks.GET("/:id/deliveries", h.WebhookDeliveries)
		}

		st := api.Group("/settings")
		{
			st.GET("", h.ListSettings)
			st.POST("", h.SetSetting)
			st.POST("/reload", h.ReloadSettings)
		}
	}
}
