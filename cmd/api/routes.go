package main

import (
	"context"
	"net/http"

	"campaign-platform/internal/auth"
	"campaign-platform/internal/callbacks"
	"campaign-platform/internal/httpapi"
	"campaign-platform/internal/metrics"
	"campaign-platform/internal/notify"
	"campaign-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	AuthMW    gin.HandlerFunc
	Handlers  httpapi.Handlers
	Callbacks callbacks.WebhookHandler
	Events    notify.Subscriber
	Ready     func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if d.Ready != nil {
			if err := d.Ready(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metrics.Handler())

	// Worker callbacks (public, HMAC signed).
	r.POST("/webhooks/worker/callback", d.Callbacks.HandleCallback)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.AuthMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			oid, _ := auth.OrgID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "org_id": oid, "role": role})
		})

		h := d.Handlers
		readers := httpapi.RequireOrgAndAnyRole(rbac.CampaignReaders...)

		// CAMPAIGNS routes
		campaignsGroup := v1.Group("/campaigns")
		{
			campaignsGroup.POST("/upload", append(httpapi.RequireOrgAndAnyRole(rbac.CampaignWriters...), h.UploadCampaign)...)
			campaignsGroup.GET("", append(readers, h.ListCampaigns)...)
			campaignsGroup.GET("/:campaign_id", append(readers, h.GetCampaign)...)
		}

		// LEADS routes
		leads := v1.Group("/leads")
		leads.Use(readers...)
		{
			leads.GET("/campaign/:campaign_id", h.ListLeads)
			leads.GET("/:lead_id", h.GetLead)
		}

		// ANALYTICS routes
		analyticsGroup := v1.Group("/analytics")
		analyticsGroup.Use(readers...)
		{
			analyticsGroup.GET("/campaign/:campaign_id", h.CampaignMetrics)
			analyticsGroup.GET("/org", h.OrgMetrics)
			analyticsGroup.GET("/export/:campaign_id", h.ExportCampaign)
		}

		// Real-time events for the caller's org.
		v1.GET("/events", append(readers, notify.Stream(d.Events))...)
	}
}
