package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"campaign-platform/internal/analytics"
	"campaign-platform/internal/auth"
	"campaign-platform/internal/campaigns"
	"campaign-platform/internal/ingest"
	"campaign-platform/internal/rbac"
	"campaign-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const maxUploadBytes = 10 << 20

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Campaigns *campaigns.Service
	Analytics *analytics.Service

	validate *validator.Validate
}

func NewHandlers(c *campaigns.Service, a *analytics.Service) Handlers {
	return Handlers{Campaigns: c, Analytics: a, validate: validator.New()}
}

// --- Campaigns ---

type uploadForm struct {
	AgentReference string `validate:"required,max=255"`
	ColumnMapping  ingest.ColumnMapping
}

// UploadCampaign ingests a spreadsheet and creates a campaign from it.
// RBAC: campaign writers.
func (h Handlers) UploadCampaign(c *gin.Context) {
	if h.Campaigns == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaigns not configured"})
		return
	}
	log := logger.FromGin(c)
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	userID, _ := auth.UserID(c.Request.Context())

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	form := uploadForm{AgentReference: c.PostForm("agent_reference")}
	if err := json.Unmarshal([]byte(c.PostForm("column_mapping")), &form.ColumnMapping); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid column_mapping json"})
		return
	}
	if err := h.validator().Struct(form); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	parsed, err := ingest.Parse(f, form.ColumnMapping)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.Campaigns.CreateCampaign(c.Request.Context(), campaigns.CreateInput{
		OrgID:          orgID,
		AgentReference: form.AgentReference,
		ActorUserID:    userID,
		Leads:          parsed.Valid,
		Rejected:       parsed.Rejected,
	})
	body := gin.H{
		"campaign_id":       res.Campaign.ID,
		"status":            res.Campaign.Status,
		"valid_leads":       len(parsed.Valid),
		"errors":            len(parsed.Rejected),
		"validation_errors": rejectedOrEmpty(parsed.Rejected),
	}
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, body)
	case campaigns.IsDispatchFailure(err):
		// The campaign exists and is FAILED; report both.
		log.Error("campaign dispatch failed", "campaign_id", res.Campaign.ID, "err", err)
		body["error"] = "dispatch to worker failed"
		c.AbortWithStatusJSON(http.StatusBadGateway, body)
	default:
		h.fail(c, err)
	}
}

// ListCampaigns returns the caller's campaigns, newest first.
// Optional ?days=N limits to campaigns created in the last N days.
func (h Handlers) ListCampaigns(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	days, ok := intQuery(c, "days")
	if !ok {
		return
	}
	var since time.Time
	if days > 0 {
		since = time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	}
	out, err := h.Campaigns.ListCampaigns(c.Request.Context(), orgID, since)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	out, err := h.Campaigns.GetCampaign(c.Request.Context(), orgID, c.Param("campaign_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Leads ---

func (h Handlers) ListLeads(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	out, err := h.Campaigns.ListLeads(c.Request.Context(), orgID, c.Param("campaign_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetLead(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	out, err := h.Campaigns.GetLead(c.Request.Context(), orgID, c.Param("lead_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Analytics ---

func (h Handlers) CampaignMetrics(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	out, err := h.Analytics.CampaignMetrics(c.Request.Context(), orgID, c.Param("campaign_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) OrgMetrics(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	days, ok := intQuery(c, "days")
	if !ok {
		return
	}
	out, err := h.Analytics.OrgMetrics(c.Request.Context(), analytics.OrgMetricsRequest{
		OrgID:      orgID,
		CampaignID: c.Query("campaign_id"),
		Days:       days,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ExportCampaign streams the campaign's leads as csv (default) or xlsx.
func (h Handlers) ExportCampaign(c *gin.Context) {
	orgID, ok := orgFrom(c)
	if !ok {
		return
	}
	format := analytics.Format(c.DefaultQuery("format", string(analytics.FormatCSV)))
	name, body, err := h.Analytics.Export(c.Request.Context(), orgID, c.Param("campaign_id"), format)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	c.Data(http.StatusOK, format.ContentType(), body)
}

// --- helpers ---

func (h Handlers) validator() *validator.Validate {
	if h.validate != nil {
		return h.validate
	}
	return validator.New()
}

// fail maps service errors to HTTP responses.
func (h Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaigns.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, campaigns.ErrInvalidArgument), errors.Is(err, analytics.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func orgFrom(c *gin.Context) (string, bool) {
	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return "", false
	}
	return orgID, true
}

func intQuery(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func rejectedOrEmpty(r []campaigns.RejectedLead) []campaigns.RejectedLead {
	if r == nil {
		return []campaigns.RejectedLead{}
	}
	return r
}

// Convenience middleware bundles.

func RequireOrgAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrg(), rbac.RequireAnyRole(roles...)}
}
