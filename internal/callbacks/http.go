package callbacks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"campaign-platform/internal/campaigns"
	"campaign-platform/internal/metrics"
	"campaign-platform/pkg/logger"
	"campaign-platform/pkg/secure"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	headerSignature = "X-Signature"
	maxBodyBytes    = 1 << 20
)

// payload is the JSON body posted by the worker.
type payload struct {
	CampaignID       string                 `json:"campaign_id" validate:"required"`
	LeadID           string                 `json:"lead_id" validate:"required"`
	Phone            string                 `json:"phone"`
	Outcome          string                 `json:"outcome" validate:"required"`
	Timestamp        string                 `json:"timestamp" validate:"required"`
	MeetingDetails   *campaigns.Appointment `json:"meeting_details,omitempty"`
	SiteVisitDetails *campaigns.Appointment `json:"site_visit_details,omitempty"`
}

// WebhookHandler authenticates worker callbacks and hands them to Handler.
//
// The signature covers the raw body and is checked before anything is parsed.
type WebhookHandler struct {
	Handler *Handler
	Secret  string

	validate *validator.Validate
}

func NewWebhookHandler(h *Handler, secret string) WebhookHandler {
	return WebhookHandler{Handler: h, Secret: secret, validate: validator.New()}
}

func (w WebhookHandler) HandleCallback(c *gin.Context) {
	log := logger.FromGin(c)

	if w.Handler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback handler not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !secure.Verify(body, c.GetHeader(headerSignature), w.Secret) {
		metrics.Callbacks.WithLabelValues("rejected").Inc()
		log.Warn("callback signature rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	v := w.validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := w.Handler.Handle(c.Request.Context(), Request{
		CampaignID:       p.CampaignID,
		LeadID:           p.LeadID,
		Outcome:          p.Outcome,
		Timestamp:        p.Timestamp,
		MeetingDetails:   p.MeetingDetails,
		SiteVisitDetails: p.SiteVisitDetails,
	})
	switch {
	case err == nil:
	case errors.Is(err, campaigns.ErrNotFound):
		log.Warn("callback for unknown campaign or lead", "campaign_id", p.CampaignID, "lead_id", p.LeadID)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign or lead not found"})
		return
	case errors.Is(err, ErrNotDispatched):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "lead was never dispatched"})
		return
	case errors.Is(err, ErrInvalidPayload):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		log.Error("callback processing failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback processing failed"})
		return
	}

	if res.Duplicate {
		out := gin.H{"message": "callback already processed", "duplicate": true}
		if res.Lead.ID != "" {
			out["lead"] = leadView(res.Lead)
		}
		c.JSON(http.StatusOK, out)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "callback processed", "duplicate": false, "lead": leadView(res.Lead)})
}

// leadView omits the stored phone ciphertext.
func leadView(l campaigns.Lead) gin.H {
	return gin.H{
		"lead_id":            l.ID,
		"campaign_id":        l.CampaignID,
		"status":             l.Status,
		"outcome":            l.Outcome,
		"meeting_details":    l.MeetingDetails,
		"site_visit_details": l.SiteVisitDetails,
		"timestamp":          l.Timestamp,
	}
}
