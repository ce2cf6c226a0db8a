package notify

import (
	"io"
	"net/http"
	"time"

	"campaign-platform/internal/auth"
	"campaign-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const keepAliveInterval = 25 * time.Second

// Stream relays the caller's org events as Server-Sent Events until the client
// goes away. The org comes from the verified token, never from the query.
func Stream(sub Subscriber) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := auth.OrgID(c.Request.Context())
		if err != nil || orgID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
			return
		}

		ctx := c.Request.Context()
		events, err := sub.Subscribe(ctx, orgID)
		if err != nil {
			logger.FromGin(c).Error("notify: subscribe failed", "org_id", orgID, "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		c.SSEvent("connected", gin.H{"org_id": orgID})
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case e, ok := <-events:
				if !ok {
					return false
				}
				c.SSEvent(string(e.Kind), e)
				return true
			case <-ticker.C:
				c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
				return true
			}
		})
	}
}
