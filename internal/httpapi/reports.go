package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/reporting"
)

// CallsReport aggregates call history over a range; defaults to the last 24
// hours.
func (h Handlers) CallsReport(c *gin.Context) {
	now := time.Now().UTC()
	r := reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now}

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "from must be RFC3339")
			return
		}
		r.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "to must be RFC3339")
			return
		}
		r.To = t
	}

	ctx, cancel := reqCtx(c)
	defer cancel()
	sum, err := h.Reports.CallsSummary(ctx, r)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			badRequest(c, err.Error())
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": r, "summary": sum})
}
