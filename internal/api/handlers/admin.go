package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/nikhilbhutani/promptrunner/internal/audit"
)

type UsageReader interface {
	GetUsageSummary(ctx context.Context, q audit.UsageQuery) ([]audit.UsageSummary, error)
}

type AdminHandler struct {
	usage UsageReader
}

func NewAdminHandler(usage UsageReader) *AdminHandler {
	return &AdminHandler{usage: usage}
}

func (h *AdminHandler) Usage(w http.ResponseWriter, r *http.Request) {
	q := audit.UsageQuery{Provider: r.URL.Query().Get("provider")}

	for param, dst := range map[string]**time.Time{"start_date": &q.StartDate, "end_date": &q.EndDate} {
		s := r.URL.Query().Get(param)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, param+" must be RFC 3339")
			return
		}
		*dst = &t
	}

	summary, err := h.usage.GetUsageSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": summary})
}
