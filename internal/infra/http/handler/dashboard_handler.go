package handler

import (
	"net/http"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// DashboardHandler handles dashboard-related HTTP requests.
type DashboardHandler struct {
	service *app.DashboardService
	logger  *logger.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(service *app.DashboardService, log *logger.Logger) *DashboardHandler {
	return &DashboardHandler{
		service: service,
		logger:  log.With("handler", "dashboard"),
	}
}

// DashboardStatsResponse represents the dashboard statistics response.
// Rates are percentages of all analyzed findings.
type DashboardStatsResponse struct {
	TotalScans        int                      `json:"total_scans"`
	TotalAnalyzed     int                      `json:"total_analyzed"`
	ByVerdict         map[triage.Verdict]int   `json:"by_verdict"`
	BySeverity        map[string]int           `json:"by_severity"`
	ByKind            map[triage.IssueKind]int `json:"by_kind"`
	FalsePositiveRate float64                  `json:"false_positive_rate"`
	TruePositiveRate  float64                  `json:"true_positive_rate"`
	NeedsReviewRate   float64                  `json:"needs_review_rate"`
	RecentScans       []ScanResponse           `json:"recent_scans"`
}

// GetStats handles GET /api/v1/dashboard/statistics
// @Summary      Dashboard statistics
// @Description  Verdict, severity and kind breakdowns over every analysis, plus recent scans
// @Tags         Dashboard
// @Produce      json
// @Success      200  {object}  DashboardStatsResponse
// @Failure      500  {object}  apierror.Response
// @Router       /dashboard/statistics [get]
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := DashboardStatsResponse{
		TotalScans:        stats.TotalScans,
		TotalAnalyzed:     stats.TotalAnalyzed,
		ByVerdict:         stats.ByVerdict,
		BySeverity:        stats.BySeverity,
		ByKind:            stats.ByKind,
		FalsePositiveRate: stats.FalsePositiveRate,
		TruePositiveRate:  stats.TruePositiveRate,
		NeedsReviewRate:   stats.NeedsReviewRate,
		RecentScans:       make([]ScanResponse, 0, len(stats.RecentScans)),
	}
	for _, s := range stats.RecentScans {
		resp.RecentScans = append(resp.RecentScans, toScanResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}
