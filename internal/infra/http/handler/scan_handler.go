package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/sarif"
)

// ScanHandler handles HTTP requests for scans.
type ScanHandler struct {
	service     *app.ScanService
	toolVersion string
	logger      *logger.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(service *app.ScanService, log *logger.Logger) *ScanHandler {
	return &ScanHandler{
		service: service,
		logger:  log.With("handler", "scan"),
	}
}

// WithToolVersion sets the driver version written into SARIF exports.
func (h *ScanHandler) WithToolVersion(v string) *ScanHandler {
	h.toolVersion = v
	return h
}

// --- Request/Response Types ---

// StartScanRequest is the body of POST /scans.
type StartScanRequest struct {
	ConfigurationID string `json:"configuration_id"`
}

// ScanResponse represents a scan.
type ScanResponse struct {
	ID              string     `json:"id"`
	ConfigurationID string     `json:"configuration_id"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	Message         string     `json:"message"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ControlRequest  string     `json:"control_request,omitempty"`
	ProjectKey      string     `json:"project_key,omitempty"`
	TotalFindings   int        `json:"total_findings"`
	Processed       int        `json:"processed"`
	FalsePositives  int        `json:"false_positives"`
	TruePositives   int        `json:"true_positives"`
	NeedsReview     int        `json:"needs_review"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AnalysisResponse represents one classified finding.
type AnalysisResponse struct {
	ID                  string           `json:"id"`
	Position            int              `json:"position"`
	Finding             triage.Finding   `json:"finding"`
	Verdict             triage.Verdict   `json:"verdict"`
	Confidence          *float64         `json:"confidence,omitempty"`
	ShortReason         string           `json:"short_reason"`
	DetailedExplanation string           `json:"detailed_explanation"`
	FixSuggestion       *string          `json:"fix_suggestion,omitempty"`
	SeverityOverride    *triage.Severity `json:"severity_override,omitempty"`
	SourceSnippet       *string          `json:"source_snippet,omitempty"`
	AnalyzedAt          time.Time        `json:"analyzed_at"`
}

// ScanDetailResponse is a scan with its analyses in finding order.
type ScanDetailResponse struct {
	ScanResponse
	Analyses []AnalysisResponse `json:"analyses"`
}

// ScanStatusResponse is the polling view of a scan.
type ScanStatusResponse struct {
	ScanID         string  `json:"scan_id"`
	Status         string  `json:"status"`
	Progress       int     `json:"progress"`
	Message        string  `json:"message"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	TotalFindings  int     `json:"total_findings"`
	Processed      int     `json:"processed"`
	FalsePositives int     `json:"false_positives"`
	TruePositives  int     `json:"true_positives"`
	NeedsReview    int     `json:"needs_review"`
}

func toScanResponse(s *triage.Scan) ScanResponse {
	c := s.Counts()
	return ScanResponse{
		ID:              s.ID().String(),
		ConfigurationID: s.ConfigurationID().String(),
		Status:          string(s.Status()),
		Progress:        s.Progress(),
		Message:         s.Message(),
		ErrorMessage:    s.ErrorMessage(),
		ControlRequest:  string(s.Control()),
		ProjectKey:      s.ProjectKey(),
		TotalFindings:   c.Total,
		Processed:       c.Processed(),
		FalsePositives:  c.FalsePositives,
		TruePositives:   c.TruePositives,
		NeedsReview:     c.NeedsReview,
		StartedAt:       s.StartedAt(),
		CompletedAt:     s.CompletedAt(),
		UpdatedAt:       s.UpdatedAt(),
	}
}

func toAnalysisResponse(a *triage.Analysis) AnalysisResponse {
	return AnalysisResponse{
		ID:                  a.ID().String(),
		Position:            a.Position(),
		Finding:             a.Finding(),
		Verdict:             a.Verdict(),
		Confidence:          a.Confidence(),
		ShortReason:         a.ShortReason(),
		DetailedExplanation: a.DetailedExplanation(),
		FixSuggestion:       a.FixSuggestion(),
		SeverityOverride:    a.SeverityOverride(),
		SourceSnippet:       a.SourceSnippet(),
		AnalyzedAt:          a.AnalyzedAt(),
	}
}

// --- Handlers ---

// Start handles POST /api/v1/scans
// @Summary      Start scan
// @Description  Create a pending scan for a configuration and queue it
// @Tags         Scans
// @Accept       json
// @Produce      json
// @Param        request  body      StartScanRequest  true  "Configuration to scan"
// @Success      202  {object}  ScanResponse
// @Failure      404  {object}  apierror.Response
// @Failure      422  {object}  apierror.Response
// @Router       /scans [post]
func (h *ScanHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartScanRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	scan, err := h.service.StartScan(r.Context(), req.ConfigurationID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toScanResponse(scan))
}

// List handles GET /api/v1/scans
// @Summary      List scans
// @Description  List scans, newest first
// @Tags         Scans
// @Produce      json
// @Param        configuration_id  query  string  false  "Filter by configuration"
// @Param        status            query  string  false  "Filter by status"
// @Param        offset            query  int     false  "Offset"  default(0)
// @Param        limit             query  int     false  "Limit"   default(50)
// @Success      200  {object}  ListResponse[ScanResponse]
// @Router       /scans [get]
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	scans, err := h.service.ListScans(r.Context(), app.ListScansInput{
		ConfigurationID: r.URL.Query().Get("configuration_id"),
		Status:          r.URL.Query().Get("status"),
		Offset:          offset,
		Limit:           limit,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	items := make([]ScanResponse, 0, len(scans))
	for _, s := range scans {
		items = append(items, toScanResponse(s))
	}
	writeJSON(w, http.StatusOK, ListResponse[ScanResponse]{Data: items, Offset: offset, Limit: limit})
}

// Get handles GET /api/v1/scans/{id}
// @Summary      Get scan
// @Description  Get a scan with every analysis recorded so far
// @Tags         Scans
// @Produce      json
// @Param        id   path      string  true  "Scan ID"
// @Success      200  {object}  ScanDetailResponse
// @Failure      404  {object}  apierror.Response
// @Router       /scans/{id} [get]
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetScan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := ScanDetailResponse{
		ScanResponse: toScanResponse(detail.Scan),
		Analyses:     make([]AnalysisResponse, 0, len(detail.Analyses)),
	}
	for _, a := range detail.Analyses {
		resp.Analyses = append(resp.Analyses, toAnalysisResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SARIF handles GET /api/v1/scans/{id}/sarif
// @Summary      Export scan as SARIF
// @Description  SARIF 2.1.0 log of every analysis recorded so far. False positives carry an accepted suppression.
// @Tags         Scans
// @Produce      json
// @Param        id   path      string  true  "Scan ID"
// @Success      200  {object}  sarif.Log
// @Failure      404  {object}  apierror.Response
// @Router       /scans/{id}/sarif [get]
func (h *ScanHandler) SARIF(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetScan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/sarif+json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.sarif"`, detail.Scan.ID()))
	w.WriteHeader(http.StatusOK)
	if err := sarif.Encode(w, sarif.FromScan(detail.Scan, detail.Analyses, h.toolVersion)); err != nil {
		h.logger.WithContext(r.Context()).Warn("sarif export interrupted", "scan_id", detail.Scan.ID().String(), "error", err)
	}
}

// Status handles GET /api/v1/scans/{id}/status
func (h *ScanHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ScanStatusResponse{
		ScanID:         st.ScanID.String(),
		Status:         string(st.Status),
		Progress:       st.Progress,
		Message:        st.Message,
		ErrorMessage:   st.ErrorMessage,
		TotalFindings:  st.Counts.Total,
		Processed:      st.Counts.Processed(),
		FalsePositives: st.Counts.FalsePositives,
		TruePositives:  st.Counts.TruePositives,
		NeedsReview:    st.Counts.NeedsReview,
	})
}

// Pause handles POST /api/v1/scans/{id}/pause
// @Summary      Pause scan
// @Description  Ask a running scan to pause after its current finding
// @Tags         Scans
// @Produce      json
// @Param        id   path      string  true  "Scan ID"
// @Success      202  {object}  ScanResponse
// @Failure      409  {object}  apierror.Response
// @Router       /scans/{id}/pause [post]
func (h *ScanHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.PauseScan)
}

// Resume handles POST /api/v1/scans/{id}/resume
func (h *ScanHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.ResumeScan)
}

// Stop handles POST /api/v1/scans/{id}/stop
func (h *ScanHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.StopScan)
}

// control answers 202: the request is recorded, the orchestrator acts on it at
// its next checkpoint.
func (h *ScanHandler) control(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) (*triage.Scan, error)) {
	scan, err := action(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toScanResponse(scan))
}

// Delete handles DELETE /api/v1/scans/{id}
// @Summary      Delete scan
// @Description  Delete a pending or finished scan and its analyses
// @Tags         Scans
// @Param        id   path  string  true  "Scan ID"
// @Success      204
// @Failure      409  {object}  apierror.Response
// @Router       /scans/{id} [delete]
func (h *ScanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteScan(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
