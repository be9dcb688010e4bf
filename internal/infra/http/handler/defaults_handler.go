package handler

import (
	"net/http"
	"time"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// DefaultsHandler handles the process-wide default settings.
type DefaultsHandler struct {
	service *app.DefaultsService
	logger  *logger.Logger
}

// NewDefaultsHandler creates a new DefaultsHandler.
func NewDefaultsHandler(service *app.DefaultsService, log *logger.Logger) *DefaultsHandler {
	return &DefaultsHandler{
		service: service,
		logger:  log.With("handler", "defaults"),
	}
}

// DefaultsResponse represents the defaults. API keys are masked.
type DefaultsResponse struct {
	Settings  configuration.Settings `json:"settings"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
}

func toDefaultsResponse(d *configuration.Defaults) DefaultsResponse {
	resp := DefaultsResponse{Settings: maskSettings(d.Settings())}
	if t := d.UpdatedAt(); !t.IsZero() {
		resp.UpdatedAt = &t
	}
	return resp
}

// Get handles GET /api/v1/defaults
// @Summary      Get defaults
// @Tags         Defaults
// @Produce      json
// @Success      200  {object}  DefaultsResponse
// @Router       /defaults [get]
func (h *DefaultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.GetDefaults(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDefaultsResponse(d))
}

// Put handles PUT /api/v1/defaults
// @Summary      Replace defaults
// @Description  Only the model endpoint, SonarQube URL, GitHub owner, source provider and API keys can be defaulted
// @Tags         Defaults
// @Accept       json
// @Produce      json
// @Param        request  body      app.SettingsInput  true  "Defaults"
// @Success      200  {object}  DefaultsResponse
// @Failure      422  {object}  apierror.Response
// @Router       /defaults [put]
func (h *DefaultsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var input app.SettingsInput
	if !decodeJSON(w, r, &input, false) {
		return
	}

	d, err := h.service.SaveDefaults(r.Context(), input)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDefaultsResponse(d))
}

// Delete handles DELETE /api/v1/defaults
func (h *DefaultsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearDefaults(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
