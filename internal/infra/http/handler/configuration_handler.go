package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// ConfigurationHandler handles configuration CRUD, the merged view and
// connection tests.
type ConfigurationHandler struct {
	service *app.ConfigurationService
	logger  *logger.Logger
}

// NewConfigurationHandler creates a new ConfigurationHandler.
func NewConfigurationHandler(service *app.ConfigurationService, log *logger.Logger) *ConfigurationHandler {
	return &ConfigurationHandler{
		service: service,
		logger:  log.With("handler", "configuration"),
	}
}

// ConfigurationResponse represents a configuration. API keys are masked.
type ConfigurationResponse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	IsActive  bool                   `json:"is_active"`
	Settings  configuration.Settings `json:"settings"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// MergedConfigurationResponse is the effective configuration with the layer
// each value came from.
type MergedConfigurationResponse struct {
	ID      string                                      `json:"id"`
	Name    string                                      `json:"name"`
	Values  map[configuration.Field]configuration.Value `json:"values"`
	Missing []string                                    `json:"missing"`
	Ready   bool                                        `json:"ready"`
}

func maskSettings(s configuration.Settings) configuration.Settings {
	s.LLMAPIKey = configuration.MaskSecret(s.LLMAPIKey)
	s.SonarQubeAPIKey = configuration.MaskSecret(s.SonarQubeAPIKey)
	s.GitHubAPIKey = configuration.MaskSecret(s.GitHubAPIKey)
	return s
}

func toConfigurationResponse(c *configuration.Configuration) ConfigurationResponse {
	return ConfigurationResponse{
		ID:        c.ID().String(),
		Name:      c.Name(),
		IsActive:  c.IsActive(),
		Settings:  maskSettings(c.Settings()),
		CreatedAt: c.CreatedAt(),
		UpdatedAt: c.UpdatedAt(),
	}
}

// Create handles POST /api/v1/configurations
// @Summary      Create configuration
// @Tags         Configurations
// @Accept       json
// @Produce      json
// @Param        request  body      app.CreateConfigurationInput  true  "Configuration"
// @Success      201  {object}  ConfigurationResponse
// @Failure      409  {object}  apierror.Response
// @Failure      422  {object}  apierror.Response
// @Router       /configurations [post]
func (h *ConfigurationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input app.CreateConfigurationInput
	if !decodeJSON(w, r, &input, false) {
		return
	}

	cfg, err := h.service.CreateConfiguration(r.Context(), input)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfigurationResponse(cfg))
}

// List handles GET /api/v1/configurations
func (h *ConfigurationHandler) List(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	configs, err := h.service.ListConfigurations(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	items := make([]ConfigurationResponse, 0, len(configs))
	for _, c := range configs {
		items = append(items, toConfigurationResponse(c))
	}
	writeJSON(w, http.StatusOK, ListResponse[ConfigurationResponse]{Data: items, Offset: offset, Limit: limit})
}

// Get handles GET /api/v1/configurations/{id}
func (h *ConfigurationHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.GetConfiguration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigurationResponse(cfg))
}

// Update handles PUT /api/v1/configurations/{id}
// @Summary      Update configuration
// @Description  Partial update: omitted fields are left unchanged. Settings are replaced as a whole.
// @Tags         Configurations
// @Accept       json
// @Produce      json
// @Param        id       path      string                        true  "Configuration ID"
// @Param        request  body      app.UpdateConfigurationInput  true  "Changes"
// @Success      200  {object}  ConfigurationResponse
// @Router       /configurations/{id} [put]
func (h *ConfigurationHandler) Update(w http.ResponseWriter, r *http.Request) {
	var input app.UpdateConfigurationInput
	if !decodeJSON(w, r, &input, false) {
		return
	}

	cfg, err := h.service.UpdateConfiguration(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigurationResponse(cfg))
}

// Delete handles DELETE /api/v1/configurations/{id}
func (h *ConfigurationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConfiguration(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Merged handles GET /api/v1/configurations/{id}/merged
func (h *ConfigurationHandler) Merged(w http.ResponseWriter, r *http.Request) {
	merged, err := h.service.GetMergedConfiguration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MergedConfigurationResponse{
		ID:      merged.Configuration.ID().String(),
		Name:    merged.Configuration.Name(),
		Values:  merged.Values,
		Missing: merged.Missing,
		Ready:   len(merged.Missing) == 0,
	})
}

// Test handles POST /api/v1/configurations/{id}/test
// @Summary      Test connections
// @Description  Check SonarQube, the code host and the model endpoint with the merged configuration
// @Tags         Configurations
// @Produce      json
// @Param        id   path      string  true  "Configuration ID"
// @Success      200  {object}  app.ConnectionTestReport
// @Failure      404  {object}  apierror.Response
// @Router       /configurations/{id}/test [post]
func (h *ConfigurationHandler) Test(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.TestConfiguration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
