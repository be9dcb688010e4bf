// Package handler holds the HTTP handlers of the triage API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/openctemio/sast-triage/internal/infra/http/middleware"
	"github.com/openctemio/sast-triage/pkg/apierror"
	"github.com/openctemio/sast-triage/pkg/logger"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// ListResponse is the envelope of every list endpoint.
type ListResponse[T any] struct {
	Data   []T `json:"data"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as an API error. Server errors are logged with the
// request id; their cause is never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	apiErr := apierror.FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		log.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	apiErr.WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
}

// decodeJSON reads a JSON request body into dst. An empty body is allowed when
// allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}

	var maxErr *http.MaxBytesError
	requestID := middleware.GetRequestID(r.Context())
	if errors.As(err, &maxErr) {
		apierror.New(http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body too large").
			WriteJSONWithRequestID(w, requestID)
		return false
	}
	apierror.BadRequest("Invalid request body: "+err.Error()).WriteJSONWithRequestID(w, requestID)
	return false
}

// parseQueryInt parses a query parameter as an integer.
// Returns defaultVal if the input is empty or invalid.
func parseQueryInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return val
}

// pagination reads offset and limit, clamping the limit to maxPageLimit.
func pagination(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset = max(parseQueryInt(q.Get("offset"), 0), 0)
	limit = parseQueryInt(q.Get("limit"), defaultPageLimit)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return offset, min(limit, maxPageLimit)
}
