package triage

// ConnectionResult is the outcome of probing one external dependency.
// Connection tests never return errors; failures are described here instead.
type ConnectionResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// Connection failure categories.
const (
	ErrorTypeAuthentication = "authentication"
	ErrorTypePermission     = "permission"
	ErrorTypeNotFound       = "not_found"
	ErrorTypeConnection     = "connection"
	ErrorTypeTimeout        = "timeout"
	ErrorTypeRateLimit      = "rate_limit"
	ErrorTypeConfiguration  = "configuration"
	ErrorTypeUnknown        = "unknown"
)

// ConnectionOK builds a successful result.
func ConnectionOK(message string) ConnectionResult {
	return ConnectionResult{Success: true, Message: message}
}

// ConnectionFailed builds a failed result.
func ConnectionFailed(errorType, message string, err error) ConnectionResult {
	r := ConnectionResult{Success: false, Message: message, ErrorType: errorType}
	if err != nil {
		r.ErrorDetails = err.Error()
	}
	return r
}
