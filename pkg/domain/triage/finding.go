// Package triage provides the domain model for SAST finding triage scans.
package triage

// IssueKind distinguishes confirmed vulnerabilities from hotspots that need review.
type IssueKind string

const (
	KindVulnerability   IssueKind = "VULNERABILITY"
	KindSecurityHotspot IssueKind = "SECURITY_HOTSPOT"
)

// IsValid checks if the kind is valid.
func (k IssueKind) IsValid() bool {
	return k == KindVulnerability || k == KindSecurityHotspot
}

// FlowLocation is one step of a vulnerability's data flow.
type FlowLocation struct {
	Line    *int   `json:"line,omitempty"`
	Message string `json:"msg"`
}

// Finding is a vulnerability or security hotspot reported by the scanning backend.
type Finding struct {
	Key      string    `json:"key"`
	FilePath string    `json:"file_path"`
	Line     *int      `json:"line,omitempty"`
	Rule     string    `json:"rule"`
	Message  string    `json:"message"`
	Severity *string   `json:"severity,omitempty"`
	Kind     IssueKind `json:"kind"`
	Status   string    `json:"status,omitempty"`

	// Hotspots only.
	SecurityCategory         string `json:"security_category,omitempty"`
	VulnerabilityProbability string `json:"vulnerability_probability,omitempty"`

	// Vulnerabilities only.
	Locations []FlowLocation `json:"locations,omitempty"`
}

// IsHotspot reports whether the finding is a security hotspot.
func (f Finding) IsHotspot() bool {
	return f.Kind == KindSecurityHotspot
}
