// Package sarif writes triaged scan results as SARIF 2.1.0 logs.
// Specification: https://docs.oasis-open.org/sarif/sarif/v2.1.0/sarif-v2.1.0.html
package sarif

// Version and Schema identify the SARIF dialect every log is written in.
const (
	Version = "2.1.0"
	Schema  = "https://json.schemastore.org/sarif-2.1.0.json"
)

// Log is the root SARIF object.
type Log struct {
	Version string `json:"version"`
	Schema  string `json:"$schema,omitempty"`
	Runs    []Run  `json:"runs"`
}

// Run is one analysis run.
type Run struct {
	Tool        Tool         `json:"tool"`
	Results     []Result     `json:"results"`
	Invocations []Invocation `json:"invocations,omitempty"`
	Properties  Properties   `json:"properties,omitempty"`
}

// Tool describes the producer of the results.
type Tool struct {
	Driver ToolComponent `json:"driver"`
}

// ToolComponent is the driver and its rule catalogue.
type ToolComponent struct {
	Name           string                `json:"name"`
	Version        string                `json:"version,omitempty"`
	InformationURI string                `json:"informationUri,omitempty"`
	Rules          []ReportingDescriptor `json:"rules,omitempty"`
}

// ReportingDescriptor describes one rule.
type ReportingDescriptor struct {
	ID               string                    `json:"id"`
	ShortDescription *MultiformatMessageString `json:"shortDescription,omitempty"`
	Properties       Properties                `json:"properties,omitempty"`
}

// Result is one finding with its triage outcome.
type Result struct {
	RuleID              string            `json:"ruleId"`
	RuleIndex           int               `json:"ruleIndex"`
	Kind                Kind              `json:"kind,omitempty"`
	Level               Level             `json:"level,omitempty"`
	Message             Message           `json:"message"`
	Locations           []Location        `json:"locations,omitempty"`
	CodeFlows           []CodeFlow        `json:"codeFlows,omitempty"`
	PartialFingerprints map[string]string `json:"partialFingerprints,omitempty"`
	Suppressions        []Suppression     `json:"suppressions,omitempty"`
	Properties          Properties        `json:"properties,omitempty"`
}

// Location points into a source file.
type Location struct {
	PhysicalLocation *PhysicalLocation `json:"physicalLocation,omitempty"`
	Message          *Message          `json:"message,omitempty"`
}

// PhysicalLocation is a file and an optional region.
type PhysicalLocation struct {
	ArtifactLocation *ArtifactLocation `json:"artifactLocation,omitempty"`
	Region           *Region           `json:"region,omitempty"`
}

// ArtifactLocation is a repository-relative file path.
type ArtifactLocation struct {
	URI       string `json:"uri"`
	URIBaseID string `json:"uriBaseId,omitempty"`
}

// Region is a line range, optionally with the flagged text.
type Region struct {
	StartLine int              `json:"startLine,omitempty"`
	EndLine   int              `json:"endLine,omitempty"`
	Snippet   *ArtifactContent `json:"snippet,omitempty"`
}

// ArtifactContent is literal file content.
type ArtifactContent struct {
	Text string `json:"text"`
}

// Message is user-facing text.
type Message struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown,omitempty"`
}

// MultiformatMessageString is a rule description.
type MultiformatMessageString struct {
	Text string `json:"text"`
}

// CodeFlow is the data flow leading to a result.
type CodeFlow struct {
	ThreadFlows []ThreadFlow `json:"threadFlows"`
}

// ThreadFlow is an ordered list of flow steps.
type ThreadFlow struct {
	Locations []ThreadFlowLocation `json:"locations"`
}

// ThreadFlowLocation is one flow step.
type ThreadFlowLocation struct {
	Location *Location `json:"location,omitempty"`
}

// Suppression records that a result was dismissed.
type Suppression struct {
	Kind          SuppressionKind   `json:"kind"`
	Status        SuppressionStatus `json:"status,omitempty"`
	Justification string            `json:"justification,omitempty"`
}

// Invocation records when the run happened and whether it finished.
type Invocation struct {
	StartTimeUTC        string `json:"startTimeUtc,omitempty"`
	EndTimeUTC          string `json:"endTimeUtc,omitempty"`
	ExecutionSuccessful bool   `json:"executionSuccessful"`
}

// Properties is a property bag.
type Properties map[string]any

// Level is the severity of a result.
type Level string

const (
	LevelNone    Level = "none"
	LevelNote    Level = "note"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Kind is the evaluation state of a result.
type Kind string

const (
	KindFail   Kind = "fail"
	KindReview Kind = "review"
)

// SuppressionKind says where a suppression lives.
type SuppressionKind string

// SuppressionKindExternal is a suppression recorded outside the source.
const SuppressionKindExternal SuppressionKind = "external"

// SuppressionStatus is the review state of a suppression.
type SuppressionStatus string

const (
	SuppressionStatusAccepted    SuppressionStatus = "accepted"
	SuppressionStatusUnderReview SuppressionStatus = "underReview"
)
