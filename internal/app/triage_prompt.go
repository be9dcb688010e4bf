package app

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

const vulnerabilitySystemPrompt = `You are a security code review assistant. You will analyze ONE specific vulnerability or security hotspot in the provided source code.

CRITICAL: You MUST respond with ONLY a valid JSON object. No explanations, no markdown, no text before or after the JSON.

Required JSON format:
{
  "file_path": "path from input",
  "vulnerability_key": "the key from input",
  "triage": "false_positive",
  "confidence": 0.85,
  "short_reason": "Input is sanitized using prepared statements",
  "detailed_explanation": "Line 45 shows the query uses PreparedStatement which prevents SQL injection. The user input from line 30 is passed through validateInput() before reaching the query.",
  "fix_suggestion": "No fix needed - code is secure",
  "severity_override": null
}

RULES:
- Analyze ONLY the specific vulnerability/hotspot mentioned (identified by Key and Line Number)
- "triage" must be exactly one of: "false_positive", "true_positive", "needs_human_review"
- "confidence" must be a number between 0.0 and 1.0
- "severity_override" must be one of: "LOW", "MEDIUM", "HIGH", "CRITICAL", or null
- Reference the specific line numbers in your detailed_explanation
- All string values must use double quotes
- Do not include any text outside the JSON object

FOR VULNERABILITIES (false_positive / true_positive criteria):
- FALSE POSITIVE: Input is properly sanitized/validated, security controls in place, data doesn't reach dangerous sink
- TRUE POSITIVE: Unsanitized user input reaches dangerous functions, no validation/encoding, known vulnerable patterns

FOR SECURITY HOTSPOTS (requires different analysis):
- Security hotspots are code locations that may be security-sensitive and require manual review
- Evaluate if the flagged code pattern is actually risky in this specific context
- FALSE POSITIVE: The code pattern is safe in this context (e.g., hardcoded credentials are for testing, crypto is configured correctly)
- TRUE POSITIVE: The code pattern represents a real security risk (weak crypto, hardcoded production secrets, missing security headers)
- NEEDS HUMAN REVIEW: Cannot determine if the security-sensitive code is properly configured without more context

NEEDS HUMAN REVIEW criteria:
- Complex data flows that are hard to trace
- Partial mitigations that may or may not be sufficient
- When confidence is below 0.6
- Cannot determine data source or security context

Start your response with { and end with }`

const hotspotSystemPrompt = `You are a security code review assistant. You will analyze ONE specific Security Hotspot in the provided source code.

Security Hotspots are code locations that require manual review because they are potentially security-sensitive. Unlike vulnerabilities, they are not confirmed issues - they highlight code that MIGHT be vulnerable depending on context.

CRITICAL: You MUST respond with ONLY a valid JSON object. No explanations, no markdown, no text before or after the JSON.

Required JSON format:
{
  "file_path": "path from input",
  "vulnerability_key": "the key from input",
  "triage": "false_positive",
  "confidence": 0.85,
  "short_reason": "Crypto algorithm is properly configured with secure parameters",
  "detailed_explanation": "The security hotspot at line 45 flags the use of cryptography. However, the implementation uses AES-256-GCM with a properly derived key and random IV. This is a secure configuration.",
  "fix_suggestion": "No fix needed - implementation follows security best practices",
  "severity_override": null
}

SECURITY HOTSPOT CATEGORIES AND EVALUATION:
- **Weak Cryptography**: Check if crypto algorithms/key sizes are adequate (AES-256, RSA-2048+, SHA-256+)
- **Hardcoded Credentials**: Determine if credentials are for testing/dev or production use
- **Insecure Configuration**: Check security headers, TLS settings, cookie flags
- **SQL Injection**: Verify if parameterized queries or ORM are used properly
- **Command Injection**: Check if user input reaches shell commands safely
- **Path Traversal**: Verify input validation for file paths
- **CSRF**: Check if anti-CSRF tokens are implemented
- **Authentication/Authorization**: Verify proper access controls

TRIAGE DECISION:
- "false_positive": The code pattern is SAFE in this context. Security controls are properly implemented.
- "true_positive": The code pattern represents a REAL security risk. Fix is required.
- "needs_human_review": Cannot determine safety without additional context or the implementation is borderline.

RULES:
- "confidence" must be a number between 0.0 and 1.0
- "severity_override" must be one of: "LOW", "MEDIUM", "HIGH", "CRITICAL", or null
- Reference the specific line numbers in your detailed_explanation
- Explain WHY the code is safe or unsafe in this specific context

Start your response with { and end with }`

// Prompt is the pair of messages sent for one finding, plus the audit rendering of both.
type Prompt struct {
	System string
	User   string
}

// Full renders the prompt the way it is stored on the analysis.
func (p Prompt) Full() string {
	return "=== SYSTEM PROMPT ===\n" + p.System + "\n\n=== USER PROMPT ===\n" + p.User
}

// maxPromptFieldLength caps scanner-provided text placed into a prompt.
const maxPromptFieldLength = 10000

// injectionPatterns match instructions smuggled into scanner messages or rule names.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|above|prior)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(above|before)`),
	regexp.MustCompile(`(?i)new\s+instructions?:`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+`),
	regexp.MustCompile(`(?i)(^|\n)\s*(system|assistant)\s*:`),
	regexp.MustCompile(`(?i)<\|?(im_start|im_end|system|endoftext)\|?>`),
	regexp.MustCompile(`(?i)\[/?INST\]`),
}

// PromptBuilder renders findings into classifier prompts.
// Scanner-provided text is normalized and filtered; file content is passed verbatim
// since altering it would change what the model reviews.
type PromptBuilder struct {
	maxFieldLength int
}

// NewPromptBuilder creates a prompt builder with the default field limit.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{maxFieldLength: maxPromptFieldLength}
}

// Build returns the prompt for one finding against the full content of its file.
func (b *PromptBuilder) Build(f triage.Finding, source string) Prompt {
	line := "unknown"
	if f.Line != nil {
		line = fmt.Sprintf("%d", *f.Line)
	}
	severity := "unknown"
	if f.Severity != nil && *f.Severity != "" {
		severity = *f.Severity
	}
	key := b.sanitize(orDefault(f.Key, "unknown"))
	rule := b.sanitize(orDefault(f.Rule, "unknown"))
	message := b.sanitize(orDefault(f.Message, "No message"))
	path := b.sanitize(f.FilePath)

	var sb strings.Builder
	fmt.Fprintf(&sb, "File Path: %s\n\n", path)

	if f.IsHotspot() {
		sb.WriteString("=== SECURITY HOTSPOT DETAILS ===\n")
		fmt.Fprintf(&sb, "Key: %s\n", key)
		fmt.Fprintf(&sb, "Rule/Category: %s\n", rule)
		fmt.Fprintf(&sb, "Security Category: %s\n", b.sanitize(f.SecurityCategory))
		fmt.Fprintf(&sb, "Vulnerability Probability: %s\n", b.sanitize(f.VulnerabilityProbability))
		fmt.Fprintf(&sb, "Severity: %s\n", severity)
		fmt.Fprintf(&sb, "Line Number: %s\n", line)
		fmt.Fprintf(&sb, "Message: %s\n\n", message)
		fmt.Fprintf(&sb, "=== FULL SOURCE CODE ===\n%s\n\n", source)
		fmt.Fprintf(&sb, "Please analyze this Security Hotspot (Key: %s) at line %s. \n", key, line)
		sb.WriteString("Determine if this code pattern is actually a security risk in this specific context, or if it's safely implemented.\n")
		sb.WriteString("Respond with false_positive if SAFE, true_positive if RISKY, or needs_human_review if UNCERTAIN.")
		return Prompt{System: hotspotSystemPrompt, User: sb.String()}
	}

	kind := string(f.Kind)
	if kind == "" {
		kind = string(triage.KindVulnerability)
	}
	sb.WriteString("=== VULNERABILITY DETAILS ===\n")
	fmt.Fprintf(&sb, "Key: %s\n", key)
	fmt.Fprintf(&sb, "Rule: %s\n", rule)
	fmt.Fprintf(&sb, "Type: %s\n", kind)
	fmt.Fprintf(&sb, "Severity: %s\n", severity)
	fmt.Fprintf(&sb, "Line Number: %s\n", line)
	fmt.Fprintf(&sb, "Message: %s\n\n", message)
	fmt.Fprintf(&sb, "Additional Flow Locations:\n%s\n\n", b.flowLocations(f.Locations))
	fmt.Fprintf(&sb, "=== FULL SOURCE CODE ===\n%s\n\n", source)
	fmt.Fprintf(&sb, "Please analyze ONLY this specific vulnerability (Key: %s) at line %s and determine if it is a false positive, true positive, or needs human review.", key, line)
	return Prompt{System: vulnerabilitySystemPrompt, User: sb.String()}
}

func (b *PromptBuilder) flowLocations(locs []triage.FlowLocation) string {
	if len(locs) == 0 {
		return "None"
	}
	cleaned := make([]triage.FlowLocation, len(locs))
	for i, l := range locs {
		cleaned[i] = triage.FlowLocation{Line: l.Line, Message: b.sanitize(l.Message)}
	}
	data, err := json.MarshalIndent(cleaned, "", "  ")
	if err != nil {
		return "None"
	}
	return string(data)
}

func (b *PromptBuilder) sanitize(s string) string {
	if s == "" {
		return s
	}
	s = normalizeUnicode(s)
	if len(s) > b.maxFieldLength {
		s = s[:b.maxFieldLength] + "\n[TRUNCATED]"
	}
	for _, re := range injectionPatterns {
		s = re.ReplaceAllString(s, "[FILTERED]")
	}
	return s
}

// normalizeUnicode folds compatibility forms and drops control and format runes
// that can hide instructions from a human reader.
func normalizeUnicode(s string) string {
	strip := runes.Remove(runes.Predicate(func(r rune) bool {
		if r == '\n' || r == '\r' || r == '\t' {
			return false
		}
		return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
	}))
	out, _, err := transform.String(transform.Chain(norm.NFKC, strip), s)
	if err != nil {
		return s
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
