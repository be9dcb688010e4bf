package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

// errNoJSONObject is returned when no extraction strategy yields a JSON object.
var errNoJSONObject = errors.New("JSON extraction failed with all strategies")

// errNoVerdict is returned for a well-formed reply whose verdict is missing or unknown.
var errNoVerdict = errors.New("no usable verdict")

// extractJSONObject finds the JSON object in a model reply.
// Models wrap answers in prose or markdown fences often enough that a direct
// parse alone loses usable verdicts.
func extractJSONObject(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if isJSONObject(trimmed) {
		return trimmed, nil
	}

	if _, after, ok := strings.Cut(content, "```json"); ok {
		block, _, _ := strings.Cut(after, "```")
		if candidate := strings.TrimSpace(block); isJSONObject(candidate) {
			return candidate, nil
		}
	}

	if parts := strings.Split(content, "```"); len(parts) >= 2 {
		candidate := strings.TrimSpace(parts[1])
		if strings.HasPrefix(candidate, "json") || strings.HasPrefix(candidate, "JSON") {
			candidate = strings.TrimSpace(candidate[4:])
		}
		if isJSONObject(candidate) {
			return candidate, nil
		}
	}

	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first >= 0 && last > first {
		if candidate := content[first : last+1]; isJSONObject(candidate) {
			return candidate, nil
		}
	}

	if first >= 0 {
		if candidate, ok := balancedObject(content[first:]); ok && isJSONObject(candidate) {
			return candidate, nil
		}
	}

	return "", errNoJSONObject
}

// balancedObject returns the prefix of s up to the brace closing its first '{'.
func balancedObject(s string) (string, bool) {
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// parseClassification reads the triage fields out of a model reply.
func parseClassification(content string) (triage.Classification, error) {
	obj, err := extractJSONObject(content)
	if err != nil {
		return triage.Classification{}, err
	}

	result := gjson.Parse(obj)

	c := triage.Classification{
		ShortReason:         result.Get("short_reason").String(),
		DetailedExplanation: result.Get("detailed_explanation").String(),
	}

	if conf := result.Get("confidence"); conf.Type == gjson.Number || (conf.Type == gjson.String && isNumeric(conf.Str)) {
		v := conf.Float()
		if v >= 0 && v <= 1 {
			c.Confidence = &v
		}
	}

	if fix := result.Get("fix_suggestion"); fix.Type == gjson.String && fix.Str != "" {
		s := fix.Str
		c.FixSuggestion = &s
	}

	if sev := result.Get("severity_override"); sev.Type == gjson.String {
		if parsed, ok := triage.ParseSeverity(sev.Str); ok {
			c.SeverityOverride = &parsed
		}
	}

	rawVerdict := result.Get("triage")
	if !rawVerdict.Exists() {
		rawVerdict = result.Get("verdict")
	}
	verdict, err := triage.ParseVerdict(rawVerdict.String())
	if err != nil {
		// The remaining fields are still returned for the review record.
		return c, fmt.Errorf("%w: %w", errNoVerdict, err)
	}
	c.Verdict = verdict

	return c, nil
}

func isNumeric(s string) bool {
	return gjson.Parse(strings.TrimSpace(s)).Type == gjson.Number
}
