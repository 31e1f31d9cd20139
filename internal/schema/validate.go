package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ValidationError reports a single schema violation with the offending
// field path.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed at %s: %s", e.Path, e.Reason)
}

func violation(path, reason string) error {
	return &ValidationError{Path: path, Reason: reason}
}

// Validate checks raw JSON against the AnalysisResult shape and decodes it.
// Bounds (confidence, hours) are validated, not clamped: out-of-bound values
// fail rather than being silently corrected. Field paths in errors use gjson
// notation (e.g. "tasks.2.title").
func Validate(raw []byte) (*AnalysisResult, error) {
	if !gjson.ValidBytes(raw) {
		return nil, violation("", "not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, violation("", "root is not a JSON object")
	}

	if v := root.Get("summary"); v.Exists() && v.Type != gjson.String {
		return nil, violation("summary", "must be a string")
	}
	if v := root.Get("totalEstimatedHours"); v.Exists() && v.Type != gjson.Null {
		if v.Type != gjson.Number {
			return nil, violation("totalEstimatedHours", "must be a number")
		}
		if v.Float() <= 0 {
			return nil, violation("totalEstimatedHours", "must be positive")
		}
	}
	if v := root.Get("confidence"); v.Exists() && v.Type != gjson.Null {
		if v.Type != gjson.Number {
			return nil, violation("confidence", "must be a number")
		}
		if f := v.Float(); f < 0 || f > 1 {
			return nil, violation("confidence", "must be within [0,1]")
		}
	}

	// An absent or null tasks field means an empty task list (a decoded
	// analysis with a nil slice re-encodes as null).
	tasks := root.Get("tasks")
	if tasks.Exists() && tasks.Type != gjson.Null && !tasks.IsArray() {
		return nil, violation("tasks", "must be an array")
	}
	for i, task := range tasks.Array() {
		path := func(field string) string { return fmt.Sprintf("tasks.%d.%s", i, field) }
		if !task.IsObject() {
			return nil, violation(fmt.Sprintf("tasks.%d", i), "must be an object")
		}
		title := task.Get("title")
		if !title.Exists() || title.Type != gjson.String || strings.TrimSpace(title.String()) == "" {
			return nil, violation(path("title"), "must be a non-empty string")
		}
		for _, field := range []string{"id", "description", "notes", "priority"} {
			if v := task.Get(field); v.Exists() && v.Type != gjson.Null && v.Type != gjson.String {
				return nil, violation(path(field), "must be a string")
			}
		}
		if v := task.Get("estimatedHours"); v.Exists() && v.Type != gjson.Null {
			if v.Type != gjson.Number {
				return nil, violation(path("estimatedHours"), "must be a number")
			}
			if v.Float() < 0 {
				return nil, violation(path("estimatedHours"), "must be non-negative")
			}
		}
	}

	var result AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, violation("", fmt.Sprintf("decode: %v", err))
	}
	return &result, nil
}

// ValidateResult re-validates an already-decoded AnalysisResult. Used by the
// materializer, which receives analyses round-tripped through an untrusted
// client and never trusts them without re-validation.
func ValidateResult(a *AnalysisResult) (*AnalysisResult, error) {
	if a == nil {
		return nil, violation("", "analysis is nil")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, violation("", fmt.Sprintf("encode: %v", err))
	}
	return Validate(raw)
}
