// Package schema validates and normalizes candidate form schemas produced by
// the model. Validation is pure: no I/O, no retries, no logging side effects
// beyond the structured error returned to the caller.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/formweaver/formweaver/internal/models"
)

// ValidationError identifies the first offending field and the reason the
// candidate schema was rejected.
type ValidationError struct {
	Index  int    // zero-based index of the offending field, -1 for document-level failures
	Reason string // human-readable reason
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid schema: %s", e.Reason)
	}
	return fmt.Sprintf("invalid field at index %d: %s", e.Index, e.Reason)
}

// rawField mirrors models.FormField but defers type checks so that a missing
// or mistyped "required" is reported as a validation failure rather than a
// JSON decode error.
type rawField struct {
	Label    *string          `json:"label"`
	Type     *string          `json:"type"`
	Required *json.RawMessage `json:"required"`
	Options  []string         `json:"options"`
}

// Parse extracts a candidate schema from raw model output and validates it.
// Models occasionally wrap their JSON in markdown code fences despite the
// JSON-only persona, so fences are stripped before unmarshaling.
func Parse(raw string) (models.FormSchema, error) {
	cleaned := stripCodeFences(raw)
	var candidate []rawField
	if err := json.Unmarshal([]byte(cleaned), &candidate); err != nil {
		return nil, &ValidationError{Index: -1, Reason: fmt.Sprintf("output is not a JSON array of fields: %v", err)}
	}
	return Validate(candidate)
}

// Validate applies per-field structural rules in order, then deduplicates
// labels. It returns the normalized schema or a *ValidationError naming the
// first offending field.
//
// Per-field rules:
//   - missing label, missing type, or non-boolean required: reject
//   - type "select" with absent or empty options: reject
//   - unrecognized type: coerce to "text" (leniency, not rejection)
//   - non-select field carrying options: drop the options (normalization)
func Validate(candidate []rawField) (models.FormSchema, error) {
	normalized := make(models.FormSchema, 0, len(candidate))
	for i, field := range candidate {
		if field.Label == nil || *field.Label == "" {
			return nil, &ValidationError{Index: i, Reason: "missing label, type, or required"}
		}
		if field.Type == nil || *field.Type == "" {
			return nil, &ValidationError{Index: i, Reason: "missing label, type, or required"}
		}
		required, ok := decodeBool(field.Required)
		if !ok {
			return nil, &ValidationError{Index: i, Reason: "missing label, type, or required"}
		}

		fieldType := models.FieldType(*field.Type)
		if fieldType == models.FieldTypeSelect && len(field.Options) == 0 {
			return nil, &ValidationError{Index: i, Reason: "select field requires non-empty options array"}
		}
		if !models.IsValidFieldType(fieldType) {
			fieldType = models.FieldTypeText
		}

		out := models.FormField{Label: *field.Label, Type: fieldType, Required: required}
		if fieldType == models.FieldTypeSelect {
			out.Options = field.Options
		}
		normalized = append(normalized, out)
	}

	return dedupeLabels(normalized), nil
}

// dedupeLabels guarantees label uniqueness without rejecting otherwise-valid
// output: the first occurrence of each label is unchanged, later occurrences
// are renamed by appending their zero-based index (e.g. "name" -> "name_3").
// Known corner: the suffixed name is not rechecked against the label set, so
// input like ["a", "a", "a_1"] still emits two "a_1" fields.
func dedupeLabels(schema models.FormSchema) models.FormSchema {
	firstIndex := make(map[string]int, len(schema))
	for i, field := range schema {
		if _, seen := firstIndex[field.Label]; !seen {
			firstIndex[field.Label] = i
			continue
		}
		schema[i].Label = fmt.Sprintf("%s_%d", field.Label, i)
	}
	return schema
}

// decodeBool accepts only JSON true/false; anything else (absent, string,
// number) fails the field.
func decodeBool(raw *json.RawMessage) (bool, bool) {
	if raw == nil {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(*raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// stripCodeFences removes a single leading/trailing markdown fence pair
// (``` or ```json) if present.
func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag on the opening fence line.
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
