// Package extract recovers typed JSON payloads from free-form model output.
//
// Model text arrives wrapped in markdown fences, sprinkled with control
// characters, or truncated mid-array when generation hits the token budget.
// Extraction runs a fixed sequence of salvage stages and stops at the first
// one that yields valid JSON, preferring partial results from truncated
// generations over discarding a whole batch.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"autopatch/pkg/metrics"
)

// ErrExtractionFailed is returned only after every salvage stage has failed.
var ErrExtractionFailed = errors.New("extraction failed: no JSON recoverable from model output")

// arrayFields are field names whose truncated arrays stage five attempts to
// repair. Ordered: the first present field wins.
var arrayFields = []string{"issues", "findings"} //nolint:gochecknoglobals // static salvage table

// Extract parses rawText into a JSON object, attempting each salvage stage in
// order. The returned bytes are always valid JSON.
func Extract(rawText string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty input", ErrExtractionFailed)
	}

	type stage struct {
		name string
		run  func(string) (string, bool)
	}
	stages := []stage{
		{"fence", stripFence},
		{"direct", func(s string) (string, bool) { return s, true }},
		{"sanitize", sanitize},
		{"braces", braceSlice},
		{"array_salvage", salvageTruncatedArray},
	}

	for _, st := range stages {
		candidate, ok := st.run(trimmed)
		if !ok {
			continue
		}
		if raw, err := parseObject(candidate); err == nil {
			metrics.ExtractionStages.WithLabelValues(st.name).Inc()
			return raw, nil
		}
	}

	return nil, ErrExtractionFailed
}

// ExtractInto extracts and unmarshals into v.
func ExtractInto(rawText string, v any) error {
	raw, err := Extract(rawText)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: recovered JSON does not match target type: %v", ErrExtractionFailed, err)
	}
	return nil
}

// parseObject validates that s is a standalone JSON value and returns it
// compacted. json.Unmarshal alone would accept trailing garbage via
// first-value parsing in some salvage outputs, so we round-trip.
func parseObject(s string) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Reject trailing non-whitespace after the first value.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stripFence removes a markdown code fence when the text is wrapped in one.
// Returns false when no fence is present so the stage is skipped.
func stripFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	body := s
	// Drop the opening fence line, including any language tag (```json).
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	} else {
		return "", false
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}
	return body, true
}

// sanitize removes control characters and trailing commas that commonly leak
// into model output.
func sanitize(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			// Control characters inside strings break the parser; drop them.
			if r < 0x20 && r != '\t' {
				continue
			}
			b.WriteRune(r)
			continue
		}
		switch {
		case r == '"':
			inString = true
			b.WriteRune(r)
		case r < 0x20 && r != '\n' && r != '\t':
			// Skip control characters outside strings, keep layout whitespace.
		default:
			b.WriteRune(r)
		}
	}
	return removeTrailingCommas(b.String()), true
}

// removeTrailingCommas drops commas that directly precede a closing bracket.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			b.WriteRune(r)
			continue
		}
		if r == '"' {
			inString = true
			b.WriteRune(r)
			continue
		}
		if r == ',' {
			// Look ahead past whitespace for a closing bracket.
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// braceSlice cuts the text down to the first '{' through the last '}'.
func braceSlice(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	// Run the sanitizer over the slice too; fenced text with trailing commas
	// often reaches this stage with both defects at once.
	out, _ := sanitize(s[start : end+1])
	return out, true
}

// salvageTruncatedArray repairs a payload whose array under a known field was
// cut off mid-element: it truncates at the last complete comma-separated
// element and synthesizes the closing brackets.
func salvageTruncatedArray(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	s = s[start:]

	for _, field := range arrayFields {
		marker := fmt.Sprintf("%q", field)
		fieldIdx := strings.Index(s, marker)
		if fieldIdx < 0 {
			continue
		}
		arrStart := strings.IndexByte(s[fieldIdx:], '[')
		if arrStart < 0 {
			continue
		}
		arrStart += fieldIdx

		// Walk the array tracking depth; remember the end of each complete
		// top-level element.
		lastComplete := -1
		depth := 0
		inString := false
		escaped := false
		for i := arrStart; i < len(s); i++ {
			c := s[i]
			if inString {
				if escaped {
					escaped = false
				} else if c == '\\' {
					escaped = true
				} else if c == '"' {
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 1 {
					// Closed one top-level element inside the array.
					lastComplete = i
				}
			}
		}
		if lastComplete < 0 {
			continue
		}

		repaired := s[:lastComplete+1] + "]}"
		cleaned, _ := sanitize(repaired)
		return cleaned, true
	}
	return "", false
}
