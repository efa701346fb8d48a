package fix

import (
	"fmt"
	"strings"

	"autopatch/pkg/store"
)

// fixSystemPrompt is the persona used when generating replacement file content.
const fixSystemPrompt = `You are a precise software engineer. You are given a source file and a defect report. ` +
	`Produce the COMPLETE corrected file content. Output ONLY the file content, with no commentary, no markdown fences, and no diff markers.`

// buildFixPrompt assembles the prompt asking for a corrected version of one file.
func buildFixPrompt(f *store.Finding, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", f.FilePath)
	if f.Line > 0 {
		fmt.Fprintf(&b, "Defect reported near line %d.\n", f.Line)
	}
	fmt.Fprintf(&b, "Defect: %s\n%s\n", f.Title, f.Description)
	if f.Suggestion != "" {
		fmt.Fprintf(&b, "Suggested remediation: %s\n", f.Suggestion)
	}
	b.WriteString("\nCurrent file content:\n")
	b.WriteString(content)
	return b.String()
}

// stripFences removes a single markdown code fence wrapping the whole
// response, which some models add despite instructions.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return s
	}
	return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
}

// prTitle builds the pull-request title for a finding.
func prTitle(f *store.Finding) string {
	return fmt.Sprintf("fix: %s", f.Title)
}

// prBody builds the pull-request description for a finding.
func prBody(f *store.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fix for a %s severity %s finding.\n\n", f.Severity, f.Category)
	fmt.Fprintf(&b, "**File:** `%s`", f.FilePath)
	if f.Line > 0 {
		fmt.Fprintf(&b, " (near line %d)", f.Line)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "**Problem:** %s\n\n", f.Description)
	if f.Suggestion != "" {
		fmt.Fprintf(&b, "**Remediation:** %s\n\n", f.Suggestion)
	}
	fmt.Fprintf(&b, "Confidence: %.0f%%. Please review carefully before merging.\n", f.Confidence*100)
	return b.String()
}
