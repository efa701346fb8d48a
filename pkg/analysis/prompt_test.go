package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUserPromptIncludesFiles(t *testing.T) {
	pc := newPromptCounter()
	files := []FileContent{
		{Path: "a.go", Content: "package a"},
		{Path: "b.go", Content: "package b", Truncated: true},
	}

	prompt, included := buildUserPrompt(pc, "acme/widgets", "main", files, 0)
	assert.Equal(t, 2, included)
	assert.Contains(t, prompt, "acme/widgets")
	assert.Contains(t, prompt, "--- FILE: a.go ---")
	assert.Contains(t, prompt, "--- FILE: b.go (truncated) ---")
	assert.Contains(t, prompt, "package b")
}

func TestBuildUserPromptRespectsTokenBudget(t *testing.T) {
	pc := newPromptCounter()
	files := []FileContent{
		{Path: "small.go", Content: "package small"},
		{Path: "huge.go", Content: strings.Repeat("word ", 5000)},
	}

	prompt, included := buildUserPrompt(pc, "acme/widgets", "main", files, 200)
	assert.Equal(t, 1, included, "the oversized file is dropped")
	assert.Contains(t, prompt, "small.go")
	assert.NotContains(t, prompt, "huge.go")
}

func TestBuildUserPromptZeroBudgetForHeader(t *testing.T) {
	pc := newPromptCounter()
	files := []FileContent{{Path: "a.go", Content: strings.Repeat("x", 4000)}}

	_, included := buildUserPrompt(pc, "acme/widgets", "main", files, 10)
	assert.Zero(t, included)
}

func TestPromptCounterFallback(t *testing.T) {
	// Even with no codec the counter still yields usable estimates.
	pc := &promptCounter{}
	n := pc.count(strings.Repeat("a", 400))
	require.Equal(t, 100, n)
}

func TestSystemPromptDemandsStrictJSON(t *testing.T) {
	assert.Contains(t, systemPrompt, `"issues"`)
	assert.Contains(t, systemPrompt, "STRICT JSON")
}
