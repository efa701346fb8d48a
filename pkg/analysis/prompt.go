package analysis

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// systemPrompt is the auditor persona used for every analysis batch.
const systemPrompt = `You are a strict senior security auditor and world-class software engineer. ` +
	`Your task is to perform an aggressive and deep audit of the source files provided.

CRITICAL INSTRUCTIONS:
1. Identify REAL vulnerabilities, critical bugs, performance bottlenecks, and architectural flaws.
2. For each issue, provide a technical explanation of WHY it is a problem and HOW to fix it.
3. Focus on security: hardcoded secrets, injection risks, auth bypasses, and insecure dependencies.
4. Return the answer in STRICT JSON format with an 'issues' array and nothing else.

JSON Schema:
{"issues":[{"file":"path/to/file","line":42,"title":"short issue title","category":"security|bug|performance|quality","severity":"CRITICAL|HIGH|MEDIUM|LOW|INFO","description":"detailed technical description","suggestion":"how to fix it","confidence":0.9}]}`

// promptCounter estimates prompt size. Claude and Llama tokenizers are close
// enough to GPT-4 encoding for budget purposes.
type promptCounter struct {
	codec tokenizer.Codec
}

func newPromptCounter() *promptCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &promptCounter{} // fall back to character estimation
	}
	return &promptCounter{codec: codec}
}

// count returns the token count of text, estimating at 4 chars per token when
// no codec is available.
func (pc *promptCounter) count(text string) int {
	if pc.codec == nil {
		return len(text) / 4
	}
	n, err := pc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// buildUserPrompt assembles the audit prompt for one batch. Files that would
// push the prompt past tokenBudget are dropped, and the number of included
// files is returned alongside the prompt.
func buildUserPrompt(pc *promptCounter, repoFullName, branch string, files []FileContent, tokenBudget int) (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\nBranch: %s\n\nAudit the following files:\n", repoFullName, branch)

	included := 0
	used := pc.count(b.String())
	for _, f := range files {
		var part strings.Builder
		fmt.Fprintf(&part, "\n--- FILE: %s", f.Path)
		if f.Truncated {
			part.WriteString(" (truncated)")
		}
		part.WriteString(" ---\n")
		part.WriteString(f.Content)
		part.WriteString("\n")

		cost := pc.count(part.String())
		if tokenBudget > 0 && used+cost > tokenBudget {
			break
		}
		b.WriteString(part.String())
		used += cost
		included++
	}
	return b.String(), included
}
