package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
)

// PromptBuilder assembles model-ready inputs from system text, messages, and tools.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build flattens system + chat messages into a Provider PromptInput.
// Messages are copied so later rounds can append without aliasing the caller's slice.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, contextSnippets []string, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	msgs := make([]ports.PromptMessage, len(messages))
	for i, m := range messages {
		m.Content = norm(m.Content)
		msgs[i] = m
	}
	snippets := make([]string, 0, len(contextSnippets))
	for _, s := range contextSnippets {
		if s = norm(s); s != "" {
			snippets = append(snippets, s)
		}
	}

	return ports.PromptInput{
		System:   norm(system),
		Messages: msgs,
		Context:  snippets,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
