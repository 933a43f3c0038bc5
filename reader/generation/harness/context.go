package harness

import (
	"sort"
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
)

// TruncationMarker separates the kept head and tail of an oversized message.
const TruncationMarker = "... [truncated]"

// Snippet is a context chunk with a score and token estimate.
type Snippet struct {
	Text       string
	Score      float32 // higher is better
	TokenCount int
	Source     string // optional provenance, e.g. "page 3"
}

// Budget specifies maximum tokens allocated to context packing.
type Budget struct {
	MaxContextTokens int // hard cap for context snippets
	MaxSnippets      int // safety bound on number of chunks
}

// ContextAssembler selects and packs context snippets within a token budget.
type ContextAssembler struct {
	defaultBudget Budget
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator func(s string) int
}

func NewContextAssembler(b Budget, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = func(s string) int { // ~4 chars per token
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &ContextAssembler{defaultBudget: b, TokenEstimator: est}
}

// Pack sorts snippets by score desc and packs up to budget, normalizing text.
func (a *ContextAssembler) Pack(snippets []Snippet, b *Budget) []string {
	if b == nil {
		b = &a.defaultBudget
	}
	if len(snippets) == 0 || b.MaxContextTokens <= 0 || b.MaxSnippets <= 0 {
		return nil
	}

	sorted := make([]Snippet, len(snippets))
	copy(sorted, snippets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining := b.MaxContextTokens
	packed := make([]string, 0, min(len(sorted), b.MaxSnippets))

	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	for _, sn := range sorted {
		if len(packed) >= b.MaxSnippets {
			break
		}
		if sn.TokenCount <= 0 {
			sn.TokenCount = a.TokenEstimator(sn.Text)
		}
		if sn.TokenCount > remaining {
			continue
		}
		packed = append(packed, norm(sn.Text))
		remaining -= sn.TokenCount
		if remaining <= 0 {
			break
		}
	}

	return packed
}

// WindowHistory keeps the last window messages and middle-truncates any message
// longer than charLimit to its first and last charLimit/2 characters.
// Non-positive limits disable the respective bound.
func WindowHistory(messages []ports.PromptMessage, window, charLimit int) []ports.PromptMessage {
	start := 0
	if window > 0 && len(messages) > window {
		start = len(messages) - window
	}

	out := make([]ports.PromptMessage, 0, len(messages)-start)
	for _, m := range messages[start:] {
		m.Content = TruncateMiddle(m.Content, charLimit)
		out = append(out, m)
	}
	return out
}

// TruncateMiddle shortens s to head + marker + tail when it exceeds limit runes.
func TruncateMiddle(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	half := limit / 2
	return string(r[:half]) + TruncationMarker + string(r[len(r)-half:])
}
