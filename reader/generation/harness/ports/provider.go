package harnessports

import (
	"context"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ResponseFormatJSON asks the provider to constrain its output to a JSON object.
const ResponseFormatJSON = "json"

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns that requested tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool turns answering a call
	Name       string     `json:"name,omitempty"`         // tool name on tool turns
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System         string            // stage instructions built for this round
	Messages       []PromptMessage   // ordered chat history (already windowed)
	Context        []string          // document excerpts
	Tools          []ToolSpec        // tool declarations available to the model
	ResponseFormat string            // "" or ResponseFormatJSON
	Meta           map[string]string // lightweight metadata for tracing
}

// Options controls sampling, limits, and determinism.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any    // raw provider payload for debugging/telemetry
	Usage     *Usage // optional usage information
}

// Provider is the abstraction for all inference backends.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
