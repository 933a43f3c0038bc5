package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is what the model sees after a tool runs. Failures are data, not errors.
type ToolResult struct {
	Success bool
	Payload map[string]any
	Error   string
}

// Succeeded wraps a payload as a successful result.
func Succeeded(payload map[string]any) ToolResult {
	return ToolResult{Success: true, Payload: payload}
}

// Failed wraps a message as a failed result.
func Failed(msg string) ToolResult {
	return ToolResult{Success: false, Error: msg}
}

// MarshalJSON flattens the payload next to the success flag.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["success"] = r.Success
	if !r.Success {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// Tool defines the runtime that executes a tool call.
// Invoke returns a payload map on success; any error becomes a failed ToolResult.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error)
}
