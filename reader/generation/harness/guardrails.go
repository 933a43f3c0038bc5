package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Guardrails enforces tool allowlists, argument schemas, and output masking.
type Guardrails struct {
	allowlist     map[string]bool  // allowed tool names; empty allows all
	blockedWords  []string         // words that must not appear in tool argument values
	outputFilters []*regexp.Regexp // patterns masked in final answers
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails with default output masking and no blocked words.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[string]bool),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
		},
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// SetBlockedWords replaces the blocked word list.
func (g *Guardrails) SetBlockedWords(words []string) {
	g.blockedWords = g.blockedWords[:0]
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			g.blockedWords = append(g.blockedWords, w)
		}
	}
}

// ValidateToolCall checks that a call is allowed, well-formed, and matches schema.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, schema []byte) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if len(g.allowlist) > 0 && !g.allowlist[call.Name] {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}

	if !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}

	if len(g.blockedWords) > 0 {
		values := strings.ToLower(strings.Join(stringValues(call.Args), " "))
		for _, word := range g.blockedWords {
			if strings.Contains(values, word) {
				return fmt.Errorf("tool arguments contain blocked content: %s", word)
			}
		}
	}

	return g.jsonValidator.Validate(call.Args, schema)
}

// SanitizeOutput masks sensitive information in a final answer.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// stringValues collects every string value nested in a JSON document.
func stringValues(raw json.RawMessage) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var out []string
	var walk func(any)
	walk = func(n any) {
		switch t := n.(type) {
		case string:
			out = append(out, t)
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil
	}

	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(errs, "; "))
	}

	return nil
}
