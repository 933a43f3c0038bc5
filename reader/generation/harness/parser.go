package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
)

// ErrNoJSONObject is returned when no balanced top-level object can be found.
var ErrNoJSONObject = errors.New("no JSON object found in response")

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// OutputParser handles extracting structured data from model responses.
type OutputParser struct {
	// Regex patterns for text-encoded tool calls from models without native tool support
	toolCallPatterns []*regexp.Regexp
}

// NewOutputParser creates a parser with default patterns for common tool call formats.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		toolCallPatterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"})
			regexp.MustCompile(`(\w+)\s*\(\s*(\{.*?\})\s*\)`),
		},
	}
}

// ParseToolCalls extracts text-encoded tool calls. Only names in allowed are kept;
// a nil allowed set keeps every match.
func (p *OutputParser) ParseToolCalls(text string, allowed map[string]bool) []ports.ToolCall {
	var calls []ports.ToolCall

	for _, pattern := range p.toolCallPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			if allowed != nil && !allowed[name] {
				continue
			}

			argsStr := strings.TrimSpace(match[2])
			if !json.Valid([]byte(argsStr)) {
				argsStr = p.fixJSON(argsStr)
				if !json.Valid([]byte(argsStr)) {
					continue
				}
			}

			calls = append(calls, ports.ToolCall{
				Name: name,
				Args: json.RawMessage(argsStr),
			})
		}
		if len(calls) > 0 {
			// first matching format wins; later patterns would re-match the same text
			break
		}
	}

	return calls
}

// ParseJSONOutput isolates the first JSON object in a model response.
// Code fences and surrounding prose are ignored.
func (p *OutputParser) ParseJSONOutput(text string) (json.RawMessage, error) {
	obj, ok := ExtractJSONObject(StripCodeFences(text))
	if !ok {
		return nil, ErrNoJSONObject
	}
	if json.Valid([]byte(obj)) {
		return json.RawMessage(obj), nil
	}

	cleaned := p.fixJSON(obj)
	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return json.RawMessage(cleaned), nil
}

// DecodeJSONObject parses the first JSON object in text into v.
func (p *OutputParser) DecodeJSONObject(text string, v any) error {
	raw, err := p.ParseJSONOutput(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode JSON output: %w", err)
	}
	return nil
}

// fixJSON attempts to fix common JSON formatting issues.
func (p *OutputParser) fixJSON(jsonStr string) string {
	jsonStr = trailingCommaRe.ReplaceAllString(jsonStr, "$1")
	jsonStr = unquotedKeyRe.ReplaceAllString(jsonStr, `$1"$2":`)
	return jsonStr
}

// ValidateToolCall checks if a tool call is well-formed.
func (p *OutputParser) ValidateToolCall(call ports.ToolCall) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}

	return nil
}

// StripCodeFences returns the body of the first ``` fenced block, or text unchanged
// when there is none. The language tag after the opening fence is dropped.
func StripCodeFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// "```json\n" or "```\n"
		if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ExtractJSONObject returns the first balanced top-level {...} in text.
// Braces inside string literals (including escaped quotes) are ignored.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
