package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
)

const WebLookupName = "web_lookup"

// WebLookupSchema defines the JSON schema for web_lookup parameters.
const WebLookupSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "What to search for"
    },
    "context": {
      "type": "string",
      "description": "Why the search is needed, used to focus the answer"
    }
  },
  "required": ["query"]
}`

// WebLookupTool answers questions that need information beyond the document.
type WebLookupTool struct {
	searcher ports.WebSearcher
	logger   zerolog.Logger
}

// NewWebLookupTool creates the web_lookup tool.
func NewWebLookupTool(searcher ports.WebSearcher, logger zerolog.Logger) *WebLookupTool {
	return &WebLookupTool{searcher: searcher, logger: logger}
}

func (t *WebLookupTool) Name() string   { return WebLookupName }
func (t *WebLookupTool) Schema() []byte { return []byte(WebLookupSchema) }

func (t *WebLookupTool) Description() string {
	return "Search the web for recent related work, code repositories, or whether the paper's methods are still current."
}

// Invoke runs the search and returns a grounded answer with its sources.
func (t *WebLookupTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Query   string `json:"query"`
		Context string `json:"context"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, errors.New("no search query provided")
	}

	t.logger.Info().Str("query", params.Query).Msg("Web lookup")
	answer, err := t.searcher.Search(ctx, params.Query, params.Context)
	if err != nil {
		return nil, fmt.Errorf("web lookup failed: %w", err)
	}

	sources := make([]map[string]string, 0, len(answer.Sources))
	for _, s := range answer.Sources {
		sources = append(sources, map[string]string{"title": s.Title, "uri": s.URI})
	}
	return map[string]any{
		"answer":  answer.Answer,
		"sources": sources,
	}, nil
}

var _ ports.Tool = (*WebLookupTool)(nil)
