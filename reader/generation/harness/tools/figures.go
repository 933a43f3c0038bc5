package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
)

const (
	ExtractFiguresName = "extract_figures"
	DisplayFiguresName = "display_figures"
	ExplainFigureName  = "explain_figure"
)

// ExtractFiguresSchema defines the JSON schema for extract_figures parameters.
const ExtractFiguresSchema = `{
  "type": "object",
  "properties": {
    "images": {
      "type": "array",
      "description": "Figures that are not in the already extracted list",
      "items": {
        "type": "object",
        "properties": {
          "page_number": {
            "type": "integer",
            "description": "1-indexed page the figure is on"
          },
          "description": {
            "type": "string",
            "description": "What the figure shows, e.g. 'model architecture diagram'"
          }
        },
        "required": ["page_number"]
      }
    }
  },
  "required": ["images"]
}`

// DisplayFiguresSchema defines the JSON schema for display_figures parameters.
const DisplayFiguresSchema = `{
  "type": "object",
  "properties": {
    "image_indices": {
      "type": "array",
      "items": {"type": "integer"},
      "description": "0-indexed positions in the already extracted list"
    },
    "reasoning": {
      "type": "string",
      "description": "Why these figures help the explanation"
    }
  },
  "required": ["image_indices"]
}`

// ExplainFigureSchema defines the JSON schema for explain_figure parameters.
const ExplainFigureSchema = `{
  "type": "object",
  "properties": {
    "image_index": {
      "type": "integer",
      "description": "0-indexed position in the already extracted list"
    },
    "question": {
      "type": "string",
      "description": "The question to answer about the figure"
    }
  },
  "required": ["image_index"]
}`

// FigureExtractor produces new figures for a document.
type FigureExtractor interface {
	Extract(ctx context.Context, requests []figures.Request) (*figures.Result, error)
}

// ExtractFiguresTool crops new figures out of the document.
type ExtractFiguresTool struct {
	extractor FigureExtractor
	logger    zerolog.Logger
}

// NewExtractFiguresTool creates the extract_figures tool.
func NewExtractFiguresTool(extractor FigureExtractor, logger zerolog.Logger) *ExtractFiguresTool {
	return &ExtractFiguresTool{extractor: extractor, logger: logger}
}

func (t *ExtractFiguresTool) Name() string   { return ExtractFiguresName }
func (t *ExtractFiguresTool) Schema() []byte { return []byte(ExtractFiguresSchema) }

func (t *ExtractFiguresTool) Description() string {
	return "Extract NEW figures from document pages. Check the already extracted list first and use display_figures for figures that are on it."
}

// Invoke runs the extraction pipeline.
func (t *ExtractFiguresTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Images []figures.Request `json:"images"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	t.logger.Info().Int("requested", len(params.Images)).Msg("Extracting figures")
	result, err := t.extractor.Extract(ctx, params.Images)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Figure extraction failed")
		return nil, err
	}

	return map[string]any{
		"images":          result.Records,
		"markdown_images": result.Markdown,
		"count":           len(result.Records),
		"message":         fmt.Sprintf("Successfully extracted %d figures.", len(result.Records)),
		"instruction":     "Include these figures in your response using the markdown above, next to the text that explains them.",
	}, nil
}

// DisplayFiguresTool returns markdown for figures that were already extracted.
type DisplayFiguresTool struct {
	catalog *figures.Catalog
	logger  zerolog.Logger
}

// NewDisplayFiguresTool creates the display_figures tool.
func NewDisplayFiguresTool(catalog *figures.Catalog, logger zerolog.Logger) *DisplayFiguresTool {
	return &DisplayFiguresTool{catalog: catalog, logger: logger}
}

func (t *DisplayFiguresTool) Name() string   { return DisplayFiguresName }
func (t *DisplayFiguresTool) Schema() []byte { return []byte(DisplayFiguresSchema) }

func (t *DisplayFiguresTool) Description() string {
	return "Show figures that were already extracted, by their index in the already extracted list."
}

// Invoke skips unknown indices rather than failing the call.
func (t *DisplayFiguresTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Indices   []int  `json:"image_indices"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	markdown := make([]string, 0, len(params.Indices))
	for _, idx := range params.Indices {
		rec, ok := t.catalog.At(idx)
		if !ok {
			t.logger.Warn().Int("index", idx).Int("available", t.catalog.Len()).Msg("Invalid figure index")
			continue
		}
		markdown = append(markdown, rec.Markdown())
	}

	return map[string]any{
		"markdown_images": markdown,
		"count":           len(markdown),
		"reasoning":       params.Reasoning,
		"instruction":     "Include these figures in your response using the markdown above.",
	}, nil
}

// ExplainFigureTool asks the vision model a question about one extracted figure.
type ExplainFigureTool struct {
	catalog  *figures.Catalog
	vision   ports.VisionModel
	language string
	logger   zerolog.Logger
}

// NewExplainFigureTool creates the explain_figure tool.
func NewExplainFigureTool(catalog *figures.Catalog, vision ports.VisionModel, language string, logger zerolog.Logger) *ExplainFigureTool {
	return &ExplainFigureTool{catalog: catalog, vision: vision, language: language, logger: logger}
}

func (t *ExplainFigureTool) Name() string   { return ExplainFigureName }
func (t *ExplainFigureTool) Schema() []byte { return []byte(ExplainFigureSchema) }

func (t *ExplainFigureTool) Description() string {
	return "Get a detailed explanation of one extracted figure, e.g. what the arrows in a diagram mean."
}

// Invoke sends the stored figure image to the vision model.
func (t *ExplainFigureTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Index    int    `json:"image_index"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Question) == "" {
		params.Question = "What does this image show?"
	}

	if t.catalog.Len() == 0 {
		return nil, fmt.Errorf("No figures extracted yet. Call %s first.", ExtractFiguresName)
	}
	rec, ok := t.catalog.At(params.Index)
	if !ok {
		return nil, fmt.Errorf("Invalid image index %d. Available: 0-%d", params.Index, t.catalog.Len()-1)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read figure %s: %w", filepath.Base(rec.Path), err)
	}

	prompt := fmt.Sprintf("This is %q from page %d of the document. %s\nAnswer in %s.", rec.Title, rec.Page, params.Question, t.language)
	explanation, err := t.vision.Analyze(ctx, prompt, []ports.ImagePart{{
		MimeType: "image/png",
		Data:     data,
		Label:    rec.Title,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to explain: %w", err)
	}

	return map[string]any{
		"explanation": explanation,
		"image_title": rec.Title,
		"page":        rec.Page,
		"question":    params.Question,
	}, nil
}

var (
	_ ports.Tool = (*ExtractFiguresTool)(nil)
	_ ports.Tool = (*DisplayFiguresTool)(nil)
	_ ports.Tool = (*ExplainFigureTool)(nil)
)
