package figures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
)

var (
	ErrNoImagesRequested = errors.New("no images requested")
	ErrNoValidPages      = errors.New("no valid pages")
	ErrNoFiguresDetected = errors.New("could not detect any figures matching the descriptions")
	ErrNoFiguresSaved    = errors.New("could not save any figures")
)

// Request asks for figures matching description on a 1-indexed page.
type Request struct {
	Page        int    `json:"page_number"`
	Description string `json:"description"`
}

// Detection is one figure located by the vision model.
type Detection struct {
	Page        int       `json:"page"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	BBox        []float64 `json:"bbox"`
	Description string    `json:"matched_description"`
}

// Result lists the figures saved by one Extract call.
type Result struct {
	Records  []Record
	Markdown []string
	Detected int // detections on valid pages
}

// Options configures where and how figures are produced.
type Options struct {
	OutputDir     string // absolute directory figures are written to
	PublicDir     string // caller-facing directory, e.g. "uploads/<folder>"
	DPI           float64
	Padding       int
	RenderWorkers int
	RenderTimeout time.Duration
}

// Extractor turns figure requests into cropped PNGs appended to a Catalog.
type Extractor struct {
	renderer ports.PageRenderer
	vision   ports.VisionModel
	catalog  *Catalog
	doc      ports.DocumentRef
	opts     Options
	parser   *harness.OutputParser
	logger   zerolog.Logger
}

// NewExtractor binds an extractor to one document and its session catalog.
func NewExtractor(renderer ports.PageRenderer, vision ports.VisionModel, catalog *Catalog, doc ports.DocumentRef, opts Options, logger zerolog.Logger) *Extractor {
	if opts.DPI <= 0 {
		opts.DPI = 144
	}
	if opts.Padding < 0 {
		opts.Padding = 0
	}
	if opts.RenderWorkers <= 0 {
		opts.RenderWorkers = 1
	}
	return &Extractor{
		renderer: renderer,
		vision:   vision,
		catalog:  catalog,
		doc:      doc,
		opts:     opts,
		parser:   harness.NewOutputParser(),
		logger:   logger.With().Str("component", "figures").Logger(),
	}
}

// Catalog returns the catalog this extractor appends to.
func (e *Extractor) Catalog() *Catalog { return e.catalog }

type renderedPage struct {
	page         int
	img          image.Image
	descriptions []string
	err          error
}

// Extract renders the requested pages, asks the vision model to locate the
// figures in a single call, then crops and saves each detection in order.
func (e *Extractor) Extract(ctx context.Context, requests []Request) (*Result, error) {
	if len(requests) == 0 {
		return nil, ErrNoImagesRequested
	}

	pages := groupByPage(requests)
	rendered := e.renderPages(ctx, pages)
	if len(rendered) == 0 {
		return nil, ErrNoValidPages
	}

	valid := make(map[int]renderedPage, len(rendered))
	for _, rp := range rendered {
		valid[rp.page] = rp
	}

	detections, err := e.detect(ctx, rendered)
	if err != nil {
		return nil, err
	}

	kept := detections[:0]
	for _, d := range detections {
		if _, ok := valid[d.Page]; ok {
			kept = append(kept, d)
		}
	}
	if dropped := len(detections) - len(kept); dropped > 0 {
		e.logger.Warn().Int("dropped", dropped).Ints("valid_pages", sortedPages(valid)).Msg("Discarded detections on pages that were not rendered")
	}
	if len(kept) == 0 {
		return nil, ErrNoFiguresDetected
	}

	result := &Result{Detected: len(kept)}
	for i, d := range kept {
		rec, err := e.save(valid[d.Page].img, d)
		if err != nil {
			e.logger.Warn().Err(err).Int("detection", i).Int("page", d.Page).Msg("Skipping detection")
			continue
		}
		e.catalog.append(rec)
		result.Records = append(result.Records, rec)
		result.Markdown = append(result.Markdown, rec.Markdown())
	}

	if len(result.Records) == 0 {
		return nil, ErrNoFiguresSaved
	}

	e.logger.Info().Int("saved", len(result.Records)).Int("detected", len(kept)).Msg("Figure extraction complete")
	return result, nil
}

// groupByPage keeps pages in first-requested order.
func groupByPage(requests []Request) []renderedPage {
	index := make(map[int]int)
	var pages []renderedPage
	for _, r := range requests {
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			desc = "figure"
		}
		i, ok := index[r.Page]
		if !ok {
			i = len(pages)
			index[r.Page] = i
			pages = append(pages, renderedPage{page: r.Page})
		}
		pages[i].descriptions = append(pages[i].descriptions, desc)
	}
	return pages
}

func (e *Extractor) renderPages(ctx context.Context, pages []renderedPage) []renderedPage {
	mapper := iter.Mapper[renderedPage, renderedPage]{MaxGoroutines: e.opts.RenderWorkers}
	results := mapper.Map(pages, func(p *renderedPage) renderedPage {
		out := *p
		if out.page < 1 {
			out.err = fmt.Errorf("page %d: %w", out.page, ports.ErrPageOutOfRange)
			return out
		}

		rctx := ctx
		if e.opts.RenderTimeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, e.opts.RenderTimeout)
			defer cancel()
		}
		out.img, out.err = e.renderer.Render(rctx, e.doc, out.page, e.opts.DPI)
		if out.err == nil && out.img == nil {
			out.err = fmt.Errorf("page %d: %w", out.page, ports.ErrPageOutOfRange)
		}
		return out
	})

	rendered := make([]renderedPage, 0, len(results))
	for _, rp := range results {
		if rp.err != nil {
			event := e.logger.Warn().Int("page", rp.page)
			if !errors.Is(rp.err, ports.ErrPageOutOfRange) {
				event = event.Err(rp.err)
			}
			event.Msg("Skipping page that could not be rendered")
			continue
		}
		rendered = append(rendered, rp)
	}
	return rendered
}

// detect sends every rendered page to the vision model in one call.
func (e *Extractor) detect(ctx context.Context, rendered []renderedPage) ([]Detection, error) {
	images := make([]ports.ImagePart, 0, len(rendered))
	for _, rp := range rendered {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, rp.img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", rp.page, err)
		}
		images = append(images, ports.ImagePart{
			MimeType: "image/jpeg",
			Data:     buf.Bytes(),
			Label:    fmt.Sprintf("Page %d", rp.page),
		})
	}

	raw, err := e.vision.Analyze(ctx, detectionPrompt(rendered), images)
	if err != nil {
		return nil, fmt.Errorf("figure detection failed: %w", err)
	}

	detections := e.parseDetections(raw)
	e.logger.Debug().Int("detections", len(detections)).Int("pages", len(rendered)).Msg("Parsed detector response")
	return detections, nil
}

// parseDetections decodes the detector output. Anything undecodable is an empty list.
func (e *Extractor) parseDetections(raw string) []Detection {
	var payload struct {
		Detections []Detection `json:"detections"`
	}
	if err := e.parser.DecodeJSONObject(raw, &payload); err != nil {
		e.logger.Warn().Err(err).Str("response", truncate(raw, 300)).Msg("Detector response was not valid JSON")
		return nil
	}
	return payload.Detections
}

func detectionPrompt(rendered []renderedPage) string {
	valid := make([]string, len(rendered))
	for i, rp := range rendered {
		valid[i] = fmt.Sprintf("%d", rp.page)
	}
	pageList := "[" + strings.Join(valid, ", ") + "]"

	var b strings.Builder
	fmt.Fprintf(&b, "You are given %d rendered document pages, in this order: %s.\n", len(rendered), pageList)
	fmt.Fprintf(&b, "Use ONLY these page numbers in your answer: %s.\n\n", pageList)
	b.WriteString("Locate the figures matching these descriptions:\n")
	for _, rp := range rendered {
		fmt.Fprintf(&b, "Page %d: %s\n", rp.page, strings.Join(rp.descriptions, "; "))
	}
	fmt.Fprintf(&b, `
Respond with JSON only:
{"detections": [{"page": <one of %s>, "title": "Figure X: short title", "type": "diagram|chart|table|graph|photo|equation", "bbox": [ymin, xmin, ymax, xmax], "matched_description": "the request this satisfies"}]}
bbox values are normalized to 0-1000.`, pageList)
	return b.String()
}

// save crops, writes, and verifies one figure, returning its record.
func (e *Extractor) save(page image.Image, d Detection) (Record, error) {
	if len(d.BBox) != 4 {
		return Record{}, fmt.Errorf("bbox has %d values, want 4", len(d.BBox))
	}
	bounds := page.Bounds()
	rect, err := Normalize([4]float64{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]}, bounds.Dx(), bounds.Dy(), e.opts.Padding)
	if err != nil {
		return Record{}, fmt.Errorf("bbox %v: %w", d.BBox, err)
	}

	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(cropped, cropped.Bounds(), page, rect.Min.Add(bounds.Min), draw.Src)

	seq := e.catalog.nextSeq()
	figType := sanitize(d.Type, "figure")
	filename := fmt.Sprintf("%s_page%d_fig%d_%s.png", sanitize(e.doc.Stem(), "document"), d.Page, seq, figType)

	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return Record{}, fmt.Errorf("failed to create figure directory: %w", err)
	}
	fullPath := filepath.Join(e.opts.OutputDir, filename)
	if err := writePNG(fullPath, cropped); err != nil {
		return Record{}, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return Record{}, fmt.Errorf("figure %s missing after write: %w", filename, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(fullPath)
		return Record{}, fmt.Errorf("figure %s was written empty", filename)
	}

	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = fmt.Sprintf("Figure %d", seq)
	}

	return Record{
		Page:        d.Page,
		Title:       title,
		Type:        figType,
		Description: d.Description,
		Path:        fullPath,
		RelPath:     path.Join(e.opts.PublicDir, filename),
		BBox:        [4]int{rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y},
	}, nil
}

func writePNG(fullPath string, img image.Image) error {
	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", fullPath, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		_ = os.Remove(fullPath)
		return fmt.Errorf("failed to encode %s: %w", fullPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", fullPath, err)
	}
	return nil
}

// sanitize keeps file names portable.
func sanitize(s, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return fallback
	}
	return out
}

func sortedPages(valid map[int]renderedPage) []int {
	pages := make([]int, 0, len(valid))
	for p := range valid {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
