package adapters

import (
	"context"
	"fmt"
	"image"
	"sync"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog"
)

// FitzRenderer rasterizes PDF pages with MuPDF. Open documents are cached by path
// until Close.
type FitzRenderer struct {
	mu     sync.Mutex
	docs   map[string]*fitz.Document
	logger zerolog.Logger
}

// NewFitzRenderer creates a renderer with an empty document cache.
func NewFitzRenderer(logger zerolog.Logger) *FitzRenderer {
	return &FitzRenderer{
		docs:   make(map[string]*fitz.Document),
		logger: logger,
	}
}

func (r *FitzRenderer) open(doc ports.DocumentRef) (*fitz.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.docs[doc.Path]; ok {
		return d, nil
	}

	d, err := fitz.New(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document %s: %w", doc.Path, err)
	}
	r.docs[doc.Path] = d
	r.logger.Debug().Str("path", doc.Path).Int("pages", d.NumPage()).Msg("Opened document")
	return d, nil
}

// PageCount returns the number of pages in doc.
func (r *FitzRenderer) PageCount(ctx context.Context, doc ports.DocumentRef) (int, error) {
	d, err := r.open(doc)
	if err != nil {
		return 0, err
	}
	return d.NumPage(), nil
}

// Render rasterizes a 1-indexed page at dpi.
func (r *FitzRenderer) Render(ctx context.Context, doc ports.DocumentRef, page int, dpi float64) (image.Image, error) {
	d, err := r.open(doc)
	if err != nil {
		return nil, err
	}
	if page < 1 || page > d.NumPage() {
		return nil, fmt.Errorf("page %d of %d: %w", page, d.NumPage(), ports.ErrPageOutOfRange)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := d.ImageDPI(page-1, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	return img, nil
}

// Text extracts the plain text of a 1-indexed page.
func (r *FitzRenderer) Text(ctx context.Context, doc ports.DocumentRef, page int) (string, error) {
	d, err := r.open(doc)
	if err != nil {
		return "", err
	}
	if page < 1 || page > d.NumPage() {
		return "", fmt.Errorf("page %d of %d: %w", page, d.NumPage(), ports.ErrPageOutOfRange)
	}

	text, err := d.Text(page - 1)
	if err != nil {
		return "", fmt.Errorf("failed to extract text of page %d: %w", page, err)
	}
	return text, nil
}

// Forget closes and drops one cached document.
func (r *FitzRenderer) Forget(doc ports.DocumentRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.docs[doc.Path]; ok {
		_ = d.Close()
		delete(r.docs, doc.Path)
	}
}

// Close releases every cached document.
func (r *FitzRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, d := range r.docs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", path, err)
		}
		delete(r.docs, path)
	}
	return firstErr
}

var _ ports.PageRenderer = (*FitzRenderer)(nil)
