package harnessports

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"strings"
)

// ErrPageOutOfRange is returned by renderers for pages outside 1..PageCount.
var ErrPageOutOfRange = errors.New("page out of range")

// DocumentRef identifies the document a session is reading.
type DocumentRef struct {
	Path string `json:"path"`
}

// Stem is the file name without directory or extension.
func (d DocumentRef) Stem() string {
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PageRenderer rasterizes and reads document pages. Pages are 1-indexed.
type PageRenderer interface {
	PageCount(ctx context.Context, doc DocumentRef) (int, error)
	Render(ctx context.Context, doc DocumentRef, page int, dpi float64) (image.Image, error)
	Text(ctx context.Context, doc DocumentRef, page int) (string, error)
}

// ImagePart is an encoded image handed to a vision model.
type ImagePart struct {
	MimeType string
	Data     []byte
	Label    string // e.g. "Page 3"
}

// VisionModel answers a prompt about one or more images.
type VisionModel interface {
	Analyze(ctx context.Context, prompt string, images []ImagePart) (string, error)
}
