package figures

import (
	"errors"
	"image"
	"math"
)

// ErrEmptyRect is returned when a box has no area after padding and clamping.
var ErrEmptyRect = errors.New("bounding box has no area inside the page")

// ErrInvalidBox is returned for boxes with non-finite coordinates.
var ErrInvalidBox = errors.New("bounding box has non-finite coordinates")

// Convention is the coordinate system a detector used for a box.
type Convention int

const (
	// Fractional boxes are [x_min, y_min, x_max, y_max] in 0..1.
	Fractional Convention = iota
	// PerMille boxes are [y_min, x_min, y_max, x_max] in 0..1000.
	PerMille
	// Pixel boxes are [x_min, y_min, x_max, y_max] in page pixels.
	Pixel
)

func (c Convention) String() string {
	switch c {
	case Fractional:
		return "fractional"
	case PerMille:
		return "per-mille"
	default:
		return "pixel"
	}
}

// DetectConvention picks the convention from the largest coordinate.
func DetectConvention(box [4]float64) Convention {
	m := math.Max(math.Max(box[0], box[1]), math.Max(box[2], box[3]))
	switch {
	case m <= 1:
		return Fractional
	case m <= 1000:
		return PerMille
	default:
		return Pixel
	}
}

// ToPixels converts box into page pixels without padding or clamping.
func ToPixels(box [4]float64, width, height int) (x0, y0, x1, y1 int) {
	w, h := float64(width), float64(height)
	switch DetectConvention(box) {
	case Fractional:
		return int(box[0] * w), int(box[1] * h), int(box[2] * w), int(box[3] * h)
	case PerMille:
		ymin, xmin, ymax, xmax := box[0], box[1], box[2], box[3]
		return int(xmin / 1000 * w), int(ymin / 1000 * h), int(xmax / 1000 * w), int(ymax / 1000 * h)
	default:
		return int(box[0]), int(box[1]), int(box[2]), int(box[3])
	}
}

// Normalize converts a detected box into a padded crop rectangle that lies
// within [0,width]x[0,height].
func Normalize(box [4]float64, width, height, padding int) (image.Rectangle, error) {
	for _, v := range box {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return image.Rectangle{}, ErrInvalidBox
		}
	}

	x0, y0, x1, y1 := ToPixels(box, width, height)

	x0 = clamp(x0-padding, 0, width)
	y0 = clamp(y0-padding, 0, height)
	x1 = clamp(x1+padding, 0, width)
	y1 = clamp(y1+padding, 0, height)

	if x1 <= x0 || y1 <= y0 {
		return image.Rectangle{}, ErrEmptyRect
	}
	return image.Rect(x0, y0, x1, y1), nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
