package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ErrUnsupportedKind is returned for transformation kinds the renderer cannot apply
var ErrUnsupportedKind = errors.New("unsupported transformation kind")

// PreviewRequest describes one transformation to render on a sample image.
// For dual-value kinds Value is a signed delta (brightness 0.2 means +20%).
// Width and Height are only read for resize.
type PreviewRequest struct {
	Kind   string
	Value  float64
	Auto   bool
	Width  int
	Height int
}

// PreviewResult is a rendered sample and the value actually applied
type PreviewResult struct {
	Image        *image.NRGBA
	AppliedValue float64
}

// PreviewRenderer applies a single transformation to a downscaled sample
type PreviewRenderer struct {
	maxEdge int
	logger  *logrus.Logger
}

// NewPreviewRenderer creates a renderer fitting samples into maxEdge pixels
func NewPreviewRenderer(maxEdge int, logger *logrus.Logger) *PreviewRenderer {
	return &PreviewRenderer{maxEdge: maxEdge, logger: logger}
}

// Decode validates and decodes an uploaded sample image
func (pr *PreviewRenderer) Decode(filename string, data []byte) (image.Image, error) {
	if !isImageFile(filename) {
		return nil, fmt.Errorf("unsupported file type")
	}
	if _, err := validateImageMagicBytes(data); err != nil {
		return nil, fmt.Errorf("invalid image file: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Render applies req to src. The value is clamped to the kind's range first;
// with req.Auto the generated counterpart of the clamped value is applied.
func (pr *PreviewRenderer) Render(src image.Image, req PreviewRequest) (*PreviewResult, error) {
	sample := imaging.Fit(src, pr.maxEdge, pr.maxEdge, imaging.Lanczos)

	value, err := previewValue(req)
	if err != nil {
		return nil, err
	}

	var out *image.NRGBA
	switch req.Kind {
	case KindRotate:
		out = imaging.Rotate(sample, value, color.Transparent)
	case KindShear:
		out = shearHorizontal(sample, value)
	case KindBrightness:
		out = imaging.AdjustBrightness(sample, value*100)
	case KindContrast:
		out = imaging.AdjustContrast(sample, value*100)
	case KindHue:
		out = adjustHSL(sample, value, 1)
	case KindSaturation:
		out = adjustHSL(sample, 0, value)
	case KindGamma:
		out = imaging.AdjustGamma(sample, value)
	case KindBlur:
		out = imaging.Blur(sample, value)
	case KindFlip:
		out = imaging.FlipH(sample)
	case KindResize:
		w := resizeRange.Width.Clamp(req.Width)
		h := resizeRange.Height.Clamp(req.Height)
		// keep the preview within maxEdge while preserving the requested aspect
		scale := math.Min(1, float64(pr.maxEdge)/float64(max(w, h)))
		out = imaging.Resize(sample, max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale)), imaging.Lanczos)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}

	pr.logger.WithFields(logrus.Fields{
		"kind":      req.Kind,
		"requested": req.Value,
		"applied":   value,
		"auto":      req.Auto,
		"width":     out.Bounds().Dx(),
		"height":    out.Bounds().Dy(),
	}).Debug("Rendered preview")

	return &PreviewResult{Image: out, AppliedValue: value}, nil
}

// Encode writes a rendered preview as JPEG
func (pr *PreviewRenderer) Encode(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(PreviewJPEGQuality))
}

// previewValue clamps the requested value and applies auto-generation
func previewValue(req PreviewRequest) (float64, error) {
	switch req.Kind {
	case KindFlip, KindResize:
		return 0, nil
	}

	var value float64
	if dual, ok := DualValueRangeFor(req.Kind); ok {
		value = dual.Clamp(req.Value)
	} else if r, ok := Parameters(req.Kind); ok {
		value = r.Snap(req.Value)
	} else {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}

	if req.Auto {
		value = GenerateAutoValue(req.Kind, value)
	}
	return value, nil
}

// shearHorizontal shifts each row by tan(degrees) * y, widening the canvas to fit
func shearHorizontal(img *image.NRGBA, degrees float64) *image.NRGBA {
	b := img.Bounds()
	k := math.Tan(degrees * math.Pi / 180)
	extra := int(math.Ceil(math.Abs(k) * float64(b.Dy())))

	offset := 0.0
	if k < 0 {
		offset = -k * float64(b.Dy())
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()+extra, b.Dy()))
	s2d := f64.Aff3{
		1, k, offset - float64(b.Min.X) - k*float64(b.Min.Y),
		0, 1, -float64(b.Min.Y),
	}
	draw.BiLinear.Transform(dst, s2d, img, b, draw.Src, nil)
	return dst
}

// adjustHSL rotates hue by shift degrees and scales saturation by factor
func adjustHSL(img *image.NRGBA, shift, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		h, s, l := rgbToHSL(c.R, c.G, c.B)
		h = math.Mod(h+shift/360+1, 1)
		s = math.Max(0, math.Min(1, s*factor))
		r, g, bl := hslToRGB(h, s, l)
		return color.NRGBA{R: r, G: g, B: bl, A: c.A}
	})
}

func rgbToHSL(r8, g8, b8 uint8) (h, s, l float64) {
	r := float64(r8) / 255
	g := float64(g8) / 255
	b := float64(b8) / 255
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	l = (hi + lo) / 2
	if hi == lo {
		return 0, 0, l
	}

	d := hi - lo
	if l > 0.5 {
		s = d / (2 - hi - lo)
	} else {
		s = d / (hi + lo)
	}

	switch hi {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	return h / 6, s, l
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	if s == 0 {
		v := clampUint8(l * 255)
		return v, v, v
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q

	r := hueToRGB(p, q, h+1.0/3)
	g := hueToRGB(p, q, h)
	b := hueToRGB(p, q, h-1.0/3)
	return clampUint8(r * 255), clampUint8(g * 255), clampUint8(b * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	}
	return p
}

func clampUint8(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
