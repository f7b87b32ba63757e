package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/observability"
	"github.com/malwarebo/portrait/utils"
)

var texturedPalette = map[string]color.NRGBA{
	models.ColorWhite: {255, 255, 255, 255},
	models.ColorGray:  {200, 200, 210, 255},
	models.ColorBlue:  {180, 200, 230, 255},
	models.ColorBlack: {70, 70, 80, 255},
	models.ColorWarm:  {245, 235, 210, 255},
}

var solidPalette = map[string]color.NRGBA{
	models.ColorWhite: {255, 255, 255, 255},
	models.ColorGray:  {233, 236, 239, 255},
	models.ColorBlue:  {187, 222, 251, 255},
	models.ColorBlack: {52, 58, 64, 255},
	models.ColorWarm:  {255, 236, 179, 255},
}

// Render tuning, expressed as imaging percentages.
const (
	fallbackSaturation = -15.0
	fallbackContrast   = 20.0
	fallbackBrightness = 5.0
	fallbackBlurSigma  = 0.5
	fallbackJPEG       = 95
)

type RenderResult struct {
	Image       []byte
	MIMEType    string
	Transformed bool
	Err         error
}

// FallbackRenderer produces a result locally when the upstream cannot.
// It never fails outward.
type FallbackRenderer interface {
	Render(ctx context.Context, original []byte, mimeType string, opts models.StyleOptions) RenderResult
}

type LocalRenderer struct{}

func NewLocalRenderer() *LocalRenderer {
	return &LocalRenderer{}
}

func BackgroundColor(opts models.StyleOptions) color.NRGBA {
	opts = opts.WithDefaults()
	palette := texturedPalette
	if opts.Background == models.BackgroundSolid {
		palette = solidPalette
	}
	if c, ok := palette[opts.BackgroundColor]; ok {
		return c
	}
	return palette[models.ColorWhite]
}

func (r *LocalRenderer) Render(ctx context.Context, original []byte, mimeType string, opts models.StyleOptions) RenderResult {
	_, span := observability.StartSpan(ctx, "fallback.render")

	out, err := r.render(original, opts)
	observability.EndSpan(span, err)

	if err != nil {
		utils.Warn(ctx, "Local fallback render failed, returning original image", map[string]interface{}{
			"error": err.Error(),
		})
		return RenderResult{Image: original, MIMEType: mimeType, Transformed: false, Err: err}
	}
	return RenderResult{Image: out, MIMEType: "image/jpeg", Transformed: true}
}

func (r *LocalRenderer) render(original []byte, opts models.StyleOptions) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("render panic: %v", rec)
		}
	}()

	src, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), BackgroundColor(opts))
	canvas = imaging.Overlay(canvas, src, image.Pt(0, 0), 1.0)

	img := imaging.AdjustSaturation(canvas, fallbackSaturation)
	img = imaging.AdjustContrast(img, fallbackContrast)
	img = imaging.AdjustBrightness(img, fallbackBrightness)
	img = imaging.Blur(img, fallbackBlurSigma)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(fallbackJPEG)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
