package models

import (
	"strings"
	"time"
)

const (
	ClothingBusinessSuit = "business_suit"
	ClothingFormalDress  = "formal_dress"
	ClothingCasualShirt  = "casual_shirt"
	ClothingTurtleneck   = "turtleneck"
	ClothingTShirt       = "tshirt"
	ClothingKeepOriginal = "keep_original"

	AngleFront      = "front"
	AngleSlightTilt = "slight_tilt"

	BackgroundTextured = "textured"
	BackgroundSolid    = "solid"

	ColorWhite = "white"
	ColorGray  = "gray"
	ColorBlue  = "blue"
	ColorBlack = "black"
	ColorWarm  = "warm"

	BeautifyYes = "yes"
	BeautifyNo  = "no"

	DefaultStyle = "portrait"
)

type StyleOptions struct {
	Style           string `json:"style" validate:"max=32"`
	Clothing        string `json:"clothing" validate:"oneof=business_suit formal_dress casual_shirt turtleneck tshirt keep_original"`
	Angle           string `json:"angle" validate:"oneof=front slight_tilt"`
	Background      string `json:"background" validate:"oneof=textured solid"`
	BackgroundColor string `json:"bgColor" validate:"oneof=white gray blue black warm"`
	Beautify        string `json:"beautify" validate:"oneof=yes no"`
}

// WithDefaults fills unset selections with the service defaults.
func (s StyleOptions) WithDefaults() StyleOptions {
	if strings.TrimSpace(s.Style) == "" {
		s.Style = DefaultStyle
	}
	if s.Clothing == "" {
		s.Clothing = ClothingBusinessSuit
	}
	if s.Angle == "" {
		s.Angle = AngleFront
	}
	if s.Background == "" {
		s.Background = BackgroundTextured
	}
	if s.BackgroundColor == "" {
		s.BackgroundColor = ColorWhite
	}
	if s.Beautify == "" {
		s.Beautify = BeautifyNo
	}
	return s
}

func (s StyleOptions) Descriptor() string {
	return s.Style + "_" + s.Clothing + "_" + s.Background
}

// GenerationRequest is built once per upload and treated as read-only.
// Retries derive copies through WithSeed.
type GenerationRequest struct {
	Image    []byte
	MIMEType string
	Options  StyleOptions
	Provider string
	Model    string
	Seed     int64
}

func NewGenerationRequest(image []byte, mimeType string, opts StyleOptions, provider, model string, now time.Time) GenerationRequest {
	buf := make([]byte, len(image))
	copy(buf, image)
	return GenerationRequest{
		Image:    buf,
		MIMEType: mimeType,
		Options:  opts.WithDefaults(),
		Provider: provider,
		Model:    model,
		Seed:     SeedFor(now),
	}
}

func (r GenerationRequest) WithSeed(seed int64) GenerationRequest {
	r.Seed = seed
	return r
}

// SeedFor derives the cache-busting seed from wall time.
func SeedFor(now time.Time) int64 {
	return now.UnixMilli() % 1_000_000
}
