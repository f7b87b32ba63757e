package providers

import (
	"fmt"

	"github.com/malwarebo/portrait/models"
)

const (
	TargetAspectRatio = "3:4"
	TargetResolution  = "2048x2730"
)

var clothingText = map[string]string{
	models.ClothingBusinessSuit: "professional business suit",
	models.ClothingFormalDress:  "formal dress attire",
	models.ClothingCasualShirt:  "casual button-down shirt",
	models.ClothingTurtleneck:   "elegant turtleneck sweater",
	models.ClothingTShirt:       "simple minimalist t-shirt",
	models.ClothingKeepOriginal: "original clothing",
}

var colorText = map[string]string{
	models.ColorWhite: "white",
	models.ColorGray:  "gray",
	models.ColorBlue:  "soft blue",
	models.ColorBlack: "dark charcoal",
	models.ColorWarm:  "warm cream",
}

var angleText = map[string]string{
	models.AngleFront:      "front-facing portrait, looking directly at camera",
	models.AngleSlightTilt: "slight tilt angle, body slightly turned, face toward camera",
}

var beautifyText = map[string]string{
	models.BeautifyYes: "SUBTLE BEAUTIFICATION: natural skin brightening, refined skin texture, maintain realistic facial proportions",
	models.BeautifyNo:  "NO RETOUCHING: preserve authentic appearance without beauty enhancements",
}

func lookup(table map[string]string, key, fallback string) string {
	if v, ok := table[key]; ok {
		return v
	}
	return fallback
}

// BuildInstruction renders the image-to-image instruction for the selected
// options. The output depends only on opts.
func BuildInstruction(opts models.StyleOptions) string {
	opts = opts.WithDefaults()

	clothing := lookup(clothingText, opts.Clothing, clothingText[models.ClothingBusinessSuit])
	color := lookup(colorText, opts.BackgroundColor, colorText[models.ColorWhite])
	angle := lookup(angleText, opts.Angle, angleText[models.AngleFront])
	beautify := lookup(beautifyText, opts.Beautify, beautifyText[models.BeautifyNo])

	background := fmt.Sprintf("textured studio background in %s tones, soft professional lighting, subtle bokeh effect", color)
	if opts.Background == models.BackgroundSolid {
		background = fmt.Sprintf("clean solid %s background, uniform color tone", color)
	}

	return fmt.Sprintf(`GENERATE A PROFESSIONAL PORTRAIT PHOTO USING THE FOLLOWING INSTRUCTIONS:

TASK: Image-to-Image Transformation
Create a new professional portrait by changing the subject's clothing and background while preserving facial identity and features.

SUBJECT REQUIREMENTS:
- MAINTAIN exact facial features and hairstyle from reference image
- PRESERVE subject's gender and age characteristics
- OPTIMIZE skin tone lighting for professional appearance
- %[1]s

CLOTHING INSTRUCTIONS:
- DRESS subject in %[2]s
- ENSURE proper fit with natural draping
- CREATE realistic appearance with appropriate folds and textures

BACKGROUND INSTRUCTIONS:
- REPLACE original background completely
- USE %[3]s
- MAINTAIN clean and professional aesthetic

COMPOSITION AND STYLE:
- COMPOSE professional American-style portrait
- POSITION subject in %[4]s
- DIRECT subject to stand tall with upright posture
- SET ultra-high 2K resolution with sharp focus
- FRAME at %[5]s aspect ratio (%[6]s pixels)
- LIGHT with studio-grade lighting setup

CRITICAL CONSTRAINTS:
- THIS IS IMAGE-TO-IMAGE: DO NOT return the input image unchanged
- DO NOT apply simple filters or color adjustments
- MUST generate a completely new image
- MUST visibly differ from original: different clothing, different background, different lighting

TECHNICAL SPECIFICATIONS:
- Resolution: %[6]s pixels (2K)
- Aspect Ratio: %[5]s
- Format: Portrait photography
- Style: Professional corporate headshot
- Lighting: Studio setup with softbox and rim light`,
		beautify, clothing, background, angle, TargetAspectRatio, TargetResolution)
}
