package providers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/malwarebo/portrait/models"
)

const (
	defaultTemperature = 0.9
	defaultTopP        = 0.95
	defaultMaxTokens   = 4096
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeUpstreamError
	OutcomeUnknownFormat
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeUpstreamError:
		return "upstream_error"
	default:
		return "unknown_format"
	}
}

// GenerationOutcome is the normalized result of parsing one upstream body.
// Image and Format are set for OutcomeSuccess, Message for OutcomeUpstreamError
// and Preview for OutcomeUnknownFormat.
type GenerationOutcome struct {
	Kind     OutcomeKind
	Image    []byte
	MIMEType string
	Format   string
	Message  string
	Preview  string
}

// WireAdapter turns a GenerationRequest into one provider request body.
type WireAdapter interface {
	Shape() WireShape
	BuildPayload(req models.GenerationRequest) ([]byte, error)
}

func NewWireAdapter(endpoint Endpoint) WireAdapter {
	if endpoint.Shape == ShapeGenerateContent {
		return &GenerateContentAdapter{}
	}
	return &ChatCompletionsAdapter{model: endpoint.Model}
}

func encodeImage(req models.GenerationRequest) (string, string, error) {
	if len(req.Image) == 0 {
		return "", "", fmt.Errorf("generation request has no image")
	}
	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return base64.StdEncoding.EncodeToString(req.Image), mimeType, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Seed        int64         `json:"seed"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content []chatBlock `json:"content"`
}

type chatBlock struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type ChatCompletionsAdapter struct {
	model string
}

func (a *ChatCompletionsAdapter) Shape() WireShape {
	return ShapeChatCompletions
}

func (a *ChatCompletionsAdapter) BuildPayload(req models.GenerationRequest) ([]byte, error) {
	data, mimeType, err := encodeImage(req)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatBlock{
				{Type: "text", Text: BuildInstruction(req.Options)},
				{Type: "image_url", ImageURL: &chatImageURL{URL: "data:" + mimeType + ";base64," + data}},
			},
		}},
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
		Seed:        req.Seed,
		MaxTokens:   defaultMaxTokens,
	}
	return json.Marshal(body)
}

type generateContentRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature        float64           `json:"temperature"`
	TopP               float64           `json:"topP"`
	ResponseModalities []string          `json:"responseModalities"`
	ImageConfig        geminiImageConfig `json:"imageConfig"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio"`
}

type GenerateContentAdapter struct{}

func (a *GenerateContentAdapter) Shape() WireShape {
	return ShapeGenerateContent
}

func (a *GenerateContentAdapter) BuildPayload(req models.GenerationRequest) ([]byte, error) {
	data, mimeType, err := encodeImage(req)
	if err != nil {
		return nil, err
	}

	body := generateContentRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: BuildInstruction(req.Options)},
				{InlineData: &geminiInlineData{MIMEType: mimeType, Data: data}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:        defaultTemperature,
			TopP:               defaultTopP,
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        geminiImageConfig{AspectRatio: TargetAspectRatio},
		},
	}
	return json.Marshal(body)
}
