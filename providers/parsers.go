package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/malwarebo/portrait/utils"
)

const (
	previewLimit     = 800
	maxFetchedBytes  = 32 << 20
	dataURIPrefix    = "data:image"
	dataURIBase64Sep = "base64,"
)

type ParsedImage struct {
	Data     []byte
	MIMEType string
}

// ResponseParser recognizes one response shape. matched is false when the body
// is not in that shape; an error means it matched but could not be decoded.
type ResponseParser interface {
	Name() string
	Parse(ctx context.Context, body []byte) (img ParsedImage, matched bool, err error)
}

// Fetcher downloads images referenced by URL-style responses.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// DefaultParsers returns the strategies in priority order.
func DefaultParsers(fetcher Fetcher) []ResponseParser {
	return []ResponseParser{
		&ChatDataURIParser{},
		&InlineDataParser{},
		&LegacyBase64Parser{},
		&LegacyURLParser{Fetcher: fetcher},
	}
}

// ParseResponse runs the parsers in order. It never panics: anything that goes
// wrong surfaces as an OutcomeUpstreamError or OutcomeUnknownFormat.
func ParseResponse(ctx context.Context, body []byte, parsers []ResponseParser) (out GenerationOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = GenerationOutcome{Kind: OutcomeUpstreamError, Message: fmt.Sprintf("response parsing panicked: %v", r)}
		}
	}()

	if !json.Valid(body) {
		return GenerationOutcome{Kind: OutcomeUnknownFormat, Preview: preview(body)}
	}

	for _, p := range parsers {
		img, matched, err := p.Parse(ctx, body)
		if err != nil {
			return GenerationOutcome{Kind: OutcomeUpstreamError, Format: p.Name(), Message: fmt.Sprintf("%s: %v", p.Name(), err)}
		}
		if matched {
			return GenerationOutcome{Kind: OutcomeSuccess, Image: img.Data, MIMEType: img.MIMEType, Format: p.Name()}
		}
	}

	if msg := errorEnvelopeMessage(body); msg != "" {
		return GenerationOutcome{Kind: OutcomeUpstreamError, Message: msg}
	}
	return GenerationOutcome{Kind: OutcomeUnknownFormat, Preview: preview(body)}
}

func preview(body []byte) string {
	return utils.Truncate(string(body), previewLimit)
}

// TopLevelKeys lists the body's top-level JSON keys for diagnostics.
func TopLevelKeys(body []byte) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func errorEnvelopeMessage(body []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 {
		return ""
	}

	var detailed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &detailed); err == nil && detailed.Message != "" {
		return detailed.Message
	}
	var plain string
	if err := json.Unmarshal(env.Error, &plain); err == nil {
		return plain
	}
	return utils.Truncate(string(env.Error), 200)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("invalid base64 image data: %w", err)
}

// decodeDataURI splits "data:image/png;base64,<payload>".
func decodeDataURI(uri string) (ParsedImage, error) {
	idx := strings.Index(uri, dataURIBase64Sep)
	if idx < 0 {
		return ParsedImage{}, fmt.Errorf("data URI is not base64 encoded")
	}

	mimeType := strings.TrimPrefix(uri[:idx], "data:")
	mimeType = strings.TrimSuffix(mimeType, ";")
	if semi := strings.Index(mimeType, ";"); semi >= 0 {
		mimeType = mimeType[:semi]
	}

	data, err := decodeBase64(uri[idx+len(dataURIBase64Sep):])
	if err != nil {
		return ParsedImage{}, err
	}
	if len(data) == 0 {
		return ParsedImage{}, fmt.Errorf("data URI carries no bytes")
	}
	return ParsedImage{Data: data, MIMEType: mimeType}, nil
}

func isImageDataURI(s string) bool {
	return strings.HasPrefix(s, dataURIPrefix) && strings.Contains(s, dataURIBase64Sep)
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatResponseBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ChatDataURIParser reads choices[0].message.content when it holds a data URI,
// either as the whole string or inside a text or image_url block.
type ChatDataURIParser struct{}

func (p *ChatDataURIParser) Name() string { return "chat_data_uri" }

func (p *ChatDataURIParser) Parse(ctx context.Context, body []byte) (ParsedImage, bool, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return ParsedImage{}, false, nil
	}
	content := resp.Choices[0].Message.Content
	if len(content) == 0 {
		return ParsedImage{}, false, nil
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		text = strings.TrimSpace(text)
		if !isImageDataURI(text) {
			return ParsedImage{}, false, nil
		}
		img, err := decodeDataURI(text)
		return img, err == nil, err
	}

	var blocks []chatResponseBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ParsedImage{}, false, nil
	}
	for _, b := range blocks {
		candidate := strings.TrimSpace(b.Text)
		if b.ImageURL != nil {
			candidate = strings.TrimSpace(b.ImageURL.URL)
		}
		if isImageDataURI(candidate) {
			img, err := decodeDataURI(candidate)
			return img, err == nil, err
		}
	}
	return ParsedImage{}, false, nil
}

type inlineBlob struct {
	MIMEType      string `json:"mimeType"`
	MIMETypeSnake string `json:"mime_type"`
	Data          string `json:"data"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text            string      `json:"text"`
				InlineData      *inlineBlob `json:"inlineData"`
				InlineDataSnake *inlineBlob `json:"inline_data"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// InlineDataParser reads the first part of candidates[0] that carries inline
// image data, under either inlineData or inline_data.
type InlineDataParser struct{}

func (p *InlineDataParser) Name() string { return "inline_data" }

func (p *InlineDataParser) Parse(ctx context.Context, body []byte) (ParsedImage, bool, error) {
	var resp generateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Candidates) == 0 {
		return ParsedImage{}, false, nil
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		blob := part.InlineData
		if blob == nil {
			blob = part.InlineDataSnake
		}
		if blob == nil || blob.Data == "" {
			continue
		}

		data, err := decodeBase64(blob.Data)
		if err != nil {
			return ParsedImage{}, false, err
		}
		mimeType := blob.MIMEType
		if mimeType == "" {
			mimeType = blob.MIMETypeSnake
		}
		return ParsedImage{Data: data, MIMEType: mimeType}, true, nil
	}
	return ParsedImage{}, false, nil
}

// LegacyBase64Parser reads a top-level "image" field holding base64 or a data URI.
type LegacyBase64Parser struct{}

func (p *LegacyBase64Parser) Name() string { return "legacy_base64" }

func (p *LegacyBase64Parser) Parse(ctx context.Context, body []byte) (ParsedImage, bool, error) {
	var resp struct {
		Image *string `json:"image"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Image == nil || *resp.Image == "" {
		return ParsedImage{}, false, nil
	}

	if isImageDataURI(*resp.Image) {
		img, err := decodeDataURI(*resp.Image)
		return img, err == nil, err
	}
	data, err := decodeBase64(*resp.Image)
	if err != nil {
		return ParsedImage{}, false, err
	}
	return ParsedImage{Data: data, MIMEType: http.DetectContentType(data)}, true, nil
}

// LegacyURLParser follows a top-level "url" field with a secondary download.
type LegacyURLParser struct {
	Fetcher Fetcher
}

func (p *LegacyURLParser) Name() string { return "legacy_url" }

func (p *LegacyURLParser) Parse(ctx context.Context, body []byte) (ParsedImage, bool, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.URL == "" {
		return ParsedImage{}, false, nil
	}
	if p.Fetcher == nil {
		return ParsedImage{}, false, fmt.Errorf("response references %s but no fetcher is configured", resp.URL)
	}

	data, mimeType, err := p.Fetcher.Fetch(ctx, resp.URL)
	if err != nil {
		return ParsedImage{}, false, err
	}
	return ParsedImage{Data: data, MIMEType: mimeType}, true, nil
}

// HTTPFetcher downloads result images with its own timeout.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout > 0 {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read downloaded image: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("downloaded image is empty")
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
