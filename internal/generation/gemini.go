package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ Gateway = (*GeminiClient)(nil)

type GeminiOption func(*GeminiClient)

func WithBaseURL(url string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(hc *http.Client) GeminiOption {
	return func(c *GeminiClient) { c.httpClient = hc }
}

func NewGeminiClient(apiKey, model string, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func prompt(itemType string) string {
	if strings.TrimSpace(itemType) == "" {
		itemType = DefaultItemType
	}
	return fmt.Sprintf("Make the person in the first image wear the %s from the second image. "+
		"Replace the original %s completely so none of it remains visible, with realistic fit, lighting and shadows. "+
		"Keep the aspect ratio of the first image with no cropping.", itemType, itemType)
}

// Generate sends both images and the prompt, and classifies the reply.
func (c *GeminiClient) Generate(ctx context.Context, in Input) (*Result, error) {
	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{
		Role: "user",
		Parts: []geminiPart{
			{InlineData: inline(in.Base)},
			{InlineData: inline(in.Overlay)},
			{Text: prompt(in.ItemTypeHint)},
		},
	}}})
	if err != nil {
		return nil, fmt.Errorf("encoding gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gemini: %w", err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("%w: decoding: %w", ErrBadResponse, err)
	}
	return classify(&gr)
}

func inline(img Image) *geminiInlineData {
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return &geminiInlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(img.Data)}
}

// safetyFinishReasons are the candidate finish reasons that mean content was
// withheld by policy. Any other non-STOP reason is a gateway failure.
var safetyFinishReasons = map[string]bool{
	"SAFETY":             true,
	"IMAGE_SAFETY":       true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"RECITATION":         true,
}

func classify(gr *geminiResponse) (*Result, error) {
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return &Result{Kind: ResultPolicyBlock, Reason: gr.PromptFeedback.BlockReason}, nil
	}
	if len(gr.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrBadResponse)
	}

	cand := gr.Candidates[0]
	var texts []string
	for _, p := range cand.Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: image payload: %w", ErrBadResponse, err)
			}
			mime := p.InlineData.MimeType
			if mime == "" {
				mime = mimetype.Detect(data).String()
			}
			return &Result{Kind: ResultImage, Image: Image{Data: data, MIME: mime}}, nil
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}

	switch {
	case safetyFinishReasons[cand.FinishReason]:
		return &Result{Kind: ResultPolicyBlock, Reason: cand.FinishReason}, nil
	case cand.FinishReason != "" && cand.FinishReason != "STOP":
		return nil, fmt.Errorf("%w: finish reason %s", ErrBadResponse, cand.FinishReason)
	}
	if len(texts) > 0 {
		return &Result{Kind: ResultTextOnly, Text: strings.Join(texts, "\n")}, nil
	}
	return nil, fmt.Errorf("%w: candidate has no image", ErrBadResponse)
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}
