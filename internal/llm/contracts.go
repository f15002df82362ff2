package llm

import (
	"context"
	"time"
)

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func TextPart(s string) ContentPart { return ContentPart{Type: "text", Text: s} }

func ImagePart(dataURL string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}}
}

type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ChatRequest is the OpenAI-compatible chat/completions body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	// ResponseFormat asks for schema-constrained output when the endpoint supports it.
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *JSONSchemaSpec `json:"json_schema,omitempty"`
}

type JSONSchemaSpec struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Endpoint carries per-tenant connection settings. Empty fields fall back to
// the client's defaults. A Timeout of zero means no ceiling.
type Endpoint struct {
	URL         string
	APIKey      string
	Model       string
	Temperature *float32
	Timeout     *time.Duration
	// Schema, when set, constrains the reply through response_format.
	Schema map[string]any
}

// Completion is the raw text a model returned plus accounting.
type Completion struct {
	Content     string
	Model       string
	TotalTokens *int
}

// VisionClient sends one multimodal prompt and returns the model's reply text.
type VisionClient interface {
	Complete(ctx context.Context, ep Endpoint, parts []ContentPart) (Completion, error)
}
