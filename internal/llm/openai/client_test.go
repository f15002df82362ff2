package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jbndrf/Tabtin-sub001/internal/llm"
)

func TestComplete_SendsVisionRequest(t *testing.T) {
	var got llm.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tenant-key" {
			t.Errorf("authorization %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"  {\"Total\": 5}  "}}],"usage":{"total_tokens":321}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "default-key", Model: "default-model"}, nil)
	out, err := c.Complete(context.Background(), llm.Endpoint{
		URL:    srv.URL + "/v1",
		APIKey: "tenant-key",
		Model:  "vision-model",
	}, []llm.ContentPart{
		llm.TextPart("extract"),
		llm.ImagePart(llm.DataURL("image/png", "a.png", []byte{1, 2, 3})),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Content != `{"Total": 5}` {
		t.Errorf("content %q", out.Content)
	}
	if out.TotalTokens == nil || *out.TotalTokens != 321 {
		t.Errorf("tokens %v", out.TotalTokens)
	}
	if out.Model != "vision-model" || got.Model != "vision-model" {
		t.Errorf("model %q / %q", out.Model, got.Model)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || len(got.Messages[0].Content) != 2 {
		t.Fatalf("messages %+v", got.Messages)
	}
	img := got.Messages[0].Content[1]
	if img.Type != "image_url" || !strings.HasPrefix(img.ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image part %+v", img)
	}
}

func TestComplete_NonSuccessStatusCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.Complete(context.Background(), llm.Endpoint{}, []llm.ContentPart{llm.TextPart("x")})
	var se *llm.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("error lacks body: %v", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	timeout := 50 * time.Millisecond
	_, err := c.Complete(context.Background(), llm.Endpoint{Timeout: &timeout}, []llm.ContentPart{llm.TextPart("x")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	if _, err := c.Complete(context.Background(), llm.Endpoint{}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestChatURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://api.example.com/v1":                   "https://api.example.com/v1/chat/completions",
		"https://api.example.com/v1/":                  "https://api.example.com/v1/chat/completions",
		"https://host/openai/v1/chat/completions":      "https://host/openai/v1/chat/completions",
		" http://localhost:11434/v1/chat/completions/": "http://localhost:11434/v1/chat/completions",
	} {
		if got := chatURL(in); got != want {
			t.Errorf("chatURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestComplete_SendsResponseFormatWithSchema(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	schema := map[string]any{"type": "object"}
	if _, err := c.Complete(context.Background(), llm.Endpoint{Schema: schema}, []llm.ContentPart{llm.TextPart("x")}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rf, ok := got["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_schema" {
		t.Fatalf("response_format = %v", got["response_format"])
	}
	js := rf["json_schema"].(map[string]any)
	if js["name"] != "extractions" || js["schema"].(map[string]any)["type"] != "object" {
		t.Errorf("json_schema = %v", js)
	}

	if _, err := c.Complete(context.Background(), llm.Endpoint{}, []llm.ContentPart{llm.TextPart("x")}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := got["response_format"]; ok {
		t.Errorf("response_format sent without a schema")
	}
}
