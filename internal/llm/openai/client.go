package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
)

var _ llm.VisionClient = (*Client)(nil)

// Complete sends one user message made of parts to the chat/completions
// endpoint and returns choices[0].message.content.
func (c *Client) Complete(ctx context.Context, ep llm.Endpoint, parts []llm.ContentPart) (llm.Completion, error) {
	rid := uuid.New().String()
	start := time.Now()

	model := firstNonEmpty(ep.Model, c.cfg.Model)
	apiKey := firstNonEmpty(ep.APIKey, c.cfg.APIKey)
	url := chatURL(firstNonEmpty(ep.URL, c.cfg.BaseURL))

	temp := c.cfg.Temperature
	if ep.Temperature != nil {
		temp = *ep.Temperature
	}
	timeout := c.cfg.Timeout
	if ep.Timeout != nil {
		timeout = *ep.Timeout
	}

	images := 0
	for _, p := range parts {
		if p.ImageURL != nil {
			images++
		}
	}
	c.logger.Info("llm.extract.start",
		"req_id", rid,
		"tenant_id", common.TenantIDFromContext(ctx),
		"job_id", common.JobIDFromContext(ctx),
		"model", model,
		"images", images,
		"structured", ep.Schema != nil,
		"timeout", timeout.String(),
	)

	callCtx, cancel := common.WithOptionalTimeout(ctx, timeout)
	defer cancel()

	body := llm.ChatRequest{
		Model:       model,
		Messages:    []llm.Message{{Role: "user", Content: parts}},
		Temperature: &temp,
	}
	if ep.Schema != nil {
		body.ResponseFormat = llm.JSONSchemaFormat("extractions", ep.Schema)
	}
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}

	raw, _, err := llm.SendJSON(callCtx, c.http, url, body, headers, c.logger)
	if err != nil {
		c.logger.Warn("llm.extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Completion{}, fmt.Errorf("model call: %w", err)
	}

	var cc llm.ChatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("llm.extract.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Completion{}, fmt.Errorf("decode model response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("llm.extract.no_choices",
			"req_id", rid, "raw", string(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Completion{}, fmt.Errorf("no choices in model response")
	}

	out := llm.Completion{
		Content: strings.TrimSpace(cc.Choices[0].Message.Content),
		Model:   model,
	}
	tokens := 0
	if cc.Usage != nil && cc.Usage.TotalTokens > 0 {
		tokens = cc.Usage.TotalTokens
		out.TotalTokens = &tokens
	}

	c.logger.Info("llm.extract.ok",
		"req_id", rid,
		"model", model,
		"content_len", len(out.Content),
		"tokens", tokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// chatURL accepts either a base URL or a full chat/completions URL.
func chatURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
