// Package llm provides the analysis provider client and its budget gate.
// The deep model is expensive and daily-capped; the mini model is the
// cheap fallback with a restricted action set.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/pkg/httpclient"
)

// Client talks to an OpenAI-compatible chat completions endpoint
type Client struct {
	cfg    *config.LLMConfig
	http   *httpclient.Client
	logger core.ILogger
}

type bearerSigner struct {
	key string
}

func (s bearerSigner) SignRequest(req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+s.key)
	return nil
}

// NewClient creates a provider client. With no API key configured every
// call returns an error and callers degrade to local decisions.
func NewClient(cfg *config.LLMConfig, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   httpclient.NewClient(baseURL, timeout, bearerSigner{key: string(cfg.APIKey)}),
		logger: logger.WithField("component", "llm"),
	}
}

// Configured reports whether calls can be made at all
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// DeepModel returns the expensive model name
func (c *Client) DeepModel() string { return c.cfg.Model }

// MiniModel returns the cheap model name
func (c *Client) MiniModel() string { return c.cfg.MiniModel }

// Complete sends one system+user exchange and returns the raw text
func (c *Client) Complete(ctx context.Context, model, system, user string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("llm client not configured")
	}

	payload := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.2,
	}

	raw, err := c.http.Post(ctx, "/chat/completions", payload)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to decode completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON calls Complete and unmarshals the reply into out,
// tolerating markdown code fences around the JSON body.
func (c *Client) CompleteJSON(ctx context.Context, model, system, user string, out any) error {
	text, err := c.Complete(ctx, model, system, user)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(ExtractJSON(text)), out)
}

// ExtractJSON strips code fences and surrounding prose from a model reply
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	if i := strings.IndexAny(text, "{["); i > 0 {
		text = text[i:]
	}
	return strings.TrimSpace(text)
}
