// Package generator asks an OpenAI-compatible chat completions endpoint to
// turn a free-text prompt into a raw plan object.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "planpal/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second

	// maxResponseBytes bounds how much of a reply body is read.
	maxResponseBytes = 4 << 20
)

var ErrNoAPIKey = errors.New("OPENAI_API_KEY is not set")

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// Location decides what "today" means in the system prompt.
	Location *time.Location
}

// Client is an OpenAI-compatible plan generator.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	loc        *time.Location
	httpClient *http.Client
	log        logx.Logger

	now func() time.Time
}

// normalizeBaseURL strips trailing slashes and a "/chat/completions" suffix so
// the path is never doubled when the client appends it.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL:    normalizeBaseURL(cfg.BaseURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		loc:        cfg.Location,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		now:        time.Now,
	}
}

func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends prompt with the planning system prompt and decodes the
// reply as a JSON object. The object is returned unvalidated.
func (c *Client) Generate(ctx context.Context, prompt string) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	content, err := c.chat(ctx, SystemPrompt(c.now().In(c.loc)), prompt)
	if err != nil {
		return nil, err
	}

	raw := StripFences(content)
	var plan map[string]any
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("generator: decode plan: %w", err)
	}
	if plan == nil {
		return nil, errors.New("generator: model returned null")
	}
	return plan, nil
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generator: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("generator: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator: HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("generator: unmarshal response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("generator: API error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("generator: no choices in response")
	}

	c.log.Debug("plan generated",
		logx.String("model", c.model),
		logx.Int("prompt_tokens", cr.Usage.PromptTokens),
		logx.Int("completion_tokens", cr.Usage.CompletionTokens),
		logx.Duration("took", time.Since(start)),
	)
	return cr.Choices[0].Message.Content, nil
}

// StripThinkBlocks removes <think>...</think> blocks emitted by reasoning
// models. An unclosed block is cut to the end of s.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes a surrounding markdown code fence and any think blocks.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
