// Package openai is the real generation backend: an OpenAI-compatible
// chat-completions client. Any server speaking the /v1/chat/completions
// dialect works through WithBaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qaweaverhq/qaweaver/generator"
	"github.com/qaweaverhq/qaweaver/types"
)

const defaultModel = "gpt-4o-mini"

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Generate(ctx context.Context, req generator.Request) (generator.Result, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return generator.Result{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return generator.Result{}, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return generator.Result{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return generator.Result{}, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return generator.Result{}, fmt.Errorf("chat request returned status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return generator.Result{}, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return generator.Result{}, fmt.Errorf("chat response contained no choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	quality := types.StageSuccess
	if content == "" {
		content = fmt.Sprintf("_The model returned no content for stage %q._", req.Stage.Key)
		quality = types.StageWarn
	}
	return generator.Result{Artifact: content, Quality: quality}, nil
}

func systemPrompt(req generator.Request) string {
	if req.Stage.Prompt != "" {
		return req.Stage.Prompt
	}
	return fmt.Sprintf(
		"You are a QA automation assistant. Produce the %q artifact (%s) for the supplied source files. Respond with the artifact content only, in Markdown.",
		req.Stage.Key, req.Stage.Label,
	)
}

func userPrompt(req generator.Request) string {
	var b strings.Builder
	b.WriteString("Source files:\n")
	for _, f := range req.Snapshot.InputFiles {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Path, f.Content)
	}
	if len(req.Snapshot.Results) > 0 {
		b.WriteString("\nArtifacts from earlier pipeline stages:\n")
		for _, st := range req.Snapshot.Stages {
			if artifact, ok := req.Snapshot.Result(st.Key); ok {
				fmt.Fprintf(&b, "\n--- %s ---\n%s\n", st.Key, artifact)
			}
		}
	}
	return b.String()
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
