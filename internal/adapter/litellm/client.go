// Package litellm implements the generation port against an OpenAI-compatible
// gateway such as a LiteLLM proxy. One Generate call is one chat completion;
// Embed serves the semantic index. Outgoing calls run through the circuit
// breaker when one is attached, and an open circuit surfaces as
// domain.ErrUnavailable.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/participant"
	"github.com/troupehq/troupe/internal/port/generation"
	"github.com/troupehq/troupe/internal/resilience"
)

// Client talks to an OpenAI-compatible completion and embedding API.
type Client struct {
	baseURL    string
	key        func() string
	model      string
	embedModel string
	maxTokens  int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a generation client. key is called per request so vault
// reloads take effect without a restart; nil falls back to the configured
// static key.
func NewClient(cfg config.Generation, key func() string) *Client {
	if key == nil {
		key = func() string { return cfg.APIKey }
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		key:        key,
		model:      cfg.DefaultModel,
		embedModel: cfg.EmbedModel,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate runs one chat completion for one participant. The participant's
// persona becomes the system message and any model override wins over the
// configured default.
func (c *Client) Generate(ctx context.Context, req generation.Request) (string, error) {
	model := req.Participant.Model
	if model == "" {
		model = c.model
	}

	messages := make([]chatMessage, 0, 2)
	if sys := systemPrompt(req.Participant); sys != "" {
		messages = append(messages, chatMessage{Role: "system", Content: sys})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt(req)})

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, MaxTokens: c.maxTokens})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("generate for %s: %w", req.Participant.ID, err)
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion for %s returned no choices", req.Participant.ID)
	}
	return resp.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed turns one text into an embedding vector using the configured
// embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	var resp embedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding returned no data")
	}
	return resp.Data[0].Embedding, nil
}

// Health checks if the gateway is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err
}

// systemPrompt derives the system message from the participant. A persona is
// used verbatim; otherwise the name alone sets the voice.
func systemPrompt(p participant.Participant) string {
	if p.Persona != "" {
		return p.Persona
	}
	if p.Name != "" {
		return "You are " + p.Name + "."
	}
	return ""
}

// userPrompt prepends the request's context material to the prompt, one
// bracketed section per key in stable order.
func userPrompt(req generation.Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("[" + k + "]\n")
		b.WriteString(req.Context[k])
		b.WriteString("\n\n")
	}
	b.WriteString(req.Prompt)
	return b.String()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if key := c.key(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("gateway error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, fmt.Errorf("generation gateway: %w", domain.ErrUnavailable)
			}
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
