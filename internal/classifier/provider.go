package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider is a remote threat-classification backend.
// Complete returns the model's reply content; any error is a transport failure.
type Provider interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// FormatSetter is implemented by providers that can enforce a JSON schema.
type FormatSetter interface {
	SetFormat(schema interface{})
}

// ProviderConfig selects and configures a Provider.
type ProviderConfig struct {
	Name        string // openai | anthropic | ollama
	APIKey      string
	Model       string
	Endpoint    string
	Timeout     time.Duration
	Temperature float64
}

// NeedsCredential reports whether the named provider requires an API key.
func NeedsCredential(provider string) bool {
	return provider != "ollama"
}

// HasCredential reports whether key is a usable API key.
func HasCredential(key string) bool {
	return key != "" && key != "your_key_here"
}

// NewProvider creates a Provider from configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	timeout := cfg.Timeout
	switch cfg.Name {
	case "openai", "":
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return &OpenAIProvider{
			apiKey:      cfg.APIKey,
			model:       orDefault(cfg.Model, "gpt-4o"),
			endpoint:    orDefault(cfg.Endpoint, "https://api.openai.com/v1"),
			temperature: cfg.Temperature,
			client:      &http.Client{Timeout: timeout},
		}, nil
	case "anthropic":
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return &AnthropicProvider{
			apiKey:   cfg.APIKey,
			model:    orDefault(cfg.Model, "claude-sonnet-4-20250514"),
			endpoint: orDefault(cfg.Endpoint, "https://api.anthropic.com/v1"),
			client:   &http.Client{Timeout: timeout},
		}, nil
	case "ollama":
		if timeout <= 0 {
			timeout = 300 * time.Second
		}
		return &OllamaProvider{
			model:    orDefault(cfg.Model, "llama3.1"),
			endpoint: orDefault(cfg.Endpoint, "http://localhost:11434"),
			client:   &http.Client{Timeout: timeout},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", cfg.Name)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// postJSON sends body to url and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s API error %d: %s", name, resp.StatusCode, truncateAPIError(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// --- OpenAI ---

// OpenAIProvider calls the chat/completions API in JSON-object mode.
type OpenAIProvider struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      *http.Client
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     p.temperature,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, "openai", p.endpoint+"/chat/completions", headers, body, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai")
	}
	return result.Choices[0].Message.Content, nil
}

// --- Anthropic ---

// AnthropicProvider calls the messages API, using tool_use when a schema is set.
type AnthropicProvider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	schema   interface{}
}

// SetFormat requests structured output via a forced tool call.
func (p *AnthropicProvider) SetFormat(schema interface{}) {
	p.schema = schema
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := map[string]interface{}{
		"model":      p.model,
		"max_tokens": 1024,
		"system":     systemPrompt,
		"messages": []map[string]interface{}{
			{"role": "user", "content": userPrompt},
		},
	}
	if p.schema != nil {
		body["tools"] = []map[string]interface{}{{
			"name":         "record_classification",
			"description":  "Record the threat classification as structured JSON",
			"input_schema": p.schema,
		}}
		body["tool_choice"] = map[string]string{"type": "tool", "name": "record_classification"}
	}

	var result struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}
	if err := postJSON(ctx, p.client, "anthropic", p.endpoint+"/messages", headers, body, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("empty response from anthropic")
	}

	for _, block := range result.Content {
		if block.Type == "tool_use" && len(block.Input) > 0 {
			return string(block.Input), nil
		}
	}
	for _, block := range result.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no usable content block in anthropic response")
}

// --- Ollama ---

// OllamaProvider calls a local Ollama chat endpoint. No credential is needed.
type OllamaProvider struct {
	model    string
	endpoint string
	client   *http.Client
	format   interface{}
}

// SetFormat sets the JSON schema for constrained output.
func (p *OllamaProvider) SetFormat(schema interface{}) {
	p.format = schema
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	format := p.format
	if format == nil {
		format = "json"
	}
	body := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"stream": false,
		"format": format,
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := postJSON(ctx, p.client, "ollama", p.endpoint+"/api/chat", nil, body, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// truncateAPIError limits API error bodies echoed into logs.
func truncateAPIError(body []byte) string {
	const maxLen = 512
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "... (truncated)"
}
