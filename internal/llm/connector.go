// Package llm is the model-invocation collaborator: it shapes chat
// contexts into provider requests via langchaingo and reports text plus
// latency/token/cost metrics back to the graph core.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tangentchat/internal/graph"
)

// Provider represents an AI provider type.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderClaude Provider = "claude"
	ProviderGemini Provider = "gemini"
	ProviderOllama Provider = "ollama"
)

// ConnectorOptions contains options for creating a connector.
type ConnectorOptions struct {
	Provider     Provider `json:"provider"`
	APIKey       string   `json:"api_key"`
	BaseURL      string   `json:"base_url,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	// CostPerToken prices generations when the provider does not report
	// cost itself.
	CostPerToken float64 `json:"cost_per_token,omitempty"`
}

// Connector invokes one configured provider through langchaingo.
type Connector struct {
	llm     llms.Model
	options ConnectorOptions
}

// NewConnector creates a connector for the configured provider.
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("default_model", options.DefaultModel).
		Msg("creating model connector")

	switch options.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(options.APIKey)}
		if options.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(options.BaseURL))
		}
		if options.DefaultModel != "" {
			opts = append(opts, openai.WithModel(options.DefaultModel))
		}
		model, err = openai.New(opts...)
	case ProviderClaude:
		opts := []anthropic.Option{anthropic.WithToken(options.APIKey)}
		if options.DefaultModel != "" {
			opts = append(opts, anthropic.WithModel(options.DefaultModel))
		}
		model, err = anthropic.New(opts...)
	case ProviderGemini:
		model, err = googleai.New(ctx, googleai.WithAPIKey(options.APIKey))
	case ProviderOllama:
		baseURL := options.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		opts := []ollama.Option{ollama.WithServerURL(baseURL)}
		if options.DefaultModel != "" {
			opts = append(opts, ollama.WithModel(options.DefaultModel))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return &Connector{llm: model, options: options}, nil
}

// Generate maps the request context onto provider chat messages and
// returns the first generated choice with its metrics.
func (c *Connector) Generate(ctx context.Context, req graph.GenerationRequest) (*graph.Generation, error) {
	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeAI
		if m.Role == graph.RoleUser {
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	callOptions := []llms.CallOption{}
	if req.Model != "" {
		callOptions = append(callOptions, llms.WithModel(req.Model))
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.options.Temperature
	}
	if temperature > 0 {
		callOptions = append(callOptions, llms.WithTemperature(temperature))
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, content, callOptions...)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &StatusError{Code: 502, Message: "provider returned no choices"}
	}

	choice := resp.Choices[0]
	tokens := tokensFromInfo(choice.GenerationInfo)
	if tokens == 0 {
		// Rough estimate when the provider reports nothing.
		tokens = len(choice.Content) / 4
	}

	return &graph.Generation{
		Text:       choice.Content,
		Latency:    latency,
		TokensUsed: tokens,
		Cost:       float64(tokens) * c.options.CostPerToken,
	}, nil
}

func tokensFromInfo(info map[string]any) int {
	for _, key := range []string{"TotalTokens", "total_tokens", "CompletionTokens", "completion_tokens"} {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// classifyProviderError attaches a status code when one can be inferred
// from the provider error text, so the retry policy can skip client
// errors.
func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	classes := []struct {
		code    int
		needles []string
	}{
		{400, []string{"status code: 400", "bad request", "invalid request"}},
		{401, []string{"status code: 401", "unauthorized", "invalid api key", "incorrect api key"}},
		{403, []string{"status code: 403", "forbidden"}},
		{429, []string{"status code: 429", "rate limit", "too many requests"}},
	}
	for _, c := range classes {
		for _, needle := range c.needles {
			if strings.Contains(msg, needle) {
				return &StatusError{Code: c.code, Message: err.Error()}
			}
		}
	}
	return err
}
