package main

import (
	"fmt"

	"github.com/concord/kernel/internal/agent"
	"github.com/concord/kernel/internal/agent/providers"
	"github.com/concord/kernel/internal/config"
)

// buildProvider constructs the real SDK-backed provider named by kind,
// configured from cfg. kind matches the AgentConfig.Provider field
// ("anthropic", "openai", "google", "bedrock", "azure", "ollama",
// "openrouter", "copilot_proxy").
func buildProvider(kind string, cfg config.ProviderConfig) (agent.Provider, error) {
	switch kind {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(cfg.APIKey), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.DefaultModel,
		})
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     cfg.BaseURL,
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
		}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
		})
	case "copilot_proxy":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
