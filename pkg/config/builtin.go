package config

// builtinLLMProviders are the provider bindings shipped with the
// binary. User-defined providers in llm-providers.yaml override
// builtins with the same name.
func builtinLLMProviders() map[string]LLMProviderConfig {
	return map[string]LLMProviderConfig{
		"openai-default": {
			Type:            ProviderTypeOpenAI,
			Model:           "gpt-4o",
			APIKeyEnv:       "OPENAI_API_KEY",
			MaxOutputTokens: 4096,
		},
		"openai-mini": {
			Type:            ProviderTypeOpenAI,
			Model:           "gpt-4o-mini",
			APIKeyEnv:       "OPENAI_API_KEY",
			MaxOutputTokens: 4096,
		},
		"anthropic-default": {
			Type:            ProviderTypeAnthropic,
			Model:           "claude-sonnet-4-5",
			APIKeyEnv:       "ANTHROPIC_API_KEY",
			MaxOutputTokens: 4096,
		},
		"google-default": {
			Type:            ProviderTypeGoogle,
			Model:           "gemini-2.5-flash",
			APIKeyEnv:       "GOOGLE_API_KEY",
			MaxOutputTokens: 4096,
		},
	}
}

// mergeLLMProviders merges built-in and user-defined provider
// configurations; user definitions win on name collisions.
func mergeLLMProviders(builtin, user map[string]LLMProviderConfig) map[string]*LLMProviderConfig {
	result := make(map[string]*LLMProviderConfig, len(builtin)+len(user))
	for name, provider := range builtin {
		providerCopy := provider
		result[name] = &providerCopy
	}
	for name, provider := range user {
		providerCopy := provider
		result[name] = &providerCopy
	}
	return result
}
