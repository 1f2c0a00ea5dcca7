// Package openai adapts OpenAI-compatible chat and embedding APIs (OpenAI,
// Azure OpenAI, DeepSeek) through langchaingo.
package openai

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms/openai"
)

const (
	KindOpenAI = "openai"
	KindAzure  = "azure"
)

type Config struct {
	Kind           string
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	APIVersion     string
}

func newLLM(cfg Config) (*openai.LLM, error) {
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.EmbeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
	}

	switch strings.ToLower(cfg.Kind) {
	case "", KindOpenAI:
	case KindAzure:
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure))
		if cfg.APIVersion != "" {
			opts = append(opts, openai.WithAPIVersion(cfg.APIVersion))
		}
	default:
		return nil, fmt.Errorf("unsupported openai api kind %q", cfg.Kind)
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return llm, nil
}
