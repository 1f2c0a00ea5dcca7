package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/infrastructure/resilience"
)

var errEmptyAnswer = errors.New("provider returned an empty answer")

type Provider struct {
	name     string
	model    llms.Model
	executor *resilience.Executor
}

func NewProvider(name string, cfg Config, executor *resilience.Executor) (*Provider, error) {
	llm, err := newLLM(cfg)
	if err != nil {
		return nil, err
	}
	return &Provider{name: name, model: llm, executor: executor}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	content := toMessageContent(prompt.Messages())

	var answer string
	call := func(ctx context.Context) error {
		resp, err := p.model.GenerateContent(ctx, content, llms.WithTemperature(0.2))
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
			return errEmptyAnswer
		}
		answer = strings.TrimSpace(resp.Choices[0].Content)
		return nil
	}

	var err error
	if p.executor != nil {
		err = p.executor.Execute(ctx, "llm."+p.name, call, classifyError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", wrapTemporaryIfNeeded("llm."+p.name, err)
	}
	return answer, nil
}

func toMessageContent(msgs []domain.PromptMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case domain.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case domain.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}
	return out
}
