package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

const DefaultProviderTimeout = 30 * time.Second

// ProviderChain tries an immutable, ordered list of providers, each exactly
// once, and returns the first answer.
type ProviderChain struct {
	providers []ports.LLMProvider
	timeout   time.Duration
	logger    *slog.Logger
}

func NewProviderChain(providers []ports.LLMProvider, timeout time.Duration, logger *slog.Logger) *ProviderChain {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderChain{
		providers: append([]ports.LLMProvider(nil), providers...),
		timeout:   timeout,
		logger:    logger,
	}
}

// Generation is the outcome of a successful chain invocation.
type Generation struct {
	Text     string
	Provider string
	Failures []domain.ProviderFailure
}

func (c *ProviderChain) Names() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Invoke returns *domain.AllProvidersUnavailableError when every provider
// failed. A cancelled caller context stops the chain early with ctx.Err().
func (c *ProviderChain) Invoke(ctx context.Context, prompt domain.Prompt) (Generation, error) {
	failures := make([]domain.ProviderFailure, 0, len(c.providers))
	for _, provider := range c.providers {
		if err := ctx.Err(); err != nil {
			return Generation{}, err
		}

		text, err := c.attempt(ctx, provider, prompt)
		if err == nil {
			return Generation{Text: text, Provider: provider.Name(), Failures: failures}, nil
		}
		if ctx.Err() != nil {
			return Generation{}, ctx.Err()
		}

		c.logger.Warn("provider_failed", "provider", provider.Name(), "error", err)
		failures = append(failures, domain.ProviderFailure{Provider: provider.Name(), Reason: err.Error()})
	}
	return Generation{}, &domain.AllProvidersUnavailableError{Failures: failures}
}

func (c *ProviderChain) attempt(ctx context.Context, provider ports.LLMProvider, prompt domain.Prompt) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := provider.Generate(attemptCtx, prompt)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("timed out after %s: %w", c.timeout, err)
		}
		return "", err
	}
	if text == "" {
		return "", errors.New("empty answer")
	}
	return text, nil
}
