package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

const (
	apiKeyPrefix       = "rdk_"
	maxCustomPromptLen = 8000
)

type CompanyUseCase struct {
	repo ports.CompanyRepository
	now  func() time.Time
}

func NewCompanyUseCase(repo ports.CompanyRepository) *CompanyUseCase {
	return &CompanyUseCase{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (uc *CompanyUseCase) Register(ctx context.Context, name string) (*domain.Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "register company", errors.New("name is required"))
	}
	if utf8.RuneCountInString(name) > domain.MaxCompanyNameLength {
		return nil, domain.WrapError(domain.ErrInvalidInput, "register company",
			fmt.Errorf("name exceeds %d characters", domain.MaxCompanyNameLength))
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	now := uc.now()
	company := &domain.Company{
		ID:         uuid.NewString(),
		Name:       name,
		APIKeyHash: domain.HashAPIKey(apiKey),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := uc.repo.Create(ctx, company); err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}

	return &domain.Registration{CompanyID: company.ID, APIKey: apiKey}, nil
}

// Authenticate resolves an API key to its company. Unknown keys, including
// keys of deleted companies, are reported as ErrUnauthorized.
func (uc *CompanyUseCase) Authenticate(ctx context.Context, apiKey string) (*domain.Company, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("missing api key"))
	}
	company, err := uc.repo.GetByAPIKeyHash(ctx, domain.HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("unknown api key"))
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return company, nil
}

// UpdatePrompt sets the company system prompt; an empty prompt restores the default.
func (uc *CompanyUseCase) UpdatePrompt(ctx context.Context, companyID, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if utf8.RuneCountInString(prompt) > maxCustomPromptLen {
		return domain.WrapError(domain.ErrInvalidInput, "update prompt",
			fmt.Errorf("prompt exceeds %d characters", maxCustomPromptLen))
	}

	var value *string
	if prompt != "" {
		value = &prompt
	}
	if err := uc.repo.UpdatePrompt(ctx, companyID, value); err != nil {
		return fmt.Errorf("update company prompt: %w", err)
	}
	return nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
