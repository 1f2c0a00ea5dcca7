package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	repo := newCompanyRepoFake()
	uc := NewCompanyUseCase(repo)
	ctx := context.Background()

	reg, err := uc.Register(ctx, "  Acme  ")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.CompanyID == "" || !strings.HasPrefix(reg.APIKey, apiKeyPrefix) {
		t.Fatalf("unexpected registration %#v", reg)
	}

	stored, _ := repo.GetByID(ctx, reg.CompanyID)
	if stored.Name != "Acme" {
		t.Fatalf("name must be trimmed, got %q", stored.Name)
	}
	if stored.APIKeyHash == reg.APIKey || stored.APIKeyHash != domain.HashAPIKey(reg.APIKey) {
		t.Fatalf("api key must be stored hashed")
	}

	company, err := uc.Authenticate(ctx, reg.APIKey)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if company.ID != reg.CompanyID {
		t.Fatalf("expected company %s, got %s", reg.CompanyID, company.ID)
	}
}

func TestRegisterRejectsInvalidNames(t *testing.T) {
	uc := NewCompanyUseCase(newCompanyRepoFake())
	for _, name := range []string{"", "   ", strings.Repeat("x", domain.MaxCompanyNameLength+1)} {
		if _, err := uc.Register(context.Background(), name); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("Register(%q) expected invalid input, got %v", name, err)
		}
	}
}

func TestAuthenticateUnknownKeyIsUnauthorized(t *testing.T) {
	uc := NewCompanyUseCase(newCompanyRepoFake())
	for _, key := range []string{"", "rdk_unknown"} {
		if _, err := uc.Authenticate(context.Background(), key); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("Authenticate(%q) expected unauthorized, got %v", key, err)
		}
	}
}

func TestUpdatePromptSetsAndResets(t *testing.T) {
	repo := newCompanyRepoFake(&domain.Company{ID: "c1"})
	uc := NewCompanyUseCase(repo)
	ctx := context.Background()

	if err := uc.UpdatePrompt(ctx, "c1", "  Answer like a pirate.  "); err != nil {
		t.Fatalf("UpdatePrompt() error = %v", err)
	}
	company, _ := repo.GetByID(ctx, "c1")
	if got := company.SystemPrompt("default"); got != "Answer like a pirate." {
		t.Fatalf("unexpected prompt %q", got)
	}

	if err := uc.UpdatePrompt(ctx, "c1", ""); err != nil {
		t.Fatalf("UpdatePrompt(reset) error = %v", err)
	}
	company, _ = repo.GetByID(ctx, "c1")
	if company.CustomPrompt != nil {
		t.Fatalf("empty prompt must reset to default")
	}

	if err := uc.UpdatePrompt(ctx, "c1", strings.Repeat("p", maxCustomPromptLen+1)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for long prompt, got %v", err)
	}
}
