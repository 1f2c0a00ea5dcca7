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

const (
	DefaultTopK         = 5
	DefaultSystemPrompt = "Use only the provided context to answer the question. " +
		"If the context does not contain the answer, say that you do not know."
)

type ChatConfig struct {
	TopK          int
	DefaultPrompt string
}

// ChatUseCase answers queries from retrieved company context and session
// history. Calls for the same session are serialized and the user/assistant
// pair is appended only after an answer exists.
type ChatUseCase struct {
	companies ports.CompanyRepository
	sessions  ports.SessionStore
	embedder  ports.Embedder
	index     ports.DocumentIndex
	chain     *ProviderChain
	locker    ports.KeyLocker
	cfg       ChatConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewChatUseCase(
	companies ports.CompanyRepository,
	sessions ports.SessionStore,
	embedder ports.Embedder,
	index ports.DocumentIndex,
	chain *ProviderChain,
	locker ports.KeyLocker,
	cfg ChatConfig,
	logger *slog.Logger,
) *ChatUseCase {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatUseCase{
		companies: companies,
		sessions:  sessions,
		embedder:  embedder,
		index:     index,
		chain:     chain,
		locker:    locker,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (uc *ChatUseCase) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatAnswer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	company, err := uc.companies.GetByID(ctx, req.CompanyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.ErrUnauthorized, "chat", errors.New("company no longer exists"))
		}
		return nil, fmt.Errorf("load company: %w", err)
	}

	release, err := uc.locker.Lock(ctx, sessionLockKey(req.CompanyID, req.SessionID))
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	defer release()

	history, err := uc.sessions.Get(ctx, req.CompanyID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	sources, err := uc.retrieve(ctx, req.CompanyID, req.Query)
	if err != nil {
		return nil, err
	}

	prompt := domain.Prompt{
		System:  company.SystemPrompt(uc.cfg.DefaultPrompt),
		Context: sources,
		History: history,
		Query:   req.Query,
	}
	gen, err := uc.chain.Invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	turns := []domain.ChatTurn{
		{Role: domain.RoleUser, Content: req.Query, Timestamp: now},
		{Role: domain.RoleAssistant, Content: gen.Text, Timestamp: now},
	}
	if err := uc.sessions.Append(ctx, req.CompanyID, req.SessionID, turns); err != nil {
		return nil, domain.WrapError(domain.ErrUnavailable, "append chat history", err)
	}
	if err := uc.dropIfCompanyDeleted(ctx, req.CompanyID); err != nil {
		return nil, err
	}

	uc.logger.Info("chat_answered",
		"company_id", req.CompanyID,
		"session_id", req.SessionID,
		"provider", gen.Provider,
		"fallbacks", len(gen.Failures),
		"sources", len(sources),
	)
	return &domain.ChatAnswer{
		Answer:       gen.Text,
		ProviderUsed: gen.Provider,
		Sources:      sources,
		Fallbacks:    len(gen.Failures),
	}, nil
}

// dropIfCompanyDeleted purges the sessions a chat wrote while its company was
// being deleted.
func (uc *ChatUseCase) dropIfCompanyDeleted(ctx context.Context, companyID string) error {
	_, err := uc.companies.GetByID(ctx, companyID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		if _, purgeErr := uc.sessions.PurgeCompany(ctx, companyID); purgeErr != nil {
			uc.logger.Warn("deleted_company_session_purge_failed", "company_id", companyID, "error", purgeErr)
		}
		return domain.WrapError(domain.ErrUnauthorized, "chat", errors.New("company no longer exists"))
	default:
		uc.logger.Warn("company_recheck_failed", "company_id", companyID, "error", err)
		return nil
	}
}

// retrieve fetches 2*TopK candidates and keeps the TopK best after ranking.
func (uc *ChatUseCase) retrieve(ctx context.Context, companyID, query string) ([]domain.RetrievedChunk, error) {
	vector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := uc.index.Search(ctx, companyID, vector, uc.cfg.TopK*2)
	if err != nil {
		return nil, fmt.Errorf("search document index: %w", err)
	}
	return rankChunks(candidates, uc.cfg.TopK), nil
}

func sessionLockKey(companyID, sessionID string) string {
	return "session:" + companyID + ":" + sessionID
}
