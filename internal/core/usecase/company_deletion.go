package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

// CompanyDeletionPipeline removes every piece of company data and only then
// the company record, so the API key stays valid until the data is gone.
type CompanyDeletionPipeline struct {
	deletion  *DeletionPipeline
	sessions  ports.SessionStore
	storage   ports.ObjectStorage
	ledger    ports.TaskLedger
	companies ports.CompanyRepository
	logger    *slog.Logger
}

func NewCompanyDeletionPipeline(
	deletion *DeletionPipeline,
	sessions ports.SessionStore,
	storage ports.ObjectStorage,
	ledger ports.TaskLedger,
	companies ports.CompanyRepository,
	logger *slog.Logger,
) *CompanyDeletionPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompanyDeletionPipeline{
		deletion:  deletion,
		sessions:  sessions,
		storage:   storage,
		ledger:    ledger,
		companies: companies,
		logger:    logger,
	}
}

func (p *CompanyDeletionPipeline) Run(ctx context.Context, task *domain.Task) (domain.TaskResult, *domain.TaskError) {
	companyID := task.CompanyID

	res, taskErr := p.deletion.DeleteAll(ctx, companyID)
	if taskErr != nil {
		return nil, taskErr
	}
	removed := res.(domain.DeletionResult).Removed

	purgedSessions, err := p.sessions.PurgeCompany(ctx, companyID)
	if err != nil {
		return nil, p.stepError("purge chat sessions", err, removed)
	}

	if err := p.storage.RemoveAll(ctx, companyID); err != nil {
		return nil, p.stepError("remove stored files", err, removed)
	}

	purgedTasks, err := p.ledger.PurgeCompany(ctx, companyID, task.ID)
	if err != nil {
		return nil, p.stepError("purge task ledger", err, removed)
	}

	if err := p.companies.Delete(ctx, companyID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, p.stepError("delete company record", err, removed)
	}

	// Chats that passed their company check before the record was deleted may
	// have appended after the first purge.
	if late, err := p.sessions.PurgeCompany(ctx, companyID); err != nil {
		p.logger.Warn("late_session_purge_failed", "task_id", task.ID, "company_id", companyID, "error", err)
	} else {
		purgedSessions += late
	}

	p.logger.Info("company_deleted",
		"task_id", task.ID,
		"company_id", companyID,
		"documents", len(removed),
		"sessions", purgedSessions,
		"tasks", purgedTasks,
	)
	return domain.CompanyDeletionResult{
		RemovedDocuments: removed,
		PurgedSessions:   purgedSessions,
		PurgedTasks:      purgedTasks,
	}, nil
}

func (p *CompanyDeletionPipeline) stepError(step string, err error, removed []string) *domain.TaskError {
	code := domain.CodeInternal
	if errors.Is(err, domain.ErrUnavailable) {
		code = domain.CodeUnavailable
	}
	taskErr := taskError(code, fmt.Errorf("%s: %w", step, err))
	taskErr.Removed = removed
	return taskErr
}
