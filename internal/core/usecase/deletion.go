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

const defaultMetadataRetryDelay = 200 * time.Millisecond

// DeletionPipeline removes documents from the index and then their records.
// Deleting a document that is already gone succeeds.
type DeletionPipeline struct {
	index      ports.DocumentIndex
	documents  ports.DocumentRepository
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewDeletionPipeline(index ports.DocumentIndex, documents ports.DocumentRepository, logger *slog.Logger) *DeletionPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeletionPipeline{
		index:      index,
		documents:  documents,
		logger:     logger,
		retryDelay: defaultMetadataRetryDelay,
	}
}

func (p *DeletionPipeline) Run(ctx context.Context, task *domain.Task) (domain.TaskResult, *domain.TaskError) {
	switch payload := task.Payload.(type) {
	case domain.DeleteDocumentPayload:
		return p.DeleteDocument(ctx, task.CompanyID, payload.DocumentID)
	case domain.DeleteAllDocumentsPayload:
		return p.DeleteAll(ctx, task.CompanyID)
	default:
		return nil, &domain.TaskError{Code: domain.CodeInternal, Message: fmt.Sprintf("unexpected payload %T", task.Payload)}
	}
}

func (p *DeletionPipeline) DeleteDocument(ctx context.Context, companyID, documentID string) (domain.TaskResult, *domain.TaskError) {
	existed := true
	if _, err := p.documents.Get(ctx, companyID, documentID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, taskError(domain.CodeMetadata, fmt.Errorf("load document record: %w", err))
		}
		existed = false
	}

	// The index is cleared even when the record is gone, which also removes
	// chunks left behind by an interrupted ingestion.
	if err := p.index.DeleteDocument(ctx, companyID, documentID); err != nil {
		return nil, taskError(domain.CodeIndex, fmt.Errorf("delete document chunks: %w", err))
	}

	result := domain.DeletionResult{TaskKind: domain.TaskDeleteDocument, Removed: []string{}}
	if !existed {
		return result, nil
	}
	if err := p.deleteRecord(ctx, companyID, documentID); err != nil {
		return nil, p.partialDeletion(err, nil, []string{documentID})
	}
	result.Removed = append(result.Removed, documentID)
	return result, nil
}

func (p *DeletionPipeline) DeleteAll(ctx context.Context, companyID string) (domain.TaskResult, *domain.TaskError) {
	docs, err := p.documents.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, taskError(domain.CodeMetadata, fmt.Errorf("list document records: %w", err))
	}

	if err := p.index.DeleteCompany(ctx, companyID); err != nil {
		return nil, taskError(domain.CodeIndex, fmt.Errorf("delete company chunks: %w", err))
	}

	removed := make([]string, 0, len(docs))
	var orphaned []string
	var lastErr error
	for _, doc := range docs {
		if err := p.deleteRecord(ctx, companyID, doc.ID); err != nil {
			orphaned = append(orphaned, doc.ID)
			lastErr = err
			continue
		}
		removed = append(removed, doc.ID)
	}
	if len(orphaned) > 0 {
		return nil, p.partialDeletion(lastErr, removed, orphaned)
	}

	return domain.DeletionResult{TaskKind: domain.TaskDeleteAllDocuments, Removed: removed}, nil
}

// deleteRecord removes a document record, retrying once after the index
// entries are already gone.
func (p *DeletionPipeline) deleteRecord(ctx context.Context, companyID, documentID string) error {
	err := p.documents.Delete(ctx, companyID, documentID)
	if err == nil {
		return nil
	}
	p.logger.Warn("document_record_delete_retry", "company_id", companyID, "document_id", documentID, "error", err)

	if p.retryDelay > 0 {
		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := p.documents.Delete(ctx, companyID, documentID); err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}
	return nil
}

func (p *DeletionPipeline) partialDeletion(cause error, removed, orphaned []string) *domain.TaskError {
	taskErr := taskError(domain.CodePartialDeletion, cause)
	if taskErr.Code == domain.CodePartialDeletion {
		taskErr.Message = "document records could not be removed after their chunks were deleted: " + cause.Error()
	}
	taskErr.Removed = removed
	taskErr.Orphaned = orphaned
	return taskErr
}
