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

// IngestPipeline indexes the documents of an INGEST task. Documents are
// processed in payload order and the first failure stops the task.
type IngestPipeline struct {
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	index     ports.DocumentIndex
	documents ports.DocumentRepository
	logger    *slog.Logger
	now       func() time.Time
}

func NewIngestPipeline(
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.DocumentIndex,
	documents ports.DocumentRepository,
	logger *slog.Logger,
) *IngestPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestPipeline{
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		documents: documents,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *IngestPipeline) Run(ctx context.Context, task *domain.Task) (domain.TaskResult, *domain.TaskError) {
	payload, ok := task.Payload.(domain.IngestPayload)
	if !ok {
		return nil, &domain.TaskError{Code: domain.CodeInternal, Message: fmt.Sprintf("unexpected payload %T", task.Payload)}
	}

	indexed := make([]domain.IngestedDocument, 0, len(payload.Documents))
	for _, doc := range payload.Documents {
		ingested, taskErr := p.ingestOne(ctx, task.CompanyID, doc)
		if taskErr != nil {
			taskErr.FailedPath = doc.SourcePath
			taskErr.Indexed = indexed
			return nil, taskErr
		}
		indexed = append(indexed, ingested)
		p.logger.Info("document_indexed",
			"task_id", task.ID,
			"company_id", task.CompanyID,
			"document_id", doc.DocumentID,
			"chunks", len(ingested.ChunkIDs),
		)
	}

	return domain.IngestResult{Documents: indexed}, nil
}

func (p *IngestPipeline) ingestOne(ctx context.Context, companyID string, doc domain.IngestDocument) (domain.IngestedDocument, *domain.TaskError) {
	text, err := p.readText(ctx, companyID, doc.SourcePath)
	if err != nil {
		return domain.IngestedDocument{}, taskError(domain.CodeDocumentRead, err)
	}

	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return domain.IngestedDocument{}, taskError(domain.CodeDocumentRead, errors.New("document has no text content"))
	}

	vectors, err := p.embedder.Embed(ctx, pieces)
	if err != nil {
		return domain.IngestedDocument{}, taskError(domain.CodeEmbedding, fmt.Errorf("embed chunks: %w", err))
	}
	if len(vectors) != len(pieces) {
		return domain.IngestedDocument{}, taskError(domain.CodeEmbedding,
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(pieces)))
	}

	now := p.now()
	chunks := make([]domain.Chunk, len(pieces))
	chunkIDs := make([]string, len(pieces))
	for i, piece := range pieces {
		id := domain.ChunkID(companyID, doc.DocumentID, i)
		chunkIDs[i] = id
		chunks[i] = domain.Chunk{
			ID:         id,
			CompanyID:  companyID,
			DocumentID: doc.DocumentID,
			SourcePath: doc.SourcePath,
			Index:      i,
			Text:       piece,
			Vector:     vectors[i],
			IngestedAt: now,
		}
	}

	if err := p.index.Upsert(ctx, chunks); err != nil {
		return domain.IngestedDocument{}, taskError(domain.CodeIndex, fmt.Errorf("index chunks: %w", err))
	}

	record := &domain.Document{
		ID:         doc.DocumentID,
		CompanyID:  companyID,
		SourcePath: doc.SourcePath,
		ChunkIDs:   chunkIDs,
		CreatedAt:  now,
	}
	if err := p.documents.Save(ctx, record); err != nil {
		p.dropUnownedChunks(companyID, doc.DocumentID)
		return domain.IngestedDocument{}, taskError(domain.CodeMetadata, fmt.Errorf("save document record: %w", err))
	}

	return domain.IngestedDocument{
		DocumentID: doc.DocumentID,
		SourcePath: doc.SourcePath,
		ChunkIDs:   chunkIDs,
	}, nil
}

func (p *IngestPipeline) readText(ctx context.Context, companyID, sourcePath string) (string, error) {
	body, err := p.storage.Open(ctx, companyStorageKey(companyID, sourcePath))
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer body.Close()

	text, err := p.extractor.Extract(ctx, sourcePath, body)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	return text, nil
}

// dropUnownedChunks removes chunks whose document record could not be
// written, so no chunk stays in the index without an owner.
func (p *IngestPipeline) dropUnownedChunks(companyID, documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.index.DeleteDocument(ctx, companyID, documentID); err != nil {
		p.logger.Error("orphan_chunk_cleanup_failed", "company_id", companyID, "document_id", documentID, "error", err)
	}
}

func taskError(code domain.TaskErrorCode, err error) *domain.TaskError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = domain.CodeCancelled
	}
	return &domain.TaskError{Code: code, Message: err.Error()}
}
