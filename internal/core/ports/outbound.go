package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

// CompanyRepository persists tenants and resolves API keys.
type CompanyRepository interface {
	Create(ctx context.Context, company *domain.Company) error
	GetByID(ctx context.Context, id string) (*domain.Company, error)
	GetByAPIKeyHash(ctx context.Context, keyHash string) (*domain.Company, error)
	UpdatePrompt(ctx context.Context, id string, prompt *string) error
	Delete(ctx context.Context, id string) error
}

// TaskLedger is the durable record of asynchronous job state.
type TaskLedger interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, result domain.TaskResult) error
	Fail(ctx context.Context, id string, taskErr domain.TaskError) error
	Delete(ctx context.Context, id string) error
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Task, error)
	PurgeCompany(ctx context.Context, companyID, keepTaskID string) (int, error)
}

// DocumentRepository stores document metadata records.
type DocumentRepository interface {
	Save(ctx context.Context, doc *domain.Document) error
	Get(ctx context.Context, companyID, documentID string) (*domain.Document, error)
	ListByCompany(ctx context.Context, companyID string) ([]domain.Document, error)
	Delete(ctx context.Context, companyID, documentID string) error
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	RemoveAll(ctx context.Context, prefix string) error
}

// TextExtractor turns a stored file into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, sourcePath string, body io.Reader) (string, error)
}

// Chunker splits text into fixed-size overlapping chunks.
type Chunker interface {
	Split(text string) []string
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// DocumentIndex is the company-scoped vector index. Deletes are idempotent.
type DocumentIndex interface {
	Upsert(ctx context.Context, chunks []domain.Chunk) error
	DeleteDocument(ctx context.Context, companyID, documentID string) error
	DeleteCompany(ctx context.Context, companyID string) error
	Search(ctx context.Context, companyID string, vector []float32, k int) ([]domain.RetrievedChunk, error)
}

// SessionStore keeps bounded chat history per (company, session).
// Append must store all turns or none.
type SessionStore interface {
	Get(ctx context.Context, companyID, sessionID string) ([]domain.ChatTurn, error)
	Append(ctx context.Context, companyID, sessionID string, turns []domain.ChatTurn) error
	PurgeCompany(ctx context.Context, companyID string) (int, error)
}

// LLMProvider is one entry of the provider chain.
type LLMProvider interface {
	Name() string
	Generate(ctx context.Context, prompt domain.Prompt) (string, error)
}

// JobQueue carries job messages from the dispatcher to workers.
type JobQueue interface {
	Enqueue(ctx context.Context, msg domain.JobMessage) error
}

// KeyLocker provides mutual exclusion per key. The returned release func must
// be called exactly once.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}
