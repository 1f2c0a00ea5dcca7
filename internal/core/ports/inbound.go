package ports

import (
	"context"
	"io"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

// CompanyService registers tenants and resolves API keys.
type CompanyService interface {
	Register(ctx context.Context, name string) (*domain.Registration, error)
	Authenticate(ctx context.Context, apiKey string) (*domain.Company, error)
	UpdatePrompt(ctx context.Context, companyID, prompt string) error
}

// JobSubmitter records a task and hands it to the workers.
type JobSubmitter interface {
	Submit(ctx context.Context, companyID string, payload domain.TaskPayload) (*domain.Task, error)
}

// TaskReader is the polling read model of the ledger. Await blocks until the
// task is terminal or ctx is done and returns the last observed task.
type TaskReader interface {
	Get(ctx context.Context, id string) (*domain.Task, error)
	Await(ctx context.Context, id string) (*domain.Task, error)
}

// FileStager stores an uploaded file under the company's storage prefix.
type FileStager interface {
	Stage(ctx context.Context, companyID, filename string, body io.Reader) (string, error)
}

// ChatService answers a query using retrieved context and session history.
type ChatService interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatAnswer, error)
}

// JobHandler executes one delivered job message.
type JobHandler interface {
	Execute(ctx context.Context, msg domain.JobMessage) error
}
