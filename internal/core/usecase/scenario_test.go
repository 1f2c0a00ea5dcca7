package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
	"github.com/kirillkom/ragdesk/internal/infrastructure/locking"
	"github.com/kirillkom/ragdesk/internal/infrastructure/vector/chromem"
)

type system struct {
	companies  *CompanyUseCase
	dispatcher *Dispatcher
	executor   *JobExecutor
	chat       *ChatUseCase
	stager     *FileStager
	queue      *queueFake
	index      *chromem.Index
	sessions   *sessionFake
}

func newSystem(t *testing.T, providers ...ports.LLMProvider) *system {
	t.Helper()
	index, err := chromem.New("", false)
	if err != nil {
		t.Fatalf("chromem.New() error = %v", err)
	}

	companyRepo := newCompanyRepoFake()
	ledger := newLedgerFake()
	docs := newDocumentRepoFake()
	storage := newStorageFake(nil)
	sessions := newSessionFake()
	queue := &queueFake{}
	embedder := &keywordEmbedder{}
	locker := locking.NewKeyedMutex()

	deletion := NewDeletionPipeline(index, docs, nil)
	deletion.retryDelay = 0
	pipelines := map[domain.TaskKind]Pipeline{
		domain.TaskIngest:             NewIngestPipeline(storage, &extractorFake{}, paragraphChunker{}, embedder, index, docs, nil),
		domain.TaskDeleteDocument:     deletion,
		domain.TaskDeleteAllDocuments: deletion,
		domain.TaskDeleteCompany:      NewCompanyDeletionPipeline(deletion, sessions, storage, ledger, companyRepo, nil),
	}

	return &system{
		companies:  NewCompanyUseCase(companyRepo),
		dispatcher: NewDispatcher(ledger, queue, 0, nil),
		executor:   NewJobExecutor(ledger, companyRepo, locker, pipelines, time.Minute, nil),
		chat:       NewChatUseCase(companyRepo, sessions, embedder, index, NewProviderChain(providers, time.Second, nil), locker, ChatConfig{TopK: 3}, nil),
		stager:     NewFileStager(storage, nil),
		queue:      queue,
		index:      index,
		sessions:   sessions,
	}
}

// runJobs delivers every queued message to the executor, like a worker would.
func (s *system) runJobs(t *testing.T) {
	t.Helper()
	for _, msg := range s.queue.drain() {
		if err := s.executor.Execute(context.Background(), msg); err != nil {
			t.Fatalf("Execute(%s) error = %v", msg.TaskID, err)
		}
	}
}

func (s *system) stage(t *testing.T, companyID, name, body string) string {
	t.Helper()
	path, err := s.stager.Stage(context.Background(), companyID, name, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	return path
}

func TestIngestThenDeleteLeavesNoChunks(t *testing.T) {
	s := newSystem(t, &providerFake{name: "primary"})
	ctx := context.Background()
	reg, _ := s.companies.Register(ctx, "Acme")

	path := s.stage(t, reg.CompanyID, "a.txt", "alpha one\n\nalpha two\n\nalpha three")
	docID := uuid.NewString()
	ingest, err := s.dispatcher.Submit(ctx, reg.CompanyID, domain.IngestPayload{Documents: []domain.IngestDocument{{DocumentID: docID, SourcePath: path}}})
	if err != nil {
		t.Fatalf("Submit(ingest) error = %v", err)
	}
	s.runJobs(t)
	if task, _ := s.dispatcher.Get(ctx, ingest.ID); task.State != domain.TaskSucceeded {
		t.Fatalf("ingest task: %#v", task)
	}
	if s.index.Count(reg.CompanyID) != 3 {
		t.Fatalf("expected 3 chunks, got %d", s.index.Count(reg.CompanyID))
	}

	del, err := s.dispatcher.Submit(ctx, reg.CompanyID, domain.DeleteDocumentPayload{DocumentID: docID})
	if err != nil {
		t.Fatalf("Submit(delete) error = %v", err)
	}
	s.runJobs(t)
	if task, _ := s.dispatcher.Get(ctx, del.ID); task.State != domain.TaskSucceeded {
		t.Fatalf("delete task: %#v", task)
	}
	if n := s.index.Count(reg.CompanyID); n != 0 {
		t.Fatalf("expected zero chunks after delete, got %d", n)
	}

	again, err := s.dispatcher.Submit(ctx, reg.CompanyID, domain.DeleteDocumentPayload{DocumentID: docID})
	if err != nil {
		t.Fatalf("Submit(re-delete) error = %v", err)
	}
	s.runJobs(t)
	if task, _ := s.dispatcher.Get(ctx, again.ID); task.State != domain.TaskSucceeded {
		t.Fatalf("re-delete must succeed: %#v", task)
	}
}

func TestRedeliveredIngestDoesNotDuplicateChunks(t *testing.T) {
	s := newSystem(t, &providerFake{name: "primary"})
	ctx := context.Background()
	reg, _ := s.companies.Register(ctx, "Acme")
	path := s.stage(t, reg.CompanyID, "a.txt", "alpha\n\nbeta")

	_, err := s.dispatcher.Submit(ctx, reg.CompanyID, domain.IngestPayload{Documents: []domain.IngestDocument{{DocumentID: uuid.NewString(), SourcePath: path}}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	msgs := s.queue.drain()
	for i := 0; i < 2; i++ {
		if err := s.executor.Execute(ctx, msgs[0]); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if n := s.index.Count(reg.CompanyID); n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}
}

func TestCompanyLifecycle(t *testing.T) {
	primary := &providerFake{
		name: "primary",
		answer: func(p domain.Prompt) string {
			if len(p.Context) == 0 {
				return "I do not know."
			}
			return "According to " + p.Context[0].SourcePath + ": " + p.Context[0].Text
		},
	}
	s := newSystem(t, primary, &providerFake{name: "secondary"})
	ctx := context.Background()

	reg, err := s.companies.Register(ctx, "Acme")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	company, err := s.companies.Authenticate(ctx, reg.APIKey)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	pathA := s.stage(t, company.ID, "a.txt", "Refund requests are accepted within 30 days. Refund is issued to the original card.")
	pathB := s.stage(t, company.ID, "b.txt", "Shipping takes five business days.")
	upload, err := s.dispatcher.Submit(ctx, company.ID, domain.IngestPayload{Documents: []domain.IngestDocument{
		{DocumentID: uuid.NewString(), SourcePath: pathA},
		{DocumentID: uuid.NewString(), SourcePath: pathB},
	}})
	if err != nil {
		t.Fatalf("Submit(upload) error = %v", err)
	}
	if task, _ := s.dispatcher.Get(ctx, upload.ID); task.State != domain.TaskPending {
		t.Fatalf("submitted task must be pending, got %s", task.State)
	}
	s.runJobs(t)
	if task, _ := s.dispatcher.Get(ctx, upload.ID); task.State != domain.TaskSucceeded {
		t.Fatalf("upload task: %#v", task)
	}

	answer, err := s.chat.Chat(ctx, domain.ChatRequest{CompanyID: company.ID, SessionID: "s1", Query: "How does a refund work?"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer.ProviderUsed != "primary" && answer.ProviderUsed != "secondary" {
		t.Fatalf("unexpected provider %q", answer.ProviderUsed)
	}
	if !strings.Contains(answer.Answer, pathA) || len(answer.Sources) == 0 || answer.Sources[0].SourcePath != pathA {
		t.Fatalf("answer must cite a.txt context: %#v", answer)
	}

	removal, err := s.dispatcher.Submit(ctx, company.ID, domain.DeleteCompanyPayload{})
	if err != nil {
		t.Fatalf("Submit(delete company) error = %v", err)
	}
	s.runJobs(t)

	task, err := s.dispatcher.Get(ctx, removal.ID)
	if err != nil {
		t.Fatalf("deletion task must stay pollable: %v", err)
	}
	if task.State != domain.TaskSucceeded {
		t.Fatalf("delete company task: %#v", task)
	}
	if res := task.Result.(domain.CompanyDeletionResult); len(res.RemovedDocuments) != 2 || res.PurgedSessions != 1 {
		t.Fatalf("unexpected deletion result %#v", res)
	}
	if _, err := s.dispatcher.Get(ctx, upload.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("older company tasks must be purged, got %v", err)
	}
	if s.index.Count(company.ID) != 0 {
		t.Fatalf("index must be empty after company deletion")
	}
	if _, err := s.companies.Authenticate(ctx, reg.APIKey); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("api key must be invalid after deletion, got %v", err)
	}
}
