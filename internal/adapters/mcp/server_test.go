package mcpadapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

type chatStub struct {
	last domain.ChatRequest
	err  error
}

func (c *chatStub) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatAnswer, error) {
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &domain.ChatAnswer{Answer: "from docs", ProviderUsed: "deepseek", Sources: []domain.RetrievedChunk{}}, nil
}

type jobsStub struct {
	companyID string
	payload   domain.TaskPayload
	tasks     map[string]*domain.Task
}

func (j *jobsStub) Submit(_ context.Context, companyID string, payload domain.TaskPayload) (*domain.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	j.companyID, j.payload = companyID, payload
	return domain.NewTask("33333333-3333-3333-3333-333333333333", companyID, payload, time.Now()), nil
}

func (j *jobsStub) Get(_ context.Context, id string) (*domain.Task, error) {
	task, ok := j.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

func (j *jobsStub) Await(ctx context.Context, id string) (*domain.Task, error) {
	return j.Get(ctx, id)
}

func newTestServer(chat *chatStub, jobs *jobsStub) *Server {
	return NewServer(domain.Company{ID: "company-1", Name: "Acme"}, Services{Chat: chat, Jobs: jobs, Tasks: jobs}, "test", nil)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func TestChatToolUsesBoundCompany(t *testing.T) {
	chat := &chatStub{}
	s := newTestServer(chat, &jobsStub{})

	result, err := s.handleChat(context.Background(), callRequest("chat", map[string]any{
		"session_id": "s1",
		"query":      "what is the refund policy?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var answer domain.ChatAnswer
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &answer))
	require.Equal(t, "from docs", answer.Answer)
	require.Equal(t, "deepseek", answer.ProviderUsed)
	require.Equal(t, "company-1", chat.last.CompanyID)
	require.Equal(t, "s1", chat.last.SessionID)
}

func TestChatToolReportsProviderExhaustion(t *testing.T) {
	chat := &chatStub{err: &domain.AllProvidersUnavailableError{Failures: []domain.ProviderFailure{{Provider: "azure", Reason: "timeout"}}}}
	s := newTestServer(chat, &jobsStub{})

	result, err := s.handleChat(context.Background(), callRequest("chat", map[string]any{"session_id": "s1", "query": "hi"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, resultText(t, result), "azure: timeout")
}

func TestUploadDocumentsToolSubmitsIngestJob(t *testing.T) {
	jobs := &jobsStub{}
	s := newTestServer(&chatStub{}, jobs)

	result, err := s.handleUploadDocuments(context.Background(), callRequest("upload_documents", map[string]any{
		"documents": []any{"a.txt", "b.pdf"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	payload, ok := jobs.payload.(domain.IngestPayload)
	require.True(t, ok)
	require.Len(t, payload.Documents, 2)
	require.Equal(t, "company-1", jobs.companyID)

	var out uploadOutput
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Equal(t, "33333333-3333-3333-3333-333333333333", out.TaskID)
	require.Equal(t, payload.Documents, out.Documents)
}

func TestUploadDocumentsToolRejectsEmptyList(t *testing.T) {
	s := newTestServer(&chatStub{}, &jobsStub{})

	result, err := s.handleUploadDocuments(context.Background(), callRequest("upload_documents", map[string]any{
		"documents": []any{},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestTaskStatusToolHidesOtherCompanies(t *testing.T) {
	own := domain.NewTask("own", "company-1", domain.DeleteAllDocumentsPayload{}, time.Now())
	foreign := domain.NewTask("foreign", "company-2", domain.DeleteAllDocumentsPayload{}, time.Now())
	jobs := &jobsStub{tasks: map[string]*domain.Task{"own": own, "foreign": foreign}}
	s := newTestServer(&chatStub{}, jobs)

	result, err := s.handleTaskStatus(context.Background(), callRequest("task_status", map[string]any{"task_id": "own"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out taskStatusOutput
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Equal(t, domain.TaskPending, out.State)
	require.Equal(t, domain.TaskDeleteAllDocuments, out.Kind)

	result, err = s.handleTaskStatus(context.Background(), callRequest("task_status", map[string]any{"task_id": "foreign"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
