// Package mcpadapter exposes chat, ingestion and task polling as MCP tools
// bound to a single company.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

type Services struct {
	Chat  ports.ChatService
	Jobs  ports.JobSubmitter
	Tasks ports.TaskReader
}

type Server struct {
	mcp     *server.MCPServer
	company domain.Company
	svc     Services
	logger  *slog.Logger

	newDocumentID func() string
}

func NewServer(company domain.Company, svc Services, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:           server.NewMCPServer("ragdesk", version, server.WithToolCapabilities(false), server.WithRecovery()),
		company:       company,
		svc:           svc,
		logger:        logger,
		newDocumentID: uuid.NewString,
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving the protocol over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("chat",
		mcp.WithDescription("Answer a question from the company's documents. Turns are remembered per session_id."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation identifier chosen by the caller.")),
		mcp.WithString("query", mcp.Required(), mcp.Description("The question to answer.")),
	), s.handleChat)

	s.mcp.AddTool(mcp.NewTool("upload_documents",
		mcp.WithDescription("Schedule ingestion of files already present in the company's storage."),
		mcp.WithArray("documents", mcp.Required(),
			mcp.Description("Storage paths relative to the company prefix."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), s.handleUploadDocuments)

	s.mcp.AddTool(mcp.NewTool("task_status",
		mcp.WithDescription("Report the state of an ingestion or deletion task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Identifier returned when the task was scheduled.")),
	), s.handleTaskStatus)
}

type chatInput struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func (s *Server) handleChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in chatInput
	if err := request.BindArguments(&in); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	answer, err := s.svc.Chat.Chat(ctx, domain.ChatRequest{
		CompanyID: s.company.ID,
		SessionID: in.SessionID,
		Query:     in.Query,
	})
	if err != nil {
		s.logger.Warn("mcp_tool_failed", "tool", "chat", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(answer)
}

type uploadInput struct {
	Documents []string `json:"documents"`
}

type uploadOutput struct {
	TaskID    string                  `json:"task_id"`
	Documents []domain.IngestDocument `json:"documents"`
}

func (s *Server) handleUploadDocuments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in uploadInput
	if err := request.BindArguments(&in); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	payload := domain.IngestPayload{Documents: make([]domain.IngestDocument, 0, len(in.Documents))}
	for _, sourcePath := range in.Documents {
		payload.Documents = append(payload.Documents, domain.IngestDocument{
			DocumentID: s.newDocumentID(),
			SourcePath: strings.TrimSpace(sourcePath),
		})
	}
	task, err := s.svc.Jobs.Submit(ctx, s.company.ID, payload)
	if err != nil {
		s.logger.Warn("mcp_tool_failed", "tool", "upload_documents", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(uploadOutput{TaskID: task.ID, Documents: payload.Documents})
}

type taskStatusInput struct {
	TaskID string `json:"task_id"`
}

type taskStatusOutput struct {
	TaskID string            `json:"task_id"`
	Kind   domain.TaskKind   `json:"kind"`
	State  domain.TaskState  `json:"state"`
	Result domain.TaskResult `json:"result,omitempty"`
	Error  *domain.TaskError `json:"error,omitempty"`
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in taskStatusInput
	if err := request.BindArguments(&in); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	task, err := s.svc.Tasks.Get(ctx, strings.TrimSpace(in.TaskID))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// Tasks of other companies are reported as unknown.
	if task.CompanyID != s.company.ID {
		return mcp.NewToolResultError(fmt.Sprintf("%s: unknown task %q", domain.ErrNotFound, in.TaskID)), nil
	}
	return jsonResult(taskStatusOutput{
		TaskID: task.ID,
		Kind:   task.Kind,
		State:  task.State,
		Result: task.Result,
		Error:  task.Error,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
