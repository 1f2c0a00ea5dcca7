package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/routers"
	"github.com/google/uuid"

	"github.com/kirillkom/ragdesk/internal/config"
	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
	"github.com/kirillkom/ragdesk/internal/observability/metrics"
)

const serviceName = "api"

// Services are the inbound ports the HTTP surface is wired to.
type Services struct {
	Companies ports.CompanyService
	Jobs      ports.JobSubmitter
	Tasks     ports.TaskReader
	Files     ports.FileStager
	Chat      ports.ChatService
}

type Router struct {
	cfg     config.Config
	svc     Services
	metrics *metrics.HTTPServerMetrics
	openapi routers.Router
	logger  *slog.Logger

	newDocumentID func() string
}

func NewRouter(cfg config.Config, svc Services, httpMetrics *metrics.HTTPServerMetrics) (*Router, error) {
	openapiRouter, err := loadOpenAPIRouter()
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg:           cfg,
		svc:           svc,
		metrics:       httpMetrics,
		openapi:       openapiRouter,
		logger:        slog.Default(),
		newDocumentID: uuid.NewString,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.yaml", rt.openAPIDocument)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /company/register", rt.registerCompany)
	mux.HandleFunc("DELETE /company/delete", rt.authenticated(rt.deleteCompany))
	mux.HandleFunc("GET /company/delete/status/{task_id}", rt.taskStatus(domain.TaskDeleteCompany))

	mux.HandleFunc("POST /documents/files", rt.authenticated(rt.stageFile))
	mux.HandleFunc("POST /documents/upload", rt.authenticated(rt.uploadDocuments))
	mux.HandleFunc("GET /documents/upload/status/{task_id}", rt.taskStatus(domain.TaskIngest))
	mux.HandleFunc("DELETE /documents/delete/all", rt.authenticated(rt.deleteAllDocuments))
	mux.HandleFunc("DELETE /documents/delete/{document_id}", rt.authenticated(rt.deleteDocument))
	mux.HandleFunc("GET /documents/delete/status/{task_id}", rt.taskStatus(domain.TaskDeleteDocument, domain.TaskDeleteAllDocuments))

	mux.HandleFunc("POST /chat", rt.authenticated(rt.chat))
	mux.HandleFunc("POST /prompt", rt.authenticated(rt.updatePrompt))

	var handler http.Handler = mux
	handler = requestValidationMiddleware(rt.openapi, handler)
	handler = backpressureMiddlewareWithHook(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, rt.rejected("backpressure"))
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.rejected("rate_limit"))
	handler = identifyMiddleware(rt.svc.Companies, handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) rejected(reason string) func() {
	if rt.metrics == nil {
		return nil
	}
	return func() { rt.metrics.RecordRejected(serviceName, reason) }
}

func (rt *Router) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return authMiddleware(rt.svc.Companies, next)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIDocument)
}

type registerRequest struct {
	Name string `json:"name"`
}

func (rt *Router) registerCompany(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	registration, err := rt.svc.Companies.Register(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registration)
}

type taskAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

func (rt *Router) deleteCompany(w http.ResponseWriter, r *http.Request) {
	task, ok := rt.submit(w, r, domain.DeleteCompanyPayload{})
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, taskAcceptedResponse{TaskID: task.ID})
}

func (rt *Router) deleteAllDocuments(w http.ResponseWriter, r *http.Request) {
	task, ok := rt.submit(w, r, domain.DeleteAllDocumentsPayload{})
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, taskAcceptedResponse{TaskID: task.ID})
}

type uploadRequest struct {
	Documents []string `json:"documents"`
}

type uploadResponse struct {
	TaskID    string                  `json:"task_id"`
	Documents []domain.IngestDocument `json:"documents"`
}

func (rt *Router) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payload := domain.IngestPayload{Documents: make([]domain.IngestDocument, 0, len(req.Documents))}
	for _, sourcePath := range req.Documents {
		payload.Documents = append(payload.Documents, domain.IngestDocument{
			DocumentID: rt.newDocumentID(),
			SourcePath: strings.TrimSpace(sourcePath),
		})
	}

	task, ok := rt.submit(w, r, payload)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{TaskID: task.ID, Documents: payload.Documents})
}

func (rt *Router) stageFile(w http.ResponseWriter, r *http.Request) {
	company, _ := companyFromContext(r.Context())
	if rt.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadBytes)
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	path, err := rt.svc.Files.Stage(r.Context(), company.ID, fileHeader.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

type deleteDocumentResponse struct {
	DocumentID string            `json:"document_id"`
	Status     string            `json:"status"`
	TaskID     string            `json:"task_id,omitempty"`
	Error      *domain.TaskError `json:"error,omitempty"`
}

// deleteDocument runs the deletion as a job and waits a bounded time for it,
// so a short deletion looks synchronous to the caller.
func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := strings.TrimSpace(r.PathValue("document_id"))
	task, ok := rt.submit(w, r, domain.DeleteDocumentPayload{DocumentID: documentID})
	if !ok {
		return
	}

	pending := deleteDocumentResponse{DocumentID: documentID, Status: "pending", TaskID: task.ID}
	if rt.cfg.SyncDeleteWait <= 0 {
		writeJSON(w, http.StatusAccepted, pending)
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), rt.cfg.SyncDeleteWait)
	defer cancel()
	final, err := rt.svc.Tasks.Await(waitCtx, task.ID)
	if err != nil {
		rt.logger.Warn("delete_await_failed", "task_id", task.ID, "error", err)
		writeJSON(w, http.StatusAccepted, pending)
		return
	}

	switch final.State {
	case domain.TaskSucceeded:
		writeJSON(w, http.StatusOK, deleteDocumentResponse{DocumentID: documentID, Status: "deleted", TaskID: task.ID})
	case domain.TaskFailed:
		status := http.StatusInternalServerError
		if final.Error != nil {
			status = mapErrorToHTTPStatus(final.Error)
		}
		writeJSON(w, status, deleteDocumentResponse{DocumentID: documentID, Status: "failed", TaskID: task.ID, Error: final.Error})
	default:
		writeJSON(w, http.StatusAccepted, pending)
	}
}

type taskStatusResponse struct {
	TaskID    string            `json:"task_id"`
	Kind      domain.TaskKind   `json:"kind"`
	State     domain.TaskState  `json:"state"`
	Result    domain.TaskResult `json:"result,omitempty"`
	Error     *domain.TaskError `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// taskStatus serves a status route that only reports tasks of the given kinds.
func (rt *Router) taskStatus(kinds ...domain.TaskKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("task_id"))
		task, err := rt.svc.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if !kindIn(task.Kind, kinds) {
			writeError(w, domain.WrapError(domain.ErrNotFound, "get task", fmt.Errorf("unknown task %q", id)))
			return
		}
		writeJSON(w, http.StatusOK, taskStatusResponse{
			TaskID:    task.ID,
			Kind:      task.Kind,
			State:     task.State,
			Result:    task.Result,
			Error:     task.Error,
			CreatedAt: task.CreatedAt,
			UpdatedAt: task.UpdatedAt,
		})
	}
}

func kindIn(kind domain.TaskKind, kinds []domain.TaskKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func (rt *Router) chat(w http.ResponseWriter, r *http.Request) {
	company, _ := companyFromContext(r.Context())
	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	answer, err := rt.svc.Chat.Chat(r.Context(), domain.ChatRequest{
		CompanyID: company.ID,
		SessionID: req.SessionID,
		Query:     req.Query,
	})
	if err != nil {
		if rt.metrics != nil {
			rt.metrics.RecordChatFailure(serviceName, chatFailureReason(err), time.Since(start))
		}
		writeError(w, err)
		return
	}
	if answer.Sources == nil {
		answer.Sources = []domain.RetrievedChunk{}
	}
	if rt.metrics != nil {
		rt.metrics.RecordChatAnswer(serviceName, answer.ProviderUsed, answer.Fallbacks, len(answer.Sources), time.Since(start))
	}
	writeJSON(w, http.StatusOK, answer)
}

func chatFailureReason(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrAllProvidersUnavailable):
		return "all_providers_unavailable"
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid_input"
	case domain.IsKind(err, domain.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (rt *Router) updatePrompt(w http.ResponseWriter, r *http.Request) {
	company, _ := companyFromContext(r.Context())
	var req promptRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := rt.svc.Companies.UpdatePrompt(r.Context(), company.ID, req.Prompt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) submit(w http.ResponseWriter, r *http.Request, payload domain.TaskPayload) (*domain.Task, bool) {
	company, _ := companyFromContext(r.Context())
	task, err := rt.svc.Jobs.Submit(r.Context(), company.ID, payload)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if rt.metrics != nil {
		rt.metrics.RecordJobSubmitted(serviceName, string(task.Kind))
	}
	return task, true
}

func decodeJSONBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
