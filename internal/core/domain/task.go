package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

type TaskKind string

const (
	TaskIngest             TaskKind = "INGEST"
	TaskDeleteDocument     TaskKind = "DELETE_DOCUMENT"
	TaskDeleteAllDocuments TaskKind = "DELETE_ALL_DOCUMENTS"
	TaskDeleteCompany      TaskKind = "DELETE_COMPANY"
)

func (k TaskKind) Valid() bool {
	switch k {
	case TaskIngest, TaskDeleteDocument, TaskDeleteAllDocuments, TaskDeleteCompany:
		return true
	default:
		return false
	}
}

type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// CanTransitionTo reports whether the ledger accepts moving from s to next.
// RUNNING -> RUNNING is accepted so a redelivered job can resume its task.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskFailed
	case TaskRunning:
		return next == TaskRunning || next == TaskSucceeded || next == TaskFailed
	default:
		return false
	}
}

type Task struct {
	ID        string      `json:"task_id"`
	CompanyID string      `json:"company_id"`
	Kind      TaskKind    `json:"kind"`
	State     TaskState   `json:"state"`
	Payload   TaskPayload `json:"payload"`
	Result    TaskResult  `json:"result,omitempty"`
	Error     *TaskError  `json:"error,omitempty"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func NewTask(id, companyID string, payload TaskPayload, now time.Time) *Task {
	return &Task{
		ID:        id,
		CompanyID: companyID,
		Kind:      payload.Kind(),
		State:     TaskPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkRunning applies the PENDING -> RUNNING transition.
func (t *Task) MarkRunning(now time.Time) error {
	if !t.State.CanTransitionTo(TaskRunning) {
		return fmt.Errorf("%w: task %s is %s", ErrStateConflict, t.ID, t.State)
	}
	t.State = TaskRunning
	t.Attempts++
	t.UpdatedAt = now
	return nil
}

// Complete records a successful outcome. Re-applying an identical result to a
// succeeded task is a no-op.
func (t *Task) Complete(result TaskResult, now time.Time) error {
	if result == nil || result.Kind() != t.Kind {
		return fmt.Errorf("%w: result does not match task kind %s", ErrInvalidInput, t.Kind)
	}
	if t.State == TaskSucceeded && SameResult(t.Result, result) {
		return nil
	}
	if !t.State.CanTransitionTo(TaskSucceeded) {
		return fmt.Errorf("%w: task %s is %s", ErrStateConflict, t.ID, t.State)
	}
	t.State = TaskSucceeded
	t.Result = result
	t.Error = nil
	t.UpdatedAt = now
	return nil
}

// Fail records a failed outcome with the same idempotency rule as Complete.
func (t *Task) Fail(taskErr TaskError, now time.Time) error {
	if t.State == TaskFailed && t.Error != nil && SameError(*t.Error, taskErr) {
		return nil
	}
	if !t.State.CanTransitionTo(TaskFailed) {
		return fmt.Errorf("%w: task %s is %s", ErrStateConflict, t.ID, t.State)
	}
	t.State = TaskFailed
	t.Error = &taskErr
	t.Result = nil
	t.UpdatedAt = now
	return nil
}

// JobMessage is the queue envelope; the ledger stays the source of truth for payloads.
type JobMessage struct {
	TaskID     string    `json:"task_id"`
	CompanyID  string    `json:"company_id"`
	Kind       TaskKind  `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type TaskErrorCode string

const (
	CodeDocumentRead    TaskErrorCode = "DOCUMENT_READ_ERROR"
	CodeEmbedding       TaskErrorCode = "EMBEDDING_ERROR"
	CodeIndex           TaskErrorCode = "INDEX_ERROR"
	CodeMetadata        TaskErrorCode = "METADATA_ERROR"
	CodePartialDeletion TaskErrorCode = "PARTIAL_DELETION"
	CodeCancelled       TaskErrorCode = "CANCELLED"
	CodeUnavailable     TaskErrorCode = "UNAVAILABLE"
	CodeInternal        TaskErrorCode = "INTERNAL"
)

// TaskError is the error payload stored on a FAILED task.
type TaskError struct {
	Code       TaskErrorCode      `json:"code"`
	Message    string             `json:"message"`
	FailedPath string             `json:"failed_path,omitempty"`
	Indexed    []IngestedDocument `json:"indexed,omitempty"`
	Removed    []string           `json:"removed,omitempty"`
	Orphaned   []string           `json:"orphaned,omitempty"`
}

func (e *TaskError) Error() string {
	if e.FailedPath != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.FailedPath)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	switch e.Code {
	case CodeDocumentRead:
		return ErrDocumentRead
	case CodeEmbedding:
		return ErrEmbedding
	case CodePartialDeletion:
		return ErrPartialDeletion
	case CodeUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

// TaskPayload is the kind-specific input of a task.
type TaskPayload interface {
	Kind() TaskKind
	Validate() error
}

// TaskResult is the kind-specific output of a succeeded task.
type TaskResult interface {
	Kind() TaskKind
}

type IngestDocument struct {
	DocumentID string `json:"document_id"`
	SourcePath string `json:"source_path"`
}

type IngestPayload struct {
	Documents []IngestDocument `json:"documents"`
}

func (IngestPayload) Kind() TaskKind { return TaskIngest }

func (p IngestPayload) Validate() error {
	if len(p.Documents) == 0 {
		return fmt.Errorf("%w: documents list is empty", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(p.Documents))
	for i, doc := range p.Documents {
		if strings.TrimSpace(doc.DocumentID) == "" {
			return fmt.Errorf("%w: documents[%d]: document id is required", ErrInvalidInput, i)
		}
		if _, dup := seen[doc.DocumentID]; dup {
			return fmt.Errorf("%w: documents[%d]: duplicate document id", ErrInvalidInput, i)
		}
		seen[doc.DocumentID] = struct{}{}
		if err := ValidateSourcePath(doc.SourcePath); err != nil {
			return fmt.Errorf("documents[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateSourcePath accepts only clean relative storage keys.
func ValidateSourcePath(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return fmt.Errorf("%w: source path is required", ErrInvalidInput)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("%w: source path must be relative: %q", ErrInvalidInput, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: source path escapes storage root: %q", ErrInvalidInput, p)
	}
	return nil
}

type DeleteDocumentPayload struct {
	DocumentID string `json:"document_id"`
}

func (DeleteDocumentPayload) Kind() TaskKind { return TaskDeleteDocument }

func (p DeleteDocumentPayload) Validate() error {
	if strings.TrimSpace(p.DocumentID) == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	return nil
}

type DeleteAllDocumentsPayload struct{}

func (DeleteAllDocumentsPayload) Kind() TaskKind  { return TaskDeleteAllDocuments }
func (DeleteAllDocumentsPayload) Validate() error { return nil }

type DeleteCompanyPayload struct{}

func (DeleteCompanyPayload) Kind() TaskKind  { return TaskDeleteCompany }
func (DeleteCompanyPayload) Validate() error { return nil }

type IngestedDocument struct {
	DocumentID string   `json:"document_id"`
	SourcePath string   `json:"source_path"`
	ChunkIDs   []string `json:"chunk_ids"`
}

type IngestResult struct {
	Documents []IngestedDocument `json:"documents"`
}

func (IngestResult) Kind() TaskKind { return TaskIngest }

type DeletionResult struct {
	TaskKind TaskKind `json:"-"`
	Removed  []string `json:"removed"`
}

func (r DeletionResult) Kind() TaskKind {
	if r.TaskKind == "" {
		return TaskDeleteDocument
	}
	return r.TaskKind
}

type CompanyDeletionResult struct {
	RemovedDocuments []string `json:"removed_documents"`
	PurgedSessions   int      `json:"purged_sessions"`
	PurgedTasks      int      `json:"purged_tasks"`
}

func (CompanyDeletionResult) Kind() TaskKind { return TaskDeleteCompany }

// DecodeTaskPayload restores the concrete payload stored for kind.
func DecodeTaskPayload(kind TaskKind, raw []byte) (TaskPayload, error) {
	switch kind {
	case TaskIngest:
		var p IngestPayload
		if err := decodeJSON(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TaskDeleteDocument:
		var p DeleteDocumentPayload
		if err := decodeJSON(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TaskDeleteAllDocuments:
		return DeleteAllDocumentsPayload{}, nil
	case TaskDeleteCompany:
		return DeleteCompanyPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, kind)
	}
}

// DecodeTaskResult restores the concrete result stored for kind.
func DecodeTaskResult(kind TaskKind, raw []byte) (TaskResult, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	switch kind {
	case TaskIngest:
		var r IngestResult
		if err := decodeJSON(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case TaskDeleteDocument, TaskDeleteAllDocuments:
		r := DeletionResult{TaskKind: kind}
		if err := decodeJSON(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case TaskDeleteCompany:
		var r CompanyDeletionResult
		if err := decodeJSON(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, kind)
	}
}

func decodeJSON(raw []byte, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode task json: %w", err)
	}
	return nil
}

// SameResult compares results by their stored representation.
func SameResult(a, b TaskResult) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	return sameJSON(a, b)
}

func SameError(a, b TaskError) bool {
	return sameJSON(a, b)
}

func sameJSON(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}
