package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTaskStateSequenceIsMonotonic(t *testing.T) {
	now := time.Now().UTC()
	task := NewTask("t1", "c1", DeleteAllDocumentsPayload{}, now)
	if task.State != TaskPending {
		t.Fatalf("expected PENDING, got %s", task.State)
	}
	if err := task.MarkRunning(now.Add(time.Second)); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	result := DeletionResult{TaskKind: TaskDeleteAllDocuments, Removed: []string{"d1"}}
	if err := task.Complete(result, now.Add(2*time.Second)); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := task.MarkRunning(now.Add(3 * time.Second)); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict after terminal state, got %v", err)
	}
	if !task.UpdatedAt.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("updated_at must only move with accepted transitions, got %v", task.UpdatedAt)
	}
}

func TestTaskCompleteIsIdempotentForIdenticalResult(t *testing.T) {
	now := time.Now().UTC()
	task := NewTask("t1", "c1", DeleteDocumentPayload{DocumentID: "d1"}, now)
	_ = task.MarkRunning(now)

	first := DeletionResult{TaskKind: TaskDeleteDocument, Removed: []string{"d1"}}
	if err := task.Complete(first, now); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	if err := task.Complete(DeletionResult{TaskKind: TaskDeleteDocument, Removed: []string{"d1"}}, now); err != nil {
		t.Fatalf("identical Complete() error = %v", err)
	}
	err := task.Complete(DeletionResult{TaskKind: TaskDeleteDocument, Removed: []string{"d2"}}, now)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict for different result, got %v", err)
	}
	if err := task.Fail(TaskError{Code: CodeInternal, Message: "late"}, now); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict for fail after success, got %v", err)
	}
}

func TestTaskFailIsIdempotentForIdenticalError(t *testing.T) {
	now := time.Now().UTC()
	task := NewTask("t1", "c1", DeleteCompanyPayload{}, now)
	taskErr := TaskError{Code: CodeCancelled, Message: "stale"}
	if err := task.Fail(taskErr, now); err != nil {
		t.Fatalf("Fail() from PENDING error = %v", err)
	}
	if err := task.Fail(taskErr, now); err != nil {
		t.Fatalf("repeated Fail() error = %v", err)
	}
	if err := task.Fail(TaskError{Code: CodeInternal, Message: "other"}, now); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestTaskCompleteRejectsPendingTask(t *testing.T) {
	task := NewTask("t1", "c1", DeleteCompanyPayload{}, time.Now())
	err := task.Complete(CompanyDeletionResult{}, time.Now())
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestTaskCompleteRejectsForeignResultKind(t *testing.T) {
	task := NewTask("t1", "c1", DeleteCompanyPayload{}, time.Now())
	_ = task.MarkRunning(time.Now())
	err := task.Complete(IngestResult{}, time.Now())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRunningToRunningIsAccepted(t *testing.T) {
	task := NewTask("t1", "c1", DeleteCompanyPayload{}, time.Now())
	_ = task.MarkRunning(time.Now())
	if err := task.MarkRunning(time.Now()); err != nil {
		t.Fatalf("redelivered MarkRunning() error = %v", err)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", task.Attempts)
	}
}

func TestIngestPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload IngestPayload
		wantErr bool
	}{
		{name: "empty", payload: IngestPayload{}, wantErr: true},
		{name: "ok", payload: IngestPayload{Documents: []IngestDocument{{DocumentID: "d1", SourcePath: "a/b.pdf"}}}},
		{name: "absolute", payload: IngestPayload{Documents: []IngestDocument{{DocumentID: "d1", SourcePath: "/etc/passwd"}}}, wantErr: true},
		{name: "traversal", payload: IngestPayload{Documents: []IngestDocument{{DocumentID: "d1", SourcePath: "a/../../x"}}}, wantErr: true},
		{name: "duplicate id", payload: IngestPayload{Documents: []IngestDocument{
			{DocumentID: "d1", SourcePath: "a.txt"},
			{DocumentID: "d1", SourcePath: "b.txt"},
		}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestDecodeTaskResultKeepsKind(t *testing.T) {
	res, err := DecodeTaskResult(TaskDeleteAllDocuments, []byte(`{"removed":["a","b"]}`))
	if err != nil {
		t.Fatalf("DecodeTaskResult() error = %v", err)
	}
	if res.Kind() != TaskDeleteAllDocuments {
		t.Fatalf("expected DELETE_ALL_DOCUMENTS, got %s", res.Kind())
	}
	del, ok := res.(DeletionResult)
	if !ok || len(del.Removed) != 2 {
		t.Fatalf("unexpected result %#v", res)
	}

	empty, err := DecodeTaskResult(TaskIngest, []byte("null"))
	if err != nil || empty != nil {
		t.Fatalf("expected nil result for null, got %#v, %v", empty, err)
	}
}

func TestTaskErrorUnwrapsToKind(t *testing.T) {
	err := error(&TaskError{Code: CodePartialDeletion, Message: "orphans"})
	if !errors.Is(err, ErrPartialDeletion) {
		t.Fatalf("expected partial deletion kind, got %v", err)
	}
}

func TestChunkIDIsDeterministic(t *testing.T) {
	a := ChunkID("c1", "d1", 0)
	if a != ChunkID("c1", "d1", 0) {
		t.Fatalf("chunk id must be stable")
	}
	if a == ChunkID("c1", "d1", 1) || a == ChunkID("c2", "d1", 0) {
		t.Fatalf("chunk id must differ across index and company")
	}
}
