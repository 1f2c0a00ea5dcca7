package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

type ingestFixture struct {
	storage   *storageFake
	extractor *extractorFake
	embedder  *keywordEmbedder
	index     *indexFake
	documents *documentRepoFake
	pipeline  *IngestPipeline
}

func newIngestFixture(files map[string]string) *ingestFixture {
	f := &ingestFixture{
		storage:   newStorageFake(files),
		extractor: &extractorFake{},
		embedder:  &keywordEmbedder{},
		index:     newIndexFake(),
		documents: newDocumentRepoFake(),
	}
	f.pipeline = NewIngestPipeline(f.storage, f.extractor, paragraphChunker{}, f.embedder, f.index, f.documents, nil)
	return f
}

func ingestTask(companyID string, docs ...domain.IngestDocument) *domain.Task {
	return &domain.Task{ID: "t-ingest", CompanyID: companyID, Kind: domain.TaskIngest, Payload: domain.IngestPayload{Documents: docs}}
}

func TestIngestIndexesEveryDocument(t *testing.T) {
	f := newIngestFixture(map[string]string{
		"c1/a.txt": "alpha one\n\nalpha two",
		"c1/b.txt": "beta",
	})

	result, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1",
		domain.IngestDocument{DocumentID: "d-a", SourcePath: "a.txt"},
		domain.IngestDocument{DocumentID: "d-b", SourcePath: "b.txt"},
	))
	if taskErr != nil {
		t.Fatalf("Run() task error = %v", taskErr)
	}

	res := result.(domain.IngestResult)
	if len(res.Documents) != 2 || len(res.Documents[0].ChunkIDs) != 2 || len(res.Documents[1].ChunkIDs) != 1 {
		t.Fatalf("unexpected result %#v", res)
	}
	if res.Documents[0].ChunkIDs[1] != domain.ChunkID("c1", "d-a", 1) {
		t.Fatalf("chunk ids must be deterministic")
	}
	if f.index.count("c1") != 3 {
		t.Fatalf("expected 3 indexed chunks, got %d", f.index.count("c1"))
	}
	doc, err := f.documents.Get(context.Background(), "c1", "d-a")
	if err != nil || len(doc.ChunkIDs) != 2 || doc.SourcePath != "a.txt" {
		t.Fatalf("unexpected document record %#v err=%v", doc, err)
	}
}

func TestIngestIsIdempotentOnRedelivery(t *testing.T) {
	f := newIngestFixture(map[string]string{"c1/a.txt": "alpha\n\nbeta"})
	task := ingestTask("c1", domain.IngestDocument{DocumentID: "d-a", SourcePath: "a.txt"})

	first, taskErr := f.pipeline.Run(context.Background(), task)
	if taskErr != nil {
		t.Fatalf("first Run() error = %v", taskErr)
	}
	second, taskErr := f.pipeline.Run(context.Background(), task)
	if taskErr != nil {
		t.Fatalf("second Run() error = %v", taskErr)
	}
	if f.index.count("c1") != 2 {
		t.Fatalf("redelivery must overwrite chunks, got %d", f.index.count("c1"))
	}
	if !domain.SameResult(first, second) {
		t.Fatalf("redelivery must produce the same result")
	}
}

func TestIngestFailsFastOnUnreadableDocument(t *testing.T) {
	f := newIngestFixture(map[string]string{
		"c1/a.txt": "alpha",
		"c1/b.txt": "beta",
		"c1/c.txt": "gamma",
	})
	f.extractor.failPath = "b.txt"

	_, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1",
		domain.IngestDocument{DocumentID: "d-a", SourcePath: "a.txt"},
		domain.IngestDocument{DocumentID: "d-b", SourcePath: "b.txt"},
		domain.IngestDocument{DocumentID: "d-c", SourcePath: "c.txt"},
	))
	if taskErr == nil || taskErr.Code != domain.CodeDocumentRead {
		t.Fatalf("expected document read error, got %#v", taskErr)
	}
	if taskErr.FailedPath != "b.txt" {
		t.Fatalf("unexpected failed path %q", taskErr.FailedPath)
	}
	if len(taskErr.Indexed) != 1 || taskErr.Indexed[0].DocumentID != "d-a" {
		t.Fatalf("already indexed documents must be reported: %#v", taskErr.Indexed)
	}
	if _, err := f.documents.Get(context.Background(), "c1", "d-c"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("documents after the failure must not be processed")
	}
	if !errors.Is(taskErr, domain.ErrDocumentRead) {
		t.Fatalf("task error must unwrap to ErrDocumentRead")
	}
}

func TestIngestMissingFileIsDocumentReadError(t *testing.T) {
	f := newIngestFixture(nil)
	_, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1", domain.IngestDocument{DocumentID: "d", SourcePath: "nope.txt"}))
	if taskErr == nil || taskErr.Code != domain.CodeDocumentRead {
		t.Fatalf("expected document read error, got %#v", taskErr)
	}
}

func TestIngestCannotReadOtherCompanyFiles(t *testing.T) {
	f := newIngestFixture(map[string]string{"c2/secret.txt": "alpha"})
	_, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1", domain.IngestDocument{DocumentID: "d", SourcePath: "secret.txt"}))
	if taskErr == nil || taskErr.Code != domain.CodeDocumentRead {
		t.Fatalf("expected document read error, got %#v", taskErr)
	}
}

func TestIngestEmbeddingFailureAbortsWithoutRetry(t *testing.T) {
	f := newIngestFixture(map[string]string{"c1/a.txt": "alpha"})
	f.embedder.err = errors.New("embedding backend down")

	_, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1", domain.IngestDocument{DocumentID: "d-a", SourcePath: "a.txt"}))
	if taskErr == nil || taskErr.Code != domain.CodeEmbedding {
		t.Fatalf("expected embedding error, got %#v", taskErr)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("embedding must not be retried inline, got %d calls", f.embedder.calls)
	}
	if f.index.count("c1") != 0 {
		t.Fatalf("nothing must be indexed")
	}
}

func TestIngestMetadataFailureRemovesItsChunks(t *testing.T) {
	f := newIngestFixture(map[string]string{"c1/a.txt": "alpha\n\nbeta"})
	f.documents.saveErr = errors.New("postgres down")

	_, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1", domain.IngestDocument{DocumentID: "d-a", SourcePath: "a.txt"}))
	if taskErr == nil || taskErr.Code != domain.CodeMetadata {
		t.Fatalf("expected metadata error, got %#v", taskErr)
	}
	if f.index.count("c1") != 0 {
		t.Fatalf("chunks without a document record must be removed, got %d", f.index.count("c1"))
	}
}

func TestIngestEmptyDocumentIsReadError(t *testing.T) {
	f := newIngestFixture(map[string]string{"c1/blank.txt": "  \n\n  "})
	_, taskErr := f.pipeline.Run(context.Background(), ingestTask("c1", domain.IngestDocument{DocumentID: "d", SourcePath: "blank.txt"}))
	if taskErr == nil || taskErr.Code != domain.CodeDocumentRead || !strings.Contains(taskErr.Message, "no text") {
		t.Fatalf("expected empty document error, got %#v", taskErr)
	}
}

func TestStageStoresUnderCompanyPrefix(t *testing.T) {
	storage := newStorageFake(nil)
	stager := NewFileStager(storage, func(name string) bool { return strings.HasSuffix(name, ".txt") })

	path, err := stager.Stage(context.Background(), "c1", "../../My Notes.txt", strings.NewReader("alpha"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if strings.Contains(path, "/") || !strings.HasSuffix(path, "_My_Notes.txt") {
		t.Fatalf("unexpected staged path %q", path)
	}
	if _, ok := storage.files["c1/"+path]; !ok {
		t.Fatalf("file must be stored under the company prefix")
	}

	if _, err := stager.Stage(context.Background(), "c1", "tool.exe", strings.NewReader("x")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected unsupported type to be rejected, got %v", err)
	}
}
