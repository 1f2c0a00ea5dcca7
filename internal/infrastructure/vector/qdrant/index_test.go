package qdrant

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

func TestPointPayloadRoundTrip(t *testing.T) {
	ingested := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	chunk := domain.Chunk{
		ID:         domain.ChunkID("c1", "d1", 3),
		CompanyID:  "c1",
		DocumentID: "d1",
		SourcePath: "docs/a.pdf",
		Index:      3,
		Text:       "hello",
		Vector:     []float32{0.1, 0.2},
		IngestedAt: ingested,
	}
	point := pointFromChunk(chunk)
	if point.GetPayload()[fieldCompanyID].GetStringValue() != "c1" {
		t.Fatalf("company id missing from payload")
	}

	got := chunkFromPoint(&qdrant.ScoredPoint{Id: point.Id, Payload: point.Payload, Score: 0.75})
	if got.ChunkID != chunk.ID || got.DocumentID != "d1" || got.SourcePath != "docs/a.pdf" {
		t.Fatalf("unexpected chunk %#v", got)
	}
	if got.Index != 3 || got.Text != "hello" || got.Score != 0.75 {
		t.Fatalf("unexpected chunk fields %#v", got)
	}
	if !got.IngestedAt.Equal(ingested) {
		t.Fatalf("ingested_at = %v, want %v", got.IngestedAt, ingested)
	}
}

func TestCompanyFilterScopesByKeyword(t *testing.T) {
	f := companyFilter("c42")
	if len(f.Must) != 1 {
		t.Fatalf("expected one condition, got %d", len(f.Must))
	}
	field := f.Must[0].GetField()
	if field.GetKey() != fieldCompanyID || field.GetMatch().GetKeyword() != "c42" {
		t.Fatalf("unexpected condition %#v", field)
	}
}

func TestClassifyQdrantError(t *testing.T) {
	unavailable := status.Error(grpccodes.Unavailable, "down")
	if class := classifyQdrantError(fmt.Errorf("query: %w", unavailable)); !class.Retryable || !class.RecordFailure {
		t.Fatalf("expected retryable classification, got %#v", class)
	}
	invalid := status.Error(grpccodes.InvalidArgument, "bad vector")
	if class := classifyQdrantError(invalid); class.Retryable || class.RecordFailure {
		t.Fatalf("expected permanent classification, got %#v", class)
	}
	if class := classifyQdrantError(context.Canceled); class.Retryable {
		t.Fatalf("cancellation must not be retried")
	}
}

func TestWrapTemporaryMarksUnavailable(t *testing.T) {
	err := wrapTemporaryIfNeeded("qdrant.search", status.Error(grpccodes.Unavailable, "down"))
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !isNotFound(status.Error(grpccodes.NotFound, "no collection")) {
		t.Fatalf("expected not found detection")
	}
}
