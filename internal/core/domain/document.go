package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is the metadata record of an ingested source file. ChunkIDs keep
// the order in which the chunks were produced.
type Document struct {
	ID         string    `json:"document_id"`
	CompanyID  string    `json:"company_id"`
	SourcePath string    `json:"source_path"`
	ChunkIDs   []string  `json:"chunk_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is a unit of indexed text together with its embedding.
type Chunk struct {
	ID         string
	CompanyID  string
	DocumentID string
	SourcePath string
	Index      int
	Text       string
	Vector     []float32
	IngestedAt time.Time
}

type RetrievedChunk struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	SourcePath string    `json:"source_path"`
	Index      int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	IngestedAt time.Time `json:"-"`
}

var chunkNamespace = uuid.MustParse("6f1d0c1e-7d1b-4c3e-9a49-2f3b7a6c9e10")

// ChunkID derives a stable point id so a re-run of the same ingestion
// overwrites instead of duplicating.
func ChunkID(companyID, documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%s/%d", companyID, documentID, index))).String()
}
