// Package chromem implements the document index in-process on chromem-go.
// Each company gets its own collection, so search and company deletion never
// touch another tenant's vectors. Intended for single-node deployments and
// tests.
package chromem

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

const (
	metaDocumentID = "document_id"
	metaSourcePath = "source_path"
	metaChunkIndex = "chunk_index"
	metaIngestedAt = "ingested_at"
)

var errPrecomputed = errors.New("chromem index expects precomputed embeddings")

type Index struct {
	db *chromem.DB
}

// New opens a persistent index at path, or an in-memory one when path is empty.
func New(path string, compress bool) (*Index, error) {
	if path == "" {
		return &Index{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Index{db: db}, nil
}

func collectionName(companyID string) string {
	return "company_" + base64.RawURLEncoding.EncodeToString([]byte(companyID))
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errPrecomputed
}

func (i *Index) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	byCompany := make(map[string][]chromem.Document)
	for _, chunk := range chunks {
		byCompany[chunk.CompanyID] = append(byCompany[chunk.CompanyID], chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Text,
			Embedding: chunk.Vector,
			Metadata: map[string]string{
				metaDocumentID: chunk.DocumentID,
				metaSourcePath: chunk.SourcePath,
				metaChunkIndex: strconv.Itoa(chunk.Index),
				metaIngestedAt: strconv.FormatInt(chunk.IngestedAt.UnixNano(), 10),
			},
		})
	}
	for companyID, docs := range byCompany {
		collection, err := i.db.GetOrCreateCollection(collectionName(companyID), nil, noEmbedding)
		if err != nil {
			return fmt.Errorf("get collection: %w", err)
		}
		if err := collection.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("add documents: %w", err)
		}
	}
	return nil
}

func (i *Index) DeleteDocument(ctx context.Context, companyID, documentID string) error {
	collection := i.db.GetCollection(collectionName(companyID), noEmbedding)
	if collection == nil {
		return nil
	}
	if err := collection.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	return nil
}

func (i *Index) DeleteCompany(_ context.Context, companyID string) error {
	name := collectionName(companyID)
	if i.db.GetCollection(name, noEmbedding) == nil {
		return nil
	}
	if err := i.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete company collection: %w", err)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, companyID string, vector []float32, k int) ([]domain.RetrievedChunk, error) {
	collection := i.db.GetCollection(collectionName(companyID), noEmbedding)
	if collection == nil || k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	k = min(k, collection.Count())
	if k == 0 {
		return nil, nil
	}
	results, err := collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query chromem: %w", err)
	}

	out := make([]domain.RetrievedChunk, 0, len(results))
	for _, r := range results {
		index, _ := strconv.Atoi(r.Metadata[metaChunkIndex])
		nanos, _ := strconv.ParseInt(r.Metadata[metaIngestedAt], 10, 64)
		out = append(out, domain.RetrievedChunk{
			ChunkID:    r.ID,
			DocumentID: r.Metadata[metaDocumentID],
			SourcePath: r.Metadata[metaSourcePath],
			Index:      index,
			Text:       r.Content,
			Score:      float64(r.Similarity),
			IngestedAt: time.Unix(0, nanos).UTC(),
		})
	}
	return out, nil
}

// Count returns the number of chunks indexed for a company.
func (i *Index) Count(companyID string) int {
	collection := i.db.GetCollection(collectionName(companyID), noEmbedding)
	if collection == nil {
		return 0
	}
	return collection.Count()
}
