package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Save upserts so a redelivered ingestion rewrites the same record.
func (r *DocumentRepository) Save(ctx context.Context, doc *domain.Document) error {
	chunkIDs := doc.ChunkIDs
	if chunkIDs == nil {
		chunkIDs = []string{}
	}
	raw, err := json.Marshal(chunkIDs)
	if err != nil {
		return fmt.Errorf("marshal chunk ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (company_id, id, source_path, chunk_ids, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (company_id, id) DO UPDATE
SET source_path = EXCLUDED.source_path, chunk_ids = EXCLUDED.chunk_ids
`, doc.CompanyID, doc.ID, doc.SourcePath, raw, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Get(ctx context.Context, companyID, documentID string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT company_id, id, source_path, chunk_ids, created_at
FROM documents
WHERE company_id = $1 AND id = $2
`, companyID, documentID)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, documentID)
		}
		return nil, err
	}
	return doc, nil
}

func (r *DocumentRepository) ListByCompany(ctx context.Context, companyID string) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT company_id, id, source_path, chunk_ids, created_at
FROM documents
WHERE company_id = $1
ORDER BY created_at, id
`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// Delete is a no-op for unknown documents.
func (r *DocumentRepository) Delete(ctx context.Context, companyID, documentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE company_id = $1 AND id = $2`, companyID, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var chunksRaw []byte
	if err := row.Scan(&doc.CompanyID, &doc.ID, &doc.SourcePath, &chunksRaw, &doc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if len(chunksRaw) > 0 {
		if err := json.Unmarshal(chunksRaw, &doc.ChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshal chunk ids: %w", err)
		}
	}
	return &doc, nil
}
