package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

const uniqueViolation = "23505"

type CompanyRepository struct {
	db *sql.DB
}

func NewCompanyRepository(db *sql.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

func (r *CompanyRepository) Create(ctx context.Context, c *domain.Company) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO companies (id, name, api_key_hash, custom_prompt, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, c.ID, c.Name, c.APIKeyHash, c.CustomPrompt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.WrapError(domain.ErrStateConflict, "insert company", err)
		}
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

const companyColumns = `id, name, api_key_hash, custom_prompt, created_at, updated_at`

func (r *CompanyRepository) GetByID(ctx context.Context, id string) (*domain.Company, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
	return scanCompany(row, "company "+id)
}

func (r *CompanyRepository) GetByAPIKeyHash(ctx context.Context, keyHash string) (*domain.Company, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE api_key_hash = $1`, keyHash)
	return scanCompany(row, "api key")
}

func scanCompany(row *sql.Row, what string) (*domain.Company, error) {
	var c domain.Company
	var prompt sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.APIKeyHash, &prompt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, what)
		}
		return nil, fmt.Errorf("scan company: %w", err)
	}
	if prompt.Valid {
		c.CustomPrompt = &prompt.String
	}
	return &c, nil
}

func (r *CompanyRepository) UpdatePrompt(ctx context.Context, id string, prompt *string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE companies
SET custom_prompt = $2, updated_at = $3
WHERE id = $1
`, id, prompt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update company prompt: %w", err)
	}
	return requireAffected(res, "company "+id)
}

func (r *CompanyRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM companies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete company: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return nil
}
