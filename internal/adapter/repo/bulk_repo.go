package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagine/internal/domain"
)

// BulkRepositoryPG implements domain.BulkRepository.
type BulkRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewBulkRepository creates a bulk repository backed by PostgreSQL.
func NewBulkRepository(pool *pgxpool.Pool) *BulkRepositoryPG {
	return &BulkRepositoryPG{pool: pool}
}

// Create inserts a new bulk record.
func (r *BulkRepositoryPG) Create(ctx context.Context, bulk *domain.ImaginationBulk) error {
	query := `
INSERT INTO imagination_bulks (id, user_id, params_json, combinations_json, total_tasks, total_completed, total_failed, results_json, errors_json, status, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	params, combos, results, errs, err := encodeBulk(bulk)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		bulk.ID,
		bulk.UserID,
		params,
		combos,
		bulk.TotalTasks,
		bulk.TotalCompleted,
		bulk.TotalFailed,
		results,
		errs,
		bulk.Status,
		bulk.CreatedAt,
		bulk.UpdatedAt,
		bulk.CompletedAt,
	)
	return err
}

// Update persists counters, result lists, and status of a bulk.
func (r *BulkRepositoryPG) Update(ctx context.Context, bulk *domain.ImaginationBulk) error {
	query := `
UPDATE imagination_bulks
SET total_completed = $2,
    total_failed = $3,
    results_json = $4,
    errors_json = $5,
    status = $6,
    updated_at = $7,
    completed_at = $8
WHERE id = $1;
`
	_, _, results, errs, err := encodeBulk(bulk)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query,
		bulk.ID,
		bulk.TotalCompleted,
		bulk.TotalFailed,
		results,
		errs,
		bulk.Status,
		bulk.UpdatedAt,
		bulk.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a bulk aggregate by its identifier.
func (r *BulkRepositoryPG) GetByID(ctx context.Context, id string) (*domain.ImaginationBulk, error) {
	query := `
SELECT id, user_id, params_json, combinations_json, total_tasks, total_completed, total_failed, results_json, errors_json, status, created_at, updated_at, completed_at
FROM imagination_bulks
WHERE id = $1;
`
	var (
		bulk    domain.ImaginationBulk
		params  []byte
		combos  []byte
		results []byte
		errs    []byte
	)
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&bulk.ID,
		&bulk.UserID,
		&params,
		&combos,
		&bulk.TotalTasks,
		&bulk.TotalCompleted,
		&bulk.TotalFailed,
		&results,
		&errs,
		&bulk.Status,
		&bulk.CreatedAt,
		&bulk.UpdatedAt,
		&bulk.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := decodeJSON(params, &bulk.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := decodeJSON(combos, &bulk.Combinations); err != nil {
		return nil, fmt.Errorf("decode combinations: %w", err)
	}
	if err := decodeJSON(results, &bulk.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if err := decodeJSON(errs, &bulk.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	return &bulk, nil
}

func encodeBulk(bulk *domain.ImaginationBulk) (params, combos, results, errs []byte, err error) {
	if params, err = json.Marshal(bulk.Params); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode params: %w", err)
	}
	if combos, err = encodeJSONSlice(bulk.Combinations); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode combinations: %w", err)
	}
	if results, err = encodeJSONSlice(bulk.Results); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode results: %w", err)
	}
	if errs, err = encodeJSONSlice(bulk.Errors); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode errors: %w", err)
	}
	return params, combos, results, errs, nil
}
