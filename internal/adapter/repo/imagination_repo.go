package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagine/internal/domain"
)

// ImaginationRepositoryPG implements domain.ImaginationRepository.
type ImaginationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewImaginationRepository creates an imagination repository backed by
// PostgreSQL.
func NewImaginationRepository(pool *pgxpool.Pool) *ImaginationRepositoryPG {
	return &ImaginationRepositoryPG{pool: pool}
}

const imaginationColumns = `id, user_id, engine, params_json, status, percentage, meta_json, retry_count, results_json, error_message, usage_id, bulk_id, created_at, updated_at`

// Create inserts a new imagination record.
func (r *ImaginationRepositoryPG) Create(ctx context.Context, item *domain.Imagination) error {
	query := `
INSERT INTO imaginations (id, user_id, engine, params_json, status, percentage, meta_json, retry_count, results_json, error_message, usage_id, bulk_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	params, meta, results, err := encodeImagination(item)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		item.ID,
		item.UserID,
		item.Engine,
		params,
		item.Status,
		item.Percentage,
		meta,
		item.RetryCount,
		results,
		item.Error,
		nullableText(item.UsageID),
		nullableText(item.BulkID),
		item.CreatedAt,
		item.UpdatedAt,
	)
	return err
}

// Update persists the full mutable state of an imagination.
func (r *ImaginationRepositoryPG) Update(ctx context.Context, item *domain.Imagination) error {
	query := `
UPDATE imaginations
SET params_json = $2,
    status = $3,
    percentage = $4,
    meta_json = $5,
    retry_count = $6,
    results_json = $7,
    error_message = $8,
    usage_id = $9,
    bulk_id = $10,
    updated_at = $11
WHERE id = $1;
`
	params, meta, results, err := encodeImagination(item)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query,
		item.ID,
		params,
		item.Status,
		item.Percentage,
		meta,
		item.RetryCount,
		results,
		item.Error,
		nullableText(item.UsageID),
		nullableText(item.BulkID),
		item.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches an imagination by its identifier.
func (r *ImaginationRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Imagination, error) {
	query := `SELECT ` + imaginationColumns + ` FROM imaginations WHERE id = $1;`
	item, err := scanImagination(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// ListByBulk returns every child of a bulk, oldest first.
func (r *ImaginationRepositoryPG) ListByBulk(ctx context.Context, bulkID string) ([]*domain.Imagination, error) {
	query := `SELECT ` + imaginationColumns + ` FROM imaginations WHERE bulk_id = $1 ORDER BY created_at;`
	rows, err := r.pool.Query(ctx, query, bulkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImaginations(rows)
}

// ListAwaiting returns non-terminal jobs that already carry an external
// correlation id, least recently updated first.
func (r *ImaginationRepositoryPG) ListAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Imagination, error) {
	query := `
SELECT ` + imaginationColumns + `
FROM imaginations
WHERE status NOT IN ('completed', 'error', 'cancelled', 'none', 'draft')
  AND meta_json ? 'id'
  AND updated_at < $1
ORDER BY updated_at
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImaginations(rows)
}

func collectImaginations(rows pgx.Rows) ([]*domain.Imagination, error) {
	var out []*domain.Imagination
	for rows.Next() {
		item, err := scanImagination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanImagination(row pgx.Row) (*domain.Imagination, error) {
	var (
		item    domain.Imagination
		params  []byte
		meta    []byte
		results []byte
		usageID *string
		bulkID  *string
	)
	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Engine,
		&params,
		&item.Status,
		&item.Percentage,
		&meta,
		&item.RetryCount,
		&results,
		&item.Error,
		&usageID,
		&bulkID,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeJSON(params, &item.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := decodeJSON(meta, &item.MetaData); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if err := decodeJSON(results, &item.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if usageID != nil {
		item.UsageID = *usageID
	}
	if bulkID != nil {
		item.BulkID = *bulkID
	}
	return &item, nil
}

func encodeImagination(item *domain.Imagination) (params, meta, results []byte, err error) {
	if params, err = json.Marshal(item.Params); err != nil {
		return nil, nil, nil, fmt.Errorf("encode params: %w", err)
	}
	if meta, err = encodeJSONMap(item.MetaData); err != nil {
		return nil, nil, nil, fmt.Errorf("encode meta: %w", err)
	}
	if results, err = encodeJSONSlice(item.Results); err != nil {
		return nil, nil, nil, fmt.Errorf("encode results: %w", err)
	}
	return params, meta, results, nil
}

func encodeJSONMap[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func encodeJSONSlice[T any](s []T) ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
