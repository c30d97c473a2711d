package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRepositoryPG implements domain.AuditRepository.
type AuditRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates an audit trail repository backed by PostgreSQL.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepositoryPG {
	return &AuditRepositoryPG{pool: pool}
}

// Append records one audit line for an entity.
func (r *AuditRepositoryPG) Append(ctx context.Context, entityID, message string) error {
	query := `
INSERT INTO audit_entries (id, entity_id, message, created_at)
VALUES ($1, $2, $3, NOW());
`
	_, err := r.pool.Exec(ctx, query, uuid.NewString(), entityID, message)
	return err
}
