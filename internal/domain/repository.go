package domain

import (
	"context"
	"time"
)

// ImaginationRepository defines persistence for imagination entities. The
// orchestrator calls Update after every state transition.
type ImaginationRepository interface {
	Create(ctx context.Context, item *Imagination) error
	GetByID(ctx context.Context, id string) (*Imagination, error)
	Update(ctx context.Context, item *Imagination) error
	// ListByBulk returns every child of a bulk, regardless of status.
	ListByBulk(ctx context.Context, bulkID string) ([]*Imagination, error)
	// ListAwaiting returns non-terminal jobs that already carry engine
	// correlation data and were last touched before the cutoff. Used by the
	// background poller.
	ListAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]*Imagination, error)
}

// BulkRepository defines persistence for bulk aggregates.
type BulkRepository interface {
	Create(ctx context.Context, bulk *ImaginationBulk) error
	GetByID(ctx context.Context, id string) (*ImaginationBulk, error)
	Update(ctx context.Context, bulk *ImaginationBulk) error
}

// AuditRepository appends human-readable trail entries per entity. Failures
// here are reported but never interrupt orchestration.
type AuditRepository interface {
	Append(ctx context.Context, entityID, message string) error
}
