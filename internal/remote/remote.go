package remote

import (
	"context"
	"errors"
	"time"

	"shopsync/backend/internal/domain"
)

// ErrUnavailable marks failures caused by the backend being unreachable.
// The orchestrator reports these as offline rather than error.
var ErrUnavailable = errors.New("backend unavailable")

// Record is one backend row with snake_case column names.
type Record map[string]any

// Backend is the shared multi-tenant store every device syncs against.
// All calls are scoped to one shop partition.
type Backend interface {
	// Fetch returns the shop's rows, restricted to server_updated_at >= since
	// when since is non-nil, ordered by server_updated_at. The stamp is taken
	// by the backend when a row is written, so rows pushed late by an offline
	// device still sort after every earlier pull.
	Fetch(ctx context.Context, collection domain.Collection, shopID string, since *time.Time) ([]Record, error)
	// Upsert inserts or replaces records keyed by uuid.
	Upsert(ctx context.Context, collection domain.Collection, shopID string, records []Record) error
	Delete(ctx context.Context, collection domain.Collection, shopID string, uuid string) error
	Ping(ctx context.Context) error
}
