package cache

import (
	"context"

	"shopsync/backend/internal/domain"
)

// StatusMirror publishes sync snapshots for observers outside this process,
// such as a back-office dashboard watching several tills.
type StatusMirror interface {
	Publish(ctx context.Context, snapshot domain.SyncSnapshot) error
	Latest(ctx context.Context, shopID string, deviceID string) (*domain.SyncSnapshot, bool, error)
}

type NoopStatusMirror struct{}

func (NoopStatusMirror) Publish(_ context.Context, _ domain.SyncSnapshot) error {
	return nil
}

func (NoopStatusMirror) Latest(_ context.Context, _ string, _ string) (*domain.SyncSnapshot, bool, error) {
	return nil, false, nil
}
