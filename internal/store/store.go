package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopsync/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Row is one stored record. The column fields are authoritative for sync
// metadata; Data holds the full camelCase entity document.
type Row struct {
	Collection  domain.Collection
	UUID        string
	LastUpdated time.Time
	Synced      bool
	Deleted     bool
	Data        json.RawMessage
}

// Query selects rows of one collection ordered by lastUpdated, then uuid.
// Tombstones are skipped unless IncludeDeleted is set or UnsyncedOnly asks
// for pending work, which always includes unsynced tombstones.
type Query struct {
	UnsyncedOnly   bool
	IncludeDeleted bool
	// Field and Equals filter on a top-level string field of the document.
	Field  string
	Equals string
	Limit  int
}

// Records is the read/write surface shared by a repository and its transactions.
type Records interface {
	Get(ctx context.Context, collection domain.Collection, uuid string) (Row, error)
	Put(ctx context.Context, row Row) error
	// Delete removes the row outright. Missing rows are not an error.
	Delete(ctx context.Context, collection domain.Collection, uuid string) error
	List(ctx context.Context, collection domain.Collection, q Query) ([]Row, error)
	Count(ctx context.Context, collection domain.Collection, q Query) (int, error)
	// MarkSynced sets synced=true only if lastUpdated still matches. It reports
	// whether the row was updated.
	MarkSynced(ctx context.Context, collection domain.Collection, uuid string, lastUpdated time.Time) (bool, error)
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error
}

type Repository interface {
	Records
	// RunInTx applies every write made through tx atomically, or none of them
	// when fn returns an error.
	RunInTx(ctx context.Context, fn func(tx Records) error) error
	Close() error
}

const (
	SettingShopID   = "shop_id"
	SettingDeviceID = "device_id"
	SettingShopName = "shop_name"
)

// WatermarkKey names the per-collection incremental pull watermark.
func WatermarkKey(collection domain.Collection) string {
	return "last_" + string(collection) + "_sync"
}

// Timestamp normalizes t to the millisecond UTC precision used for conflict checks.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Encode converts an entity into a row, taking sync metadata from its SyncMeta.
func Encode(collection domain.Collection, entity domain.Entity) (Row, error) {
	meta := entity.Meta()
	meta.LastUpdated = Timestamp(meta.LastUpdated)
	data, err := json.Marshal(entity)
	if err != nil {
		return Row{}, fmt.Errorf("encode %s %s: %w", collection, meta.UUID, err)
	}
	return Row{
		Collection:  collection,
		UUID:        meta.UUID,
		LastUpdated: meta.LastUpdated,
		Synced:      meta.Synced,
		Deleted:     meta.Deleted,
		Data:        data,
	}, nil
}

// Decode fills dst from row. Column metadata overrides whatever the document carries.
func Decode(row Row, dst domain.Entity) error {
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, dst); err != nil {
			return fmt.Errorf("decode %s %s: %w", row.Collection, row.UUID, err)
		}
	}
	meta := dst.Meta()
	meta.UUID = row.UUID
	meta.LastUpdated = row.LastUpdated
	meta.Synced = row.Synced
	meta.Deleted = row.Deleted
	return nil
}

// Load reads one entity by uuid.
func Load(ctx context.Context, r Records, collection domain.Collection, uuid string, dst domain.Entity) error {
	row, err := r.Get(ctx, collection, uuid)
	if err != nil {
		return err
	}
	if row.Deleted {
		return ErrNotFound
	}
	return Decode(row, dst)
}

// Save writes entity as-is. Callers that mutate user data go through the
// service tracker instead so the row is stamped for push.
func Save(ctx context.Context, r Records, collection domain.Collection, entity domain.Entity) error {
	row, err := Encode(collection, entity)
	if err != nil {
		return err
	}
	return r.Put(ctx, row)
}

// ListAs decodes every row matched by q into a slice of T.
func ListAs[T any, PT interface {
	*T
	domain.Entity
}](ctx context.Context, r Records, collection domain.Collection, q Query) ([]T, error) {
	rows, err := r.List(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := Decode(row, PT(&v)); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
