// Package syncengine moves local changes to the shared backend and brings
// remote changes back, arbitrating conflicts by last write wins.
package syncengine

import (
	"context"
	"errors"
	"net"
	"time"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/wire"
)

var (
	ErrMissingShopID = errors.New("shop id is not configured")
	ErrSyncInFlight  = errors.New("sync already in progress")
	ErrPassTimeout   = errors.New("sync pass timed out")
	// ErrPartialPush means some records were rejected. They stay pending.
	ErrPartialPush = errors.New("push incomplete")
)

// ShopID reads the provisioned shop identifier.
func ShopID(ctx context.Context, r store.Records) (string, error) {
	id, err := r.Setting(ctx, store.SettingShopID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && id == "") {
		return "", ErrMissingShopID
	}
	return id, err
}

// Watermark returns the incremental pull cursor for collection, or nil when
// the collection was never pulled. The cursor is the newest backend change
// stamp seen by a pull.
func Watermark(ctx context.Context, r store.Records, collection domain.Collection) (*time.Time, error) {
	raw, err := r.Setting(ctx, store.WatermarkKey(collection))
	if errors.Is(err, store.ErrNotFound) || (err == nil && raw == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at, err := wire.ParseTime(raw)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// advanceWatermark moves the cursor forward only.
func advanceWatermark(ctx context.Context, r store.Records, collection domain.Collection, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	current, err := Watermark(ctx, r, collection)
	if err != nil {
		return err
	}
	if current != nil && !at.After(*current) {
		return nil
	}
	return r.SetSetting(ctx, store.WatermarkKey(collection), wire.FormatTime(at))
}

// ResetWatermarks forgets every pull cursor so the next pull starts over.
func ResetWatermarks(ctx context.Context, r store.Records) error {
	for _, c := range domain.SyncCollections {
		if err := r.SetSetting(ctx, store.WatermarkKey(c), ""); err != nil {
			return err
		}
	}
	return nil
}

// applyRemote writes a backend row locally. Unless force is set the row only
// lands when the local copy is absent or not newer. Remote tombstones remove
// the local row under the same rule.
func applyRemote(ctx context.Context, tx store.Records, row store.Row, force bool) (bool, error) {
	local, err := tx.Get(ctx, row.Collection, row.UUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if row.Deleted {
			return false, nil
		}
		return true, tx.Put(ctx, row)
	case err != nil:
		return false, err
	}
	if !force && local.LastUpdated.After(row.LastUpdated) {
		return false, nil
	}
	if row.Deleted {
		return true, tx.Delete(ctx, row.Collection, row.UUID)
	}
	return true, tx.Put(ctx, row)
}

// PendingCount is the number of local rows waiting for push.
func PendingCount(ctx context.Context, r store.Records) (int, error) {
	total := 0
	for _, c := range domain.SyncCollections {
		n, err := r.Count(ctx, c, store.Query{UnsyncedOnly: true})
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// IsOffline reports whether err means the backend could not be reached.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, remote.ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// StatusFor maps the outcome of a pass to the status observers see.
func StatusFor(err error) domain.Status {
	switch {
	case err == nil:
		return domain.StatusSynced
	case errors.Is(err, ErrMissingShopID):
		return domain.StatusUnprovisioned
	case errors.Is(err, ErrPassTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.StatusError
	case IsOffline(err):
		return domain.StatusOffline
	case errors.Is(err, ErrPartialPush):
		return domain.StatusPending
	default:
		return domain.StatusError
	}
}
