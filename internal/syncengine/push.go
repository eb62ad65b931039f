package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/logging"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/wire"
)

type PushReport struct {
	Attempted int `json:"attempted"`
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`
	// Purged counts tombstones removed locally after the backend accepted them.
	Purged int `json:"purged"`
}

func (r *PushReport) add(o PushReport) {
	r.Attempted += o.Attempted
	r.Pushed += o.Pushed
	r.Failed += o.Failed
	r.Purged += o.Purged
}

type Pusher struct {
	repo    store.Repository
	backend remote.Backend
	logger  logrus.FieldLogger
	// parallel bounds how many collections push at once.
	parallel int
}

func NewPusher(repo store.Repository, backend remote.Backend, logger logrus.FieldLogger) *Pusher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pusher{
		repo:     repo,
		backend:  backend,
		logger:   logger.WithField("module", "push"),
		parallel: 4,
	}
}

// PushPending uploads every unsynced row of every collection. A rejected
// record does not stop the rest; the returned error wraps ErrPartialPush and
// the first cause in collection order.
func (p *Pusher) PushPending(ctx context.Context, shopID string) (PushReport, error) {
	if shopID == "" {
		return PushReport{}, ErrMissingShopID
	}

	reports := make([]PushReport, len(domain.SyncCollections))
	causes := make([]error, len(domain.SyncCollections))

	var g errgroup.Group
	g.SetLimit(p.parallel)
	for i, collection := range domain.SyncCollections {
		i, collection := i, collection
		g.Go(func() error {
			reports[i], causes[i] = p.pushCollection(ctx, collection, shopID)
			return nil
		})
	}
	_ = g.Wait()

	var (
		total PushReport
		first error
	)
	for i := range reports {
		total.add(reports[i])
		if first == nil && causes[i] != nil {
			first = causes[i]
		}
	}
	if first == nil {
		return total, nil
	}
	if total.Failed == 0 {
		return total, first
	}
	return total, fmt.Errorf("%w: %d of %d records failed: %w", ErrPartialPush, total.Failed, total.Attempted, first)
}

func (p *Pusher) pushCollection(ctx context.Context, collection domain.Collection, shopID string) (PushReport, error) {
	var report PushReport
	rows, err := p.repo.List(ctx, collection, store.Query{UnsyncedOnly: true})
	if err != nil {
		return report, fmt.Errorf("list pending %s: %w", collection, err)
	}

	log := p.logger.WithFields(logrus.Fields{"collection": collection, "shop_id": shopID})
	var first error
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			report.Failed += len(rows) - i
			report.Attempted += len(rows) - i
			return report, err
		}
		report.Attempted++

		rec, err := wire.ToRemote(row, shopID)
		if err == nil {
			err = p.backend.Upsert(ctx, collection, shopID, []remote.Record{rec})
		}
		if err != nil {
			report.Failed++
			if first == nil {
				first = err
			}
			log.WithField("uuid", row.UUID).Warnf("push failed: %v", err)
			if IsOffline(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Nothing else in this collection will get through.
				report.Failed += len(rows) - i - 1
				report.Attempted += len(rows) - i - 1
				return report, err
			}
			continue
		}

		report.Pushed++
		purged, err := p.confirm(ctx, row)
		if err != nil {
			logging.LogError(log, "push", "confirm", "mark synced", row.UUID, err)
			if first == nil {
				first = err
			}
			continue
		}
		if purged {
			report.Purged++
		}
	}
	return report, first
}

// confirm marks the row synced, or purges it when it is a tombstone, but only
// if it is still the version that was pushed.
func (p *Pusher) confirm(ctx context.Context, pushed store.Row) (bool, error) {
	if !pushed.Deleted {
		_, err := p.repo.MarkSynced(ctx, pushed.Collection, pushed.UUID, pushed.LastUpdated)
		return false, err
	}
	purged := false
	err := p.repo.RunInTx(ctx, func(tx store.Records) error {
		current, err := tx.Get(ctx, pushed.Collection, pushed.UUID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.Deleted || !current.LastUpdated.Equal(pushed.LastUpdated) {
			return nil
		}
		purged = true
		return tx.Delete(ctx, pushed.Collection, pushed.UUID)
	})
	return purged, err
}

// CompactTombstones hard-deletes remote tombstones last updated before
// olderThan. Devices that have not pulled since then keep the row until
// their next full pull.
func (p *Pusher) CompactTombstones(ctx context.Context, shopID string, olderThan time.Time) (int, error) {
	if shopID == "" {
		return 0, ErrMissingShopID
	}
	removed := 0
	for _, collection := range domain.SyncCollections {
		records, err := p.backend.Fetch(ctx, collection, shopID, nil)
		if err != nil {
			return removed, fmt.Errorf("fetch %s: %w", collection, err)
		}
		for _, rec := range records {
			if deleted, _ := rec[wire.ColumnDeleted].(bool); !deleted {
				continue
			}
			at, err := wire.RecordTime(rec)
			if err != nil || !at.Before(olderThan) {
				continue
			}
			uuid, _ := rec[wire.ColumnUUID].(string)
			if err := p.backend.Delete(ctx, collection, shopID, uuid); err != nil {
				return removed, fmt.Errorf("delete %s %s: %w", collection, uuid, err)
			}
			removed++
		}
	}
	p.logger.WithFields(logrus.Fields{"shop_id": shopID, "removed": removed}).Info("tombstones compacted")
	return removed, nil
}
