package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/wire"
)

type PullReport struct {
	Fetched int `json:"fetched"`
	Applied int `json:"applied"`
	// Kept counts remote rows ignored because the local copy was newer.
	Kept int `json:"kept"`
}

// pullOverlap re-reads a short window behind the watermark. Backend stamps
// are taken before commit, so a slow transaction can land just behind rows
// an earlier pull already saw. Reapplying rows is harmless under last write
// wins.
const pullOverlap = 30 * time.Second

type Puller struct {
	repo    store.Repository
	backend remote.Backend
	logger  logrus.FieldLogger
}

func NewPuller(repo store.Repository, backend remote.Backend, logger logrus.FieldLogger) *Puller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Puller{repo: repo, backend: backend, logger: logger.WithField("module", "pull")}
}

// FullPull mirrors the remote catalogue over the local one. Local rows are
// overwritten even when they hold unpushed edits.
func (p *Puller) FullPull(ctx context.Context, shopID string) (PullReport, error) {
	return p.pull(ctx, shopID, domain.CatalogueCollections, true)
}

// PullIncremental fetches each collection from its watermark and applies rows
// by last write wins.
func (p *Puller) PullIncremental(ctx context.Context, shopID string) (PullReport, error) {
	return p.pull(ctx, shopID, domain.SyncCollections, false)
}

func (p *Puller) pull(ctx context.Context, shopID string, collections []domain.Collection, full bool) (PullReport, error) {
	var total PullReport
	if shopID == "" {
		return total, ErrMissingShopID
	}
	for _, collection := range collections {
		report, err := p.pullCollection(ctx, collection, shopID, full)
		total.Fetched += report.Fetched
		total.Applied += report.Applied
		total.Kept += report.Kept
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Puller) pullCollection(ctx context.Context, collection domain.Collection, shopID string, full bool) (PullReport, error) {
	var report PullReport

	var since *time.Time
	if !full {
		mark, err := Watermark(ctx, p.repo, collection)
		if err != nil {
			return report, fmt.Errorf("read watermark %s: %w", collection, err)
		}
		if mark != nil {
			from := mark.Add(-pullOverlap)
			since = &from
		}
	}

	records, err := p.backend.Fetch(ctx, collection, shopID, since)
	if err != nil {
		return report, fmt.Errorf("fetch %s: %w", collection, err)
	}
	report.Fetched = len(records)

	rows := make([]store.Row, 0, len(records))
	// newest is the backend change stamp, not the device-assigned
	// last_updated, which only arbitrates conflicts.
	var newest time.Time
	for _, rec := range records {
		if at, err := wire.ServerTime(rec); err == nil && at.After(newest) {
			newest = at
		}
		row, err := wire.ToLocal(collection, rec)
		if err != nil {
			p.logger.WithField("collection", collection).Warnf("skipping remote row: %v", err)
			continue
		}
		rows = append(rows, row)
	}

	err = p.repo.RunInTx(ctx, func(tx store.Records) error {
		for _, row := range rows {
			applied, err := applyRemote(ctx, tx, row, full)
			if err != nil {
				return err
			}
			if applied {
				report.Applied++
			} else {
				report.Kept++
			}
		}
		if full && !newest.IsZero() {
			return tx.SetSetting(ctx, store.WatermarkKey(collection), wire.FormatTime(newest))
		}
		return advanceWatermark(ctx, tx, collection, newest)
	})
	if err != nil {
		return PullReport{Fetched: report.Fetched}, fmt.Errorf("apply %s: %w", collection, err)
	}

	if report.Fetched > 0 {
		p.logger.WithFields(logrus.Fields{
			"collection": collection,
			"shop_id":    shopID,
			"fetched":    report.Fetched,
			"applied":    report.Applied,
			"full":       full,
		}).Debug("pulled")
	}
	return report, nil
}
