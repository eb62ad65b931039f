// Package reconcile folds offline bundles from other devices into the local
// ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/bundle"
	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/service"
	"shopsync/backend/internal/store"
)

// Provisioner binds the device to a shop. The sync orchestrator implements it
// so that watermarks reset and the listener follows the new shop.
type Provisioner interface {
	SetShopID(ctx context.Context, shopID string) error
}

type Option func(*Reconciler)

func WithProvisioner(p Provisioner) Option {
	return func(r *Reconciler) { r.provisioner = p }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithOnChange registers fn to run after an import wrote pending rows, for
// example to trigger a sync pass.
func WithOnChange(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

type Reconciler struct {
	repo        store.Repository
	tracker     *service.Tracker
	provisioner Provisioner
	logger      logrus.FieldLogger
	onChange    func()
}

func New(repo store.Repository, tracker *service.Tracker, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:    repo,
		tracker: tracker,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("module", "reconcile")
	return r
}

// MergeStaffReport inserts every sale from a shift report that this device
// has not seen, and deducts the sold stock. Each sale commits on its own, so
// a report interrupted halfway can simply be imported again.
func (r *Reconciler) MergeStaffReport(ctx context.Context, b domain.Bundle, reconcilerName string) (domain.MergeResult, error) {
	var result domain.MergeResult
	if b.Type != domain.BundleShiftReport {
		return result, fmt.Errorf("%w: %q is not a shift report", bundle.ErrInvalid, b.Type)
	}
	reconcilerName = strings.TrimSpace(reconcilerName)

	for _, sale := range b.Sales {
		merged, err := r.mergeSale(ctx, sale, reconcilerName)
		if err != nil {
			return result, fmt.Errorf("merge sale %s: %w", sale.UUID, err)
		}
		if merged {
			result.Merged++
		} else {
			result.Skipped++
		}
	}

	r.logger.WithFields(logrus.Fields{
		"staff":      b.StaffName,
		"merged":     result.Merged,
		"skipped":    result.Skipped,
		"reconciler": reconcilerName,
	}).Info("shift report merged")
	if result.Merged > 0 {
		r.changed()
	}
	return result, nil
}

func (r *Reconciler) mergeSale(ctx context.Context, sale domain.Sale, reconcilerName string) (bool, error) {
	merged := false
	err := r.repo.RunInTx(ctx, func(tx store.Records) error {
		merged = false
		if _, err := tx.Get(ctx, domain.CollectionSales, sale.UUID); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		sale.Deleted = false
		if sale.Status == "" {
			sale.Status = domain.SaleStatusCompleted
		}
		if err := r.tracker.Put(ctx, tx, domain.CollectionSales, &sale); err != nil {
			return err
		}

		for _, line := range sale.Items {
			var item domain.InventoryItem
			err := store.Load(ctx, tx, domain.CollectionInventory, line.ItemID, &item)
			if errors.Is(err, store.ErrNotFound) {
				r.logger.WithFields(logrus.Fields{"sale": sale.UUID, "item": line.ItemID}).
					Warn("sold item missing locally, stock not deducted")
				continue
			}
			if err != nil {
				return err
			}

			previous := item.Stock
			item.Stock -= line.Quantity
			if err := r.tracker.Put(ctx, tx, domain.CollectionInventory, &item); err != nil {
				return err
			}
			entry := domain.StockLog{
				ItemID:          item.UUID,
				ItemName:        item.Name,
				QuantityChanged: -line.Quantity,
				PreviousStock:   previous,
				NewStock:        item.Stock,
				Type:            domain.StockLogSalesDeduction,
				Date:            sale.Timestamp,
				StaffName:       sale.StaffName,
				ReconciledBy:    reconcilerName,
			}
			if err := r.tracker.Put(ctx, tx, domain.CollectionStockLogs, &entry); err != nil {
				return err
			}
		}
		merged = true
		return nil
	})
	return merged, err
}

// Import applies any bundle type. reconcilerName attributes merged stock
// movements and is only used for shift reports.
func (r *Reconciler) Import(ctx context.Context, b domain.Bundle, reconcilerName string) (domain.ImportResult, error) {
	if err := bundle.Validate(b); err != nil {
		return domain.ImportResult{}, err
	}
	result := domain.ImportResult{Type: b.Type}

	switch b.Type {
	case domain.BundleShiftReport:
		merged, err := r.MergeStaffReport(ctx, b, reconcilerName)
		result.Merged, result.Skipped = merged.Merged, merged.Skipped
		if err != nil {
			return result, err
		}
		applied, err := r.insertMissing(ctx, b)
		result.Applied = applied
		if applied > 0 {
			r.changed()
		}
		return result, err

	case domain.BundleStockUpdate:
		applied, err := r.mirror(ctx, catalogue(b), false)
		result.Applied = applied
		return result, err

	case domain.BundleStaffInvite:
		if err := r.provision(ctx, b); err != nil {
			return result, err
		}
		sets := catalogue(b)
		sets = append(sets, entitySet{domain.CollectionUsers, entities(b.Users)})
		applied, err := r.mirror(ctx, sets, true)
		result.Applied = applied
		return result, err

	case domain.BundleFullClone:
		if err := r.provision(ctx, b); err != nil {
			return result, err
		}
		applied, err := r.mirror(ctx, everything(b), true)
		result.Applied = applied
		if err != nil {
			return result, err
		}
		return result, r.applySettings(ctx, b.Settings)
	}
	return result, fmt.Errorf("%w: %q", bundle.ErrUnknownType, b.Type)
}

// ImportEncoded decodes an export file body and imports it.
func (r *Reconciler) ImportEncoded(ctx context.Context, encoded string, reconcilerName string) (domain.ImportResult, error) {
	b, err := bundle.Decode(encoded)
	if err != nil {
		return domain.ImportResult{}, err
	}
	return r.Import(ctx, b, reconcilerName)
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func (r *Reconciler) provision(ctx context.Context, b domain.Bundle) error {
	if b.ShopName != "" {
		if err := r.repo.SetSetting(ctx, store.SettingShopName, b.ShopName); err != nil {
			return err
		}
	}
	current, err := r.repo.Setting(ctx, store.SettingShopID)
	if err == nil && current == b.ShopID {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if r.provisioner != nil {
		return r.provisioner.SetShopID(ctx, b.ShopID)
	}
	return r.repo.SetSetting(ctx, store.SettingShopID, b.ShopID)
}

// applySettings copies shop settings from a clone. Identity and pull cursors
// stay local.
func (r *Reconciler) applySettings(ctx context.Context, settings map[string]string) error {
	for key, value := range settings {
		if key == store.SettingDeviceID || key == store.SettingShopID || strings.HasPrefix(key, "last_") {
			continue
		}
		if err := r.repo.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// insertMissing adds debts and expenses a staff device recorded, keeping
// whatever this device already has for the same uuid.
func (r *Reconciler) insertMissing(ctx context.Context, b domain.Bundle) (int, error) {
	sets := []entitySet{
		{domain.CollectionCustomers, entities(b.Customers)},
		{domain.CollectionDebts, entities(b.Debts)},
		{domain.CollectionExpenses, entities(b.Expenses)},
	}
	inserted := 0
	err := r.repo.RunInTx(ctx, func(tx store.Records) error {
		inserted = 0
		for _, set := range sets {
			for _, entity := range set.items {
				if _, err := tx.Get(ctx, set.collection, entity.Meta().UUID); err == nil {
					continue
				} else if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				entity.Meta().Deleted = false
				if err := r.tracker.Put(ctx, tx, set.collection, entity); err != nil {
					return err
				}
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// mirror writes bundle entities as already synced. Without force a row only
// replaces a local copy that is not newer.
func (r *Reconciler) mirror(ctx context.Context, sets []entitySet, force bool) (int, error) {
	applied := 0
	err := r.repo.RunInTx(ctx, func(tx store.Records) error {
		applied = 0
		for _, set := range sets {
			for _, entity := range set.items {
				row, err := store.Encode(set.collection, entity)
				if err != nil {
					return err
				}
				row.Synced = true
				if !force {
					local, err := tx.Get(ctx, set.collection, row.UUID)
					if err == nil && local.LastUpdated.After(row.LastUpdated) {
						continue
					}
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
				}
				if err := tx.Put(ctx, row); err != nil {
					return err
				}
				applied++
			}
		}
		return nil
	})
	return applied, err
}

type entitySet struct {
	collection domain.Collection
	items      []domain.Entity
}

func entities[T any, PT interface {
	*T
	domain.Entity
}](items []T) []domain.Entity {
	out := make([]domain.Entity, 0, len(items))
	for i := range items {
		out = append(out, PT(&items[i]))
	}
	return out
}

func catalogue(b domain.Bundle) []entitySet {
	return []entitySet{
		{domain.CollectionCategories, entities(b.Categories)},
		{domain.CollectionInventory, entities(b.Inventory)},
	}
}

func everything(b domain.Bundle) []entitySet {
	return append(catalogue(b),
		entitySet{domain.CollectionUsers, entities(b.Users)},
		entitySet{domain.CollectionCustomers, entities(b.Customers)},
		entitySet{domain.CollectionSales, entities(b.Sales)},
		entitySet{domain.CollectionDebts, entities(b.Debts)},
		entitySet{domain.CollectionExpenses, entities(b.Expenses)},
		entitySet{domain.CollectionStockLogs, entities(b.StockLogs)},
	)
}
