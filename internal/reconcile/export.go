package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

// ExportShiftReport collects what staffName recorded on this device since
// the given time. Sales are matched on staff name because shift devices are
// often shared under one login.
func (r *Reconciler) ExportShiftReport(ctx context.Context, staffName string, since time.Time) (domain.Bundle, error) {
	staffName = strings.TrimSpace(staffName)
	b, err := r.header(ctx, domain.BundleShiftReport)
	if err != nil {
		return b, err
	}
	b.StaffName = staffName

	sales, err := store.ListAs[domain.Sale](ctx, r.repo, domain.CollectionSales, store.Query{Field: "staffName", Equals: staffName})
	if err != nil {
		return b, err
	}
	for _, sale := range sales {
		if !sale.Timestamp.Before(since) {
			b.Sales = append(b.Sales, sale)
		}
	}

	expenses, err := store.ListAs[domain.Expense](ctx, r.repo, domain.CollectionExpenses, store.Query{Field: "staffName", Equals: staffName})
	if err != nil {
		return b, err
	}
	for _, e := range expenses {
		if !e.Date.Before(since) {
			b.Expenses = append(b.Expenses, e)
		}
	}

	debts, err := store.ListAs[domain.Debt](ctx, r.repo, domain.CollectionDebts, store.Query{})
	if err != nil {
		return b, err
	}
	linked := make(map[string]struct{}, len(b.Sales))
	for _, sale := range b.Sales {
		linked[sale.UUID] = struct{}{}
	}
	for _, d := range debts {
		if _, ok := linked[d.SaleID]; ok {
			b.Debts = append(b.Debts, d)
		}
	}
	return b, nil
}

// ExportStockUpdate packages the current catalogue for devices that cannot
// reach the backend.
func (r *Reconciler) ExportStockUpdate(ctx context.Context) (domain.Bundle, error) {
	b, err := r.header(ctx, domain.BundleStockUpdate)
	if err != nil {
		return b, err
	}
	if b.Inventory, err = store.ListAs[domain.InventoryItem](ctx, r.repo, domain.CollectionInventory, store.Query{}); err != nil {
		return b, err
	}
	b.Categories, err = store.ListAs[domain.Category](ctx, r.repo, domain.CollectionCategories, store.Query{})
	return b, err
}

// ExportStaffInvite provisions a new staff device with the shop, its users
// and the catalogue.
func (r *Reconciler) ExportStaffInvite(ctx context.Context) (domain.Bundle, error) {
	b, err := r.ExportStockUpdate(ctx)
	if err != nil {
		return b, err
	}
	b.Type = domain.BundleStaffInvite
	b.Users, err = store.ListAs[domain.User](ctx, r.repo, domain.CollectionUsers, store.Query{})
	return b, err
}

// ExportFullClone copies every collection and the shop settings.
func (r *Reconciler) ExportFullClone(ctx context.Context) (domain.Bundle, error) {
	b, err := r.ExportStaffInvite(ctx)
	if err != nil {
		return b, err
	}
	b.Type = domain.BundleFullClone
	if b.Customers, err = store.ListAs[domain.Customer](ctx, r.repo, domain.CollectionCustomers, store.Query{}); err != nil {
		return b, err
	}
	if b.Sales, err = store.ListAs[domain.Sale](ctx, r.repo, domain.CollectionSales, store.Query{}); err != nil {
		return b, err
	}
	if b.Debts, err = store.ListAs[domain.Debt](ctx, r.repo, domain.CollectionDebts, store.Query{}); err != nil {
		return b, err
	}
	if b.Expenses, err = store.ListAs[domain.Expense](ctx, r.repo, domain.CollectionExpenses, store.Query{}); err != nil {
		return b, err
	}
	if b.StockLogs, err = store.ListAs[domain.StockLog](ctx, r.repo, domain.CollectionStockLogs, store.Query{}); err != nil {
		return b, err
	}
	if name, err := r.repo.Setting(ctx, store.SettingShopName); err == nil {
		b.Settings = map[string]string{store.SettingShopName: name}
	}
	return b, nil
}

func (r *Reconciler) header(ctx context.Context, typ domain.BundleType) (domain.Bundle, error) {
	b := domain.Bundle{Type: typ, CreatedAt: r.tracker.Now()}
	var err error
	if b.ShopID, err = optionalSetting(ctx, r.repo, store.SettingShopID); err != nil {
		return b, err
	}
	if b.ShopName, err = optionalSetting(ctx, r.repo, store.SettingShopName); err != nil {
		return b, err
	}
	b.DeviceID, err = optionalSetting(ctx, r.repo, store.SettingDeviceID)
	return b, err
}

func optionalSetting(ctx context.Context, r store.Records, key string) (string, error) {
	value, err := r.Setting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return value, err
}
