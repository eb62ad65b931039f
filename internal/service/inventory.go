package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

type ItemInput struct {
	Name         string
	CostPrice    decimal.Decimal
	SellingPrice decimal.Decimal
	Stock        int
	Unit         string
	Supplier     string
	MinStock     int
	ExpiryDate   *time.Time
	Category     string
	Barcode      string
	Image        string
}

// ItemUpdate changes only the fields that are set.
type ItemUpdate struct {
	Name         *string
	CostPrice    *decimal.Decimal
	SellingPrice *decimal.Decimal
	Unit         *string
	Supplier     *string
	MinStock     *int
	ExpiryDate   *time.Time
	Category     *string
	Barcode      *string
	Image        *string
}

func (s *Service) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	return store.ListAs[domain.InventoryItem](ctx, s.repo, domain.CollectionInventory, store.Query{})
}

func (s *Service) GetItem(ctx context.Context, uuid string) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	if err := store.Load(ctx, s.repo, domain.CollectionInventory, uuid, &item); err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// LowStock lists items at or below their minimum stock threshold.
func (s *Service) LowStock(ctx context.Context) ([]domain.InventoryItem, error) {
	items, err := s.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, item := range items {
		if item.Stock <= item.MinStock {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Service) CreateItem(ctx context.Context, in ItemInput) (domain.InventoryItem, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if in.Name == "" || in.Stock < 0 || in.MinStock < 0 {
		return domain.InventoryItem{}, ErrInvalidInput
	}
	if in.CostPrice.IsNegative() || in.SellingPrice.IsNegative() {
		return domain.InventoryItem{}, ErrInvalidInput
	}
	image, err := s.compressImage(in.Image)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	now := s.tracker.Now()
	item := domain.InventoryItem{
		Name:         in.Name,
		CostPrice:    in.CostPrice,
		SellingPrice: in.SellingPrice,
		Stock:        in.Stock,
		Unit:         defaultString(in.Unit, "pcs"),
		Supplier:     strings.TrimSpace(in.Supplier),
		MinStock:     in.MinStock,
		ExpiryDate:   in.ExpiryDate,
		Category:     in.Category,
		Barcode:      strings.TrimSpace(in.Barcode),
		Image:        image,
		DateAdded:    now,
	}

	err = s.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := s.tracker.Put(ctx, tx, domain.CollectionInventory, &item); err != nil {
			return err
		}
		if item.Stock == 0 {
			return nil
		}
		return s.appendStockLog(ctx, tx, domain.StockLog{
			ItemID:          item.UUID,
			ItemName:        item.Name,
			QuantityChanged: item.Stock,
			PreviousStock:   0,
			NewStock:        item.Stock,
			Type:            domain.StockLogAddition,
			Date:            now,
			StaffName:       staffName(ctx),
			SupplierName:    item.Supplier,
		})
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// UpdateItem edits catalogue fields. Stock changes go through AdjustStock so
// they are always logged. Past sales keep their own price snapshots.
func (s *Service) UpdateItem(ctx context.Context, uuid string, upd ItemUpdate) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := store.Load(ctx, tx, domain.CollectionInventory, uuid, &item); err != nil {
			return err
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return ErrInvalidInput
			}
			item.Name = name
		}
		if upd.CostPrice != nil {
			if upd.CostPrice.IsNegative() {
				return ErrInvalidInput
			}
			item.CostPrice = *upd.CostPrice
		}
		if upd.SellingPrice != nil {
			if upd.SellingPrice.IsNegative() {
				return ErrInvalidInput
			}
			item.SellingPrice = *upd.SellingPrice
		}
		if upd.Unit != nil {
			item.Unit = defaultString(*upd.Unit, item.Unit)
		}
		if upd.Supplier != nil {
			item.Supplier = strings.TrimSpace(*upd.Supplier)
		}
		if upd.MinStock != nil {
			if *upd.MinStock < 0 {
				return ErrInvalidInput
			}
			item.MinStock = *upd.MinStock
		}
		if upd.ExpiryDate != nil {
			item.ExpiryDate = upd.ExpiryDate
		}
		if upd.Category != nil {
			item.Category = strings.TrimSpace(*upd.Category)
		}
		if upd.Barcode != nil {
			item.Barcode = strings.TrimSpace(*upd.Barcode)
		}
		if upd.Image != nil {
			image, err := s.compressImage(*upd.Image)
			if err != nil {
				return err
			}
			item.Image = image
		}
		return s.tracker.Put(ctx, tx, domain.CollectionInventory, &item)
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// AdjustStock applies a signed stock delta. A positive delta with a supplier
// is logged as a delivery, anything else as a manual update.
func (s *Service) AdjustStock(ctx context.Context, uuid string, delta int, supplier string) (domain.InventoryItem, error) {
	if delta == 0 {
		return domain.InventoryItem{}, ErrInvalidInput
	}
	supplier = strings.TrimSpace(supplier)
	logType := domain.StockLogManualUpdate
	if delta > 0 && supplier != "" {
		logType = domain.StockLogAddition
	}
	return s.changeStock(ctx, uuid, func(current int) int { return current + delta }, logType, supplier)
}

// SetStock records a stock count, logging the difference.
func (s *Service) SetStock(ctx context.Context, uuid string, count int) (domain.InventoryItem, error) {
	if count < 0 {
		return domain.InventoryItem{}, ErrInvalidInput
	}
	return s.changeStock(ctx, uuid, func(int) int { return count }, domain.StockLogManualUpdate, "")
}

func (s *Service) changeStock(ctx context.Context, uuid string, next func(int) int, logType string, supplier string) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := store.Load(ctx, tx, domain.CollectionInventory, uuid, &item); err != nil {
			return err
		}
		previous := item.Stock
		item.Stock = next(previous)
		if item.Stock == previous {
			return nil
		}
		if supplier != "" {
			item.Supplier = supplier
		}
		if err := s.tracker.Put(ctx, tx, domain.CollectionInventory, &item); err != nil {
			return err
		}
		return s.appendStockLog(ctx, tx, domain.StockLog{
			ItemID:          item.UUID,
			ItemName:        item.Name,
			QuantityChanged: item.Stock - previous,
			PreviousStock:   previous,
			NewStock:        item.Stock,
			Type:            logType,
			Date:            s.tracker.Now(),
			StaffName:       staffName(ctx),
			SupplierName:    supplier,
		})
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

func (s *Service) DeleteItem(ctx context.Context, uuid string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	err := s.tracker.Remove(ctx, s.repo, domain.CollectionInventory, uuid)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(domain.CollectionInventory, uuid)
	}
	return err
}

// StockLogs returns the audit trail for one item, oldest first.
func (s *Service) StockLogs(ctx context.Context, itemID string) ([]domain.StockLog, error) {
	return store.ListAs[domain.StockLog](ctx, s.repo, domain.CollectionStockLogs, store.Query{Field: "itemId", Equals: itemID})
}

func (s *Service) appendStockLog(ctx context.Context, r store.Records, entry domain.StockLog) error {
	entry.UUID = ""
	if err := s.tracker.Put(ctx, r, domain.CollectionStockLogs, &entry); err != nil {
		return fmt.Errorf("append stock log: %w", err)
	}
	return nil
}

func (s *Service) compressImage(uri string) (string, error) {
	if uri == "" || s.images == nil {
		return uri, nil
	}
	out, err := s.images.CompressDataURI(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return out, nil
}
