package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

type SaleLine struct {
	ItemID   string
	Quantity int
}

type SaleRequest struct {
	Lines    []SaleLine
	CashPaid decimal.Decimal
	// PaymentMethod is derived from the amounts when empty.
	PaymentMethod domain.PaymentMethod
	WalletUsed    decimal.Decimal
	// SaveChange credits any change to the customer's wallet.
	SaveChange    bool
	CustomerName  string
	CustomerPhone string
	DebtNote      string
}

type SaleResult struct {
	Sale     domain.Sale
	Debt     *domain.Debt
	Customer *domain.Customer
	Change   decimal.Decimal
}

func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	return store.ListAs[domain.Sale](ctx, s.repo, domain.CollectionSales, store.Query{})
}

func (s *Service) GetSale(ctx context.Context, uuid string) (domain.Sale, error) {
	var sale domain.Sale
	if err := store.Load(ctx, s.repo, domain.CollectionSales, uuid, &sale); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// RecordSale writes a sale with frozen item snapshots, deducts stock, settles
// wallet credit and raises a debt for any unpaid remainder, in one transaction.
func (s *Service) RecordSale(ctx context.Context, req SaleRequest) (SaleResult, error) {
	lines := normalizeLines(req.Lines)
	if len(lines) == 0 {
		return SaleResult{}, ErrInvalidInput
	}
	if req.CashPaid.IsNegative() || req.WalletUsed.IsNegative() {
		return SaleResult{}, ErrInvalidInput
	}
	if req.PaymentMethod != "" && !req.PaymentMethod.Valid() {
		return SaleResult{}, ErrInvalidInput
	}
	phone := ""
	if strings.TrimSpace(req.CustomerPhone) != "" {
		normalized, err := s.NormalizePhone(req.CustomerPhone)
		if err != nil {
			return SaleResult{}, err
		}
		phone = normalized
	}
	if (req.WalletUsed.IsPositive() || req.SaveChange) && phone == "" {
		return SaleResult{}, fmt.Errorf("%w: wallet requires a customer phone", ErrInvalidInput)
	}

	actor, _ := ActorFromContext(ctx)
	var result SaleResult
	err := s.repo.RunInTx(ctx, func(tx store.Records) error {
		result = SaleResult{}
		now := s.tracker.Now()
		sale := domain.Sale{
			CashPaid:      req.CashPaid,
			WalletUsed:    req.WalletUsed,
			WalletSaved:   decimal.Zero,
			Timestamp:     now,
			StaffID:       actor.UserID,
			StaffName:     defaultString(actor.Name, "system"),
			CustomerPhone: phone,
			Status:        domain.SaleStatusCompleted,
		}

		for _, line := range lines {
			var item domain.InventoryItem
			if err := store.Load(ctx, tx, domain.CollectionInventory, line.ItemID, &item); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return notFound(domain.CollectionInventory, line.ItemID)
				}
				return err
			}
			sale.Items = append(sale.Items, domain.SaleItem{
				ItemID:    item.UUID,
				Name:      item.Name,
				Price:     item.SellingPrice,
				CostPrice: item.CostPrice,
				Quantity:  line.Quantity,
			})
			qty := decimal.NewFromInt(int64(line.Quantity))
			sale.Total = sale.Total.Add(item.SellingPrice.Mul(qty))
			sale.TotalCost = sale.TotalCost.Add(item.CostPrice.Mul(qty))

			previous := item.Stock
			item.Stock -= line.Quantity
			if item.Stock < 0 {
				s.logger.WithField("item", item.UUID).WithField("stock", item.Stock).Warn("sale oversold item")
			}
			if err := s.tracker.Put(ctx, tx, domain.CollectionInventory, &item); err != nil {
				return err
			}
			if err := s.appendStockLog(ctx, tx, domain.StockLog{
				ItemID:          item.UUID,
				ItemName:        item.Name,
				QuantityChanged: -line.Quantity,
				PreviousStock:   previous,
				NewStock:        item.Stock,
				Type:            domain.StockLogSalesDeduction,
				Date:            now,
				StaffName:       sale.StaffName,
			}); err != nil {
				return err
			}
		}

		if req.WalletUsed.GreaterThan(sale.Total) {
			return fmt.Errorf("%w: wallet exceeds total", ErrInvalidInput)
		}

		var customer *domain.Customer
		if phone != "" {
			c, err := s.coalesceCustomer(ctx, tx, strings.TrimSpace(req.CustomerName), phone)
			if err != nil {
				return err
			}
			customer = c
		}
		if req.WalletUsed.IsPositive() {
			if customer.WalletBalance.LessThan(req.WalletUsed) {
				return ErrInsufficientWallet
			}
			customer.WalletBalance = customer.WalletBalance.Sub(req.WalletUsed)
		}

		paid := req.CashPaid.Add(req.WalletUsed)
		shortfall := sale.Total.Sub(paid)
		change := decimal.Zero
		if paid.GreaterThan(sale.Total) {
			change = paid.Sub(sale.Total)
		}
		if req.SaveChange && change.IsPositive() {
			customer.WalletBalance = customer.WalletBalance.Add(change)
			sale.WalletSaved = change
			change = decimal.Zero
		}
		sale.PaymentMethod = paymentMethod(req, shortfall)

		if err := s.tracker.Put(ctx, tx, domain.CollectionSales, &sale); err != nil {
			return err
		}

		if shortfall.IsPositive() {
			debt := domain.Debt{
				CustomerName:     domain.WalkInCustomer,
				CustomerPhone:    phone,
				TotalAmount:      shortfall,
				RemainingBalance: shortfall,
				Items:            describeItems(sale.Items),
				Date:             now,
				Status:           domain.DebtStatusUnpaid,
				Note:             strings.TrimSpace(req.DebtNote),
				SaleID:           sale.UUID,
			}
			if customer != nil {
				debt.CustomerName = customer.Name
			} else if name := strings.TrimSpace(req.CustomerName); name != "" {
				debt.CustomerName = name
			}
			if err := s.tracker.Put(ctx, tx, domain.CollectionDebts, &debt); err != nil {
				return err
			}
			result.Debt = &debt
		}

		if customer != nil {
			last := now
			customer.LastTransaction = &last
			if err := s.tracker.Put(ctx, tx, domain.CollectionCustomers, customer); err != nil {
				return err
			}
			result.Customer = customer
		}

		result.Sale = sale
		result.Change = change
		return nil
	})
	if err != nil {
		return SaleResult{}, err
	}
	return result, nil
}

// VoidSale marks a sale voided and reverses what it did: stock is returned,
// wallet movements are undone and an unpaid debt raised by the sale is removed.
func (s *Service) VoidSale(ctx context.Context, uuid string) (domain.Sale, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Sale{}, err
	}

	var sale domain.Sale
	err := s.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := store.Load(ctx, tx, domain.CollectionSales, uuid, &sale); err != nil {
			return err
		}
		if sale.Status == domain.SaleStatusVoided {
			return ErrAlreadyVoided
		}
		now := s.tracker.Now()

		for _, line := range sale.Items {
			var item domain.InventoryItem
			err := store.Load(ctx, tx, domain.CollectionInventory, line.ItemID, &item)
			if errors.Is(err, store.ErrNotFound) {
				s.logger.WithField("item", line.ItemID).Warn("void skips stock return for deleted item")
				continue
			}
			if err != nil {
				return err
			}
			previous := item.Stock
			item.Stock += line.Quantity
			if err := s.tracker.Put(ctx, tx, domain.CollectionInventory, &item); err != nil {
				return err
			}
			if err := s.appendStockLog(ctx, tx, domain.StockLog{
				ItemID:          item.UUID,
				ItemName:        item.Name,
				QuantityChanged: line.Quantity,
				PreviousStock:   previous,
				NewStock:        item.Stock,
				Type:            domain.StockLogSaleVoid,
				Date:            now,
				StaffName:       staffName(ctx),
			}); err != nil {
				return err
			}
		}

		if sale.CustomerPhone != "" && (sale.WalletUsed.IsPositive() || sale.WalletSaved.IsPositive()) {
			customer, err := customerByPhone(ctx, tx, sale.CustomerPhone)
			if err != nil {
				return err
			}
			if customer != nil {
				customer.WalletBalance = customer.WalletBalance.Add(sale.WalletUsed).Sub(sale.WalletSaved)
				if err := s.tracker.Put(ctx, tx, domain.CollectionCustomers, customer); err != nil {
					return err
				}
			}
		}

		debts, err := store.ListAs[domain.Debt](ctx, tx, domain.CollectionDebts, store.Query{Field: "saleId", Equals: sale.UUID})
		if err != nil {
			return err
		}
		for _, debt := range debts {
			if debt.Status != domain.DebtStatusUnpaid {
				continue
			}
			if err := s.tracker.Remove(ctx, tx, domain.CollectionDebts, debt.UUID); err != nil {
				return err
			}
		}

		sale.Status = domain.SaleStatusVoided
		sale.VoidedAt = &now
		return s.tracker.Put(ctx, tx, domain.CollectionSales, &sale)
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func paymentMethod(req SaleRequest, shortfall decimal.Decimal) domain.PaymentMethod {
	if req.PaymentMethod != "" {
		if shortfall.IsPositive() && req.PaymentMethod == domain.PaymentCash {
			return domain.PaymentPartial
		}
		return req.PaymentMethod
	}
	switch {
	case shortfall.IsPositive() && req.CashPaid.IsZero() && req.WalletUsed.IsZero():
		return domain.PaymentDebt
	case shortfall.IsPositive():
		return domain.PaymentPartial
	case req.CashPaid.IsZero() && req.WalletUsed.IsPositive():
		return domain.PaymentWallet
	default:
		return domain.PaymentCash
	}
}

// normalizeLines merges repeated items and drops non-positive quantities.
func normalizeLines(lines []SaleLine) []SaleLine {
	qty := map[string]int{}
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ItemID)
		if id == "" || line.Quantity <= 0 {
			continue
		}
		if _, seen := qty[id]; !seen {
			order = append(order, id)
		}
		qty[id] += line.Quantity
	}
	out := make([]SaleLine, 0, len(order))
	for _, id := range order {
		out = append(out, SaleLine{ItemID: id, Quantity: qty[id]})
	}
	return out
}

func describeItems(items []domain.SaleItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
	}
	return strings.Join(parts, ", ")
}
