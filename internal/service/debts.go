package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

type DebtInput struct {
	CustomerName  string
	CustomerPhone string
	Amount        decimal.Decimal
	Items         string
	Note          string
}

// ListDebts returns all debts, or only those with status when it is set.
func (s *Service) ListDebts(ctx context.Context, status string) ([]domain.Debt, error) {
	q := store.Query{}
	if status != "" {
		q.Field, q.Equals = "status", status
	}
	return store.ListAs[domain.Debt](ctx, s.repo, domain.CollectionDebts, q)
}

func (s *Service) CreateDebt(ctx context.Context, in DebtInput) (domain.Debt, error) {
	if !in.Amount.IsPositive() {
		return domain.Debt{}, ErrInvalidInput
	}
	phone := ""
	if strings.TrimSpace(in.CustomerPhone) != "" {
		normalized, err := s.NormalizePhone(in.CustomerPhone)
		if err != nil {
			return domain.Debt{}, err
		}
		phone = normalized
	}

	debt := domain.Debt{
		CustomerName:     defaultString(strings.TrimSpace(in.CustomerName), domain.WalkInCustomer),
		CustomerPhone:    phone,
		TotalAmount:      in.Amount,
		RemainingBalance: in.Amount,
		Items:            strings.TrimSpace(in.Items),
		Date:             s.tracker.Now(),
		Status:           domain.DebtStatusUnpaid,
		Note:             strings.TrimSpace(in.Note),
	}
	if err := s.tracker.Put(ctx, s.repo, domain.CollectionDebts, &debt); err != nil {
		return domain.Debt{}, err
	}
	return debt, nil
}

// RecordDebtPayment reduces the remaining balance and marks the debt paid
// once it reaches zero. Paying more than is owed is rejected.
func (s *Service) RecordDebtPayment(ctx context.Context, uuid string, amount decimal.Decimal) (domain.Debt, error) {
	if !amount.IsPositive() {
		return domain.Debt{}, ErrInvalidInput
	}
	var debt domain.Debt
	err := s.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := store.Load(ctx, tx, domain.CollectionDebts, uuid, &debt); err != nil {
			return err
		}
		if amount.GreaterThan(debt.RemainingBalance) {
			return ErrInvalidInput
		}
		debt.RemainingBalance = debt.RemainingBalance.Sub(amount)
		if debt.RemainingBalance.IsZero() {
			debt.Status = domain.DebtStatusPaid
		}
		return s.tracker.Put(ctx, tx, domain.CollectionDebts, &debt)
	})
	if err != nil {
		return domain.Debt{}, err
	}
	return debt, nil
}

func (s *Service) DeleteDebt(ctx context.Context, uuid string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.tracker.Remove(ctx, s.repo, domain.CollectionDebts, uuid)
}
