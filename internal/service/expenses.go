package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

func (s *Service) ListExpenses(ctx context.Context) ([]domain.Expense, error) {
	return store.ListAs[domain.Expense](ctx, s.repo, domain.CollectionExpenses, store.Query{})
}

// RecordExpense stores an expense dated at date, or now when date is zero.
func (s *Service) RecordExpense(ctx context.Context, description string, amount decimal.Decimal, category string, date time.Time) (domain.Expense, error) {
	description = strings.TrimSpace(description)
	if description == "" || !amount.IsPositive() {
		return domain.Expense{}, ErrInvalidInput
	}
	if date.IsZero() {
		date = s.tracker.Now()
	}
	expense := domain.Expense{
		Description: description,
		Amount:      amount,
		Category:    strings.TrimSpace(category),
		Date:        date.UTC(),
		StaffName:   staffName(ctx),
	}
	if err := s.tracker.Put(ctx, s.repo, domain.CollectionExpenses, &expense); err != nil {
		return domain.Expense{}, err
	}
	return expense, nil
}

func (s *Service) DeleteExpense(ctx context.Context, uuid string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.tracker.Remove(ctx, s.repo, domain.CollectionExpenses, uuid)
}
