package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

// NormalizePhone returns the E.164 form of raw, which is the natural key
// customers are coalesced on.
func (s *Service) NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidInput
	}
	p, err := libphonenumber.Parse(raw, s.phoneRegion)
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %w", ErrInvalidInput, raw, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("%w: phone %q is not a valid number", ErrInvalidInput, raw)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return store.ListAs[domain.Customer](ctx, s.repo, domain.CollectionCustomers, store.Query{})
}

func (s *Service) FindCustomerByPhone(ctx context.Context, phone string) (domain.Customer, error) {
	normalized, err := s.NormalizePhone(phone)
	if err != nil {
		return domain.Customer{}, err
	}
	customer, err := customerByPhone(ctx, s.repo, normalized)
	if err != nil {
		return domain.Customer{}, err
	}
	if customer == nil {
		return domain.Customer{}, fmt.Errorf("customer %s: %w", normalized, store.ErrNotFound)
	}
	return *customer, nil
}

// UpsertCustomer creates a customer or, when the phone is already known,
// updates the existing record's name instead of adding a duplicate.
func (s *Service) UpsertCustomer(ctx context.Context, name string, phone string) (domain.Customer, error) {
	normalized, err := s.NormalizePhone(phone)
	if err != nil {
		return domain.Customer{}, err
	}
	name = strings.TrimSpace(name)

	var customer *domain.Customer
	err = s.repo.RunInTx(ctx, func(tx store.Records) error {
		customer, err = s.coalesceCustomer(ctx, tx, name, normalized)
		return err
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// TopUpWallet credits store credit to the customer with phone.
func (s *Service) TopUpWallet(ctx context.Context, phone string, amount decimal.Decimal) (domain.Customer, error) {
	if !amount.IsPositive() {
		return domain.Customer{}, ErrInvalidInput
	}
	normalized, err := s.NormalizePhone(phone)
	if err != nil {
		return domain.Customer{}, err
	}

	var customer *domain.Customer
	err = s.repo.RunInTx(ctx, func(tx store.Records) error {
		customer, err = customerByPhone(ctx, tx, normalized)
		if err != nil {
			return err
		}
		if customer == nil {
			return fmt.Errorf("customer %s: %w", normalized, store.ErrNotFound)
		}
		customer.WalletBalance = customer.WalletBalance.Add(amount)
		return s.tracker.Put(ctx, tx, domain.CollectionCustomers, customer)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// coalesceCustomer finds the customer by normalized phone, creating it when
// absent. A non-empty name replaces the stored one.
func (s *Service) coalesceCustomer(ctx context.Context, r store.Records, name string, normalized string) (*domain.Customer, error) {
	customer, err := customerByPhone(ctx, r, normalized)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		if name == "" || name == customer.Name {
			return customer, nil
		}
		customer.Name = name
		return customer, s.tracker.Put(ctx, r, domain.CollectionCustomers, customer)
	}
	customer = &domain.Customer{
		Name:          defaultString(name, normalized),
		Phone:         normalized,
		WalletBalance: decimal.Zero,
	}
	return customer, s.tracker.Put(ctx, r, domain.CollectionCustomers, customer)
}

// customerByPhone returns nil when no customer has the phone. If several
// devices created the same customer offline, the least recently updated wins.
func customerByPhone(ctx context.Context, r store.Records, normalized string) (*domain.Customer, error) {
	matches, err := store.ListAs[domain.Customer](ctx, r, domain.CollectionCustomers, store.Query{Field: "phone", Equals: normalized})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}
