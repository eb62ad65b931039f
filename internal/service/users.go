package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	return store.ListAs[domain.User](ctx, s.repo, domain.CollectionUsers, store.Query{})
}

// CreateUser adds a staff account with a bcrypt-hashed PIN. The first account
// on a device may be created without an actor and must be an Admin.
func (s *Service) CreateUser(ctx context.Context, name string, pin string, role string) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || (role != domain.RoleAdmin && role != domain.RoleStaff) {
		return domain.User{}, ErrInvalidInput
	}
	if err := ValidatePIN(pin); err != nil {
		return domain.User{}, err
	}
	hash, err := hashPIN(pin)
	if err != nil {
		return domain.User{}, err
	}

	user := domain.User{Name: name, PINHash: hash, Role: role}
	err = s.repo.RunInTx(ctx, func(tx store.Records) error {
		users, err := store.ListAs[domain.User](ctx, tx, domain.CollectionUsers, store.Query{})
		if err != nil {
			return err
		}
		if len(users) == 0 {
			if role != domain.RoleAdmin {
				return fmt.Errorf("%w: first account must be an admin", ErrInvalidInput)
			}
		} else if err := requireAdmin(ctx); err != nil {
			return err
		}
		for _, u := range users {
			if strings.EqualFold(u.Name, name) {
				return ErrDuplicateName
			}
		}
		return s.tracker.Put(ctx, tx, domain.CollectionUsers, &user)
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// VerifyPIN returns the user whose name and PIN match.
func (s *Service) VerifyPIN(ctx context.Context, name string, pin string) (domain.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	name = strings.TrimSpace(name)
	for _, u := range users {
		if !strings.EqualFold(u.Name, name) {
			continue
		}
		if verifyPIN(u.PINHash, pin) {
			return u, nil
		}
		break
	}
	return domain.User{}, ErrInvalidPIN
}

func (s *Service) ChangePIN(ctx context.Context, uuid string, pin string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.UserID != uuid) {
		return ErrForbidden
	}
	if err := ValidatePIN(pin); err != nil {
		return err
	}
	hash, err := hashPIN(pin)
	if err != nil {
		return err
	}
	return s.repo.RunInTx(ctx, func(tx store.Records) error {
		var user domain.User
		if err := store.Load(ctx, tx, domain.CollectionUsers, uuid, &user); err != nil {
			return err
		}
		user.PINHash = hash
		return s.tracker.Put(ctx, tx, domain.CollectionUsers, &user)
	})
}

func (s *Service) DeleteUser(ctx context.Context, uuid string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	if actor.UserID == uuid {
		return fmt.Errorf("%w: cannot delete the signed-in account", ErrInvalidInput)
	}
	err := s.tracker.Remove(ctx, s.repo, domain.CollectionUsers, uuid)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(domain.CollectionUsers, uuid)
	}
	return err
}

// ValidatePIN accepts 4 to 8 digits that are not trivially guessable.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return fmt.Errorf("%w: pin must be 4 to 8 digits", ErrInvalidInput)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: pin must be digits only", ErrInvalidInput)
		}
	}

	known := map[string]bool{
		"1234": true, "0000": true, "1111": true, "1212": true,
		"123456": true, "654321": true, "121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("%w: common pin not allowed", ErrInvalidInput)
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: all-same-digit pin not allowed", ErrInvalidInput)
	}

	// Reject ascending or descending runs (e.g. 2345, 9876).
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("%w: sequential pin not allowed", ErrInvalidInput)
	}
	return nil
}

func hashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPIN(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPINHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
