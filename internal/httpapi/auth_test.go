package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"shopsync/backend/internal/domain"
)

type verifierStub struct {
	users map[string]domain.User
	pins  map[string]string
}

func (s *verifierStub) VerifyPIN(_ context.Context, name string, pin string) (domain.User, error) {
	user, ok := s.users[name]
	if !ok || s.pins[name] != pin {
		return domain.User{}, errors.New("no match")
	}
	return user, nil
}

func newVerifier() *verifierStub {
	return &verifierStub{
		users: map[string]domain.User{
			"Ada": {SyncMeta: domain.SyncMeta{UUID: "u-ada"}, Name: "Ada", Role: domain.RoleAdmin},
		},
		pins: map[string]string{"Ada": "4826"},
	}
}

func TestAuthManagerLoginIssuesParsableToken(t *testing.T) {
	auth := NewAuthManager("secret", time.Hour, newVerifier())

	resp, err := auth.Login(context.Background(), LoginRequest{Name: " Ada ", PIN: "4826"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != domain.RoleAdmin || resp.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.UserID != "u-ada" || actor.Name != "Ada" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestAuthManagerRejectsWrongPIN(t *testing.T) {
	auth := NewAuthManager("secret", time.Hour, newVerifier())

	for _, req := range []LoginRequest{
		{Name: "Ada", PIN: "0000"},
		{Name: "Nobody", PIN: "4826"},
		{Name: "", PIN: ""},
	} {
		if _, err := auth.Login(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected invalid credentials for %+v, got %v", req, err)
		}
	}
}

func TestAuthManagerRejectsExpiredToken(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	auth := NewAuthManager("secret", time.Minute, newVerifier())
	auth.now = func() time.Time { return now }

	resp, err := auth.Login(context.Background(), LoginRequest{Name: "Ada", PIN: "4826"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := auth.ParseToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestAuthManagerRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("other-secret", time.Hour, newVerifier())
	resp, err := issuer.Login(context.Background(), LoginRequest{Name: "Ada", PIN: "4826"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	auth := NewAuthManager("secret", time.Hour, newVerifier())
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}
