package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/xid"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrForbidden          = errors.New("admin role required")
	ErrInsufficientWallet = errors.New("insufficient wallet balance")
	ErrInvalidPIN         = errors.New("invalid name or pin")
	ErrDuplicateName      = errors.New("name already in use")
	ErrAlreadyVoided      = errors.New("sale already voided")
	ErrCategoryInUse      = errors.New("category still has items")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ImageCompressor shrinks inline data URI images before they are stored.
type ImageCompressor interface {
	CompressDataURI(uri string) (string, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.tracker = NewTracker(now) }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithImageCompressor(images ImageCompressor) Option {
	return func(s *Service) { s.images = images }
}

// WithPhoneRegion sets the region used to parse phone numbers written
// without a country code.
func WithPhoneRegion(region string) Option {
	return func(s *Service) { s.phoneRegion = strings.ToUpper(region) }
}

// Service holds the POS ledger write paths. All of them run against the
// local store only and never wait on the network.
type Service struct {
	repo        store.Repository
	tracker     *Tracker
	logger      logrus.FieldLogger
	images      ImageCompressor
	phoneRegion string
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		tracker:     NewTracker(nil),
		logger:      logrus.StandardLogger(),
		phoneRegion: "NG",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("module", "service")
	return s
}

func (s *Service) Tracker() *Tracker {
	return s.tracker
}

func (s *Service) Setting(ctx context.Context, key string) (string, error) {
	return s.repo.Setting(ctx, key)
}

func (s *Service) SetSetting(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return s.repo.SetSetting(ctx, key, value)
}

// EnsureDeviceID returns the device identifier, generating one on first use.
func (s *Service) EnsureDeviceID(ctx context.Context) (string, error) {
	id, err := s.repo.Setting(ctx, store.SettingDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	id = xid.New()
	if err := s.repo.SetSetting(ctx, store.SettingDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// staffName is the name recorded on logs written for the current actor.
func staffName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Name != "" {
		return actor.Name
	}
	return "system"
}

func notFound(collection domain.Collection, uuid string) error {
	return fmt.Errorf("%s %s: %w", collection, uuid, store.ErrNotFound)
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
