package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "shop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return openTemp(t)
	})
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shop.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	at := time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	require.NoError(t, s.Put(ctx, store.Row{
		Collection:  domain.CollectionCustomers,
		UUID:        "c1",
		LastUpdated: at,
		Data:        []byte(`{"name":"Ada"}`),
	}))
	require.NoError(t, s.SetSetting(ctx, store.SettingShopID, "shop-9"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, domain.CollectionCustomers, "c1")
	require.NoError(t, err)
	require.True(t, got.LastUpdated.Equal(at))
	shop, err := s.Setting(ctx, store.SettingShopID)
	require.NoError(t, err)
	require.Equal(t, "shop-9", shop)
}

func TestCloseReportsCheckpointFailure(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "shop.db"))
	require.NoError(t, err)
	require.NoError(t, s.db.Close())

	err = s.Close()
	require.Error(t, err)
	require.ErrorContains(t, err, "wal checkpoint")
}
