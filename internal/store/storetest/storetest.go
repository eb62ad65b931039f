// Package storetest holds the behaviour every store.Repository must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func row(collection domain.Collection, uuid string, at time.Time, synced bool, data string) store.Row {
	return store.Row{
		Collection:  collection,
		UUID:        uuid,
		LastUpdated: at,
		Synced:      synced,
		Data:        []byte(data),
	}
}

// Run exercises the repository returned by open against the shared contract.
func Run(t *testing.T, open func(t *testing.T) store.Repository) {
	t.Run("get put delete", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)

		_, err := repo.Get(ctx, domain.CollectionInventory, "a")
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "a", base, false, `{"name":"Rice"}`)))
		got, err := repo.Get(ctx, domain.CollectionInventory, "a")
		require.NoError(t, err)
		require.Equal(t, "a", got.UUID)
		require.True(t, got.LastUpdated.Equal(base))
		require.False(t, got.Synced)
		require.JSONEq(t, `{"name":"Rice"}`, string(got.Data))

		require.NoError(t, repo.Delete(ctx, domain.CollectionInventory, "a"))
		require.NoError(t, repo.Delete(ctx, domain.CollectionInventory, "a"))
		_, err = repo.Get(ctx, domain.CollectionInventory, "a")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("collections are isolated", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "x", base, true, `{}`)))
		_, err := repo.Get(ctx, domain.CollectionSales, "x")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list filters and order", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "b", base.Add(2*time.Second), false, `{"category":"Food"}`)))
		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "a", base.Add(time.Second), true, `{"category":"Food"}`)))
		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "c", base, true, `{"category":"Drinks"}`)))
		tomb := row(domain.CollectionInventory, "d", base.Add(3*time.Second), false, `{"category":"Food"}`)
		tomb.Deleted = true
		require.NoError(t, repo.Put(ctx, tomb))

		all, err := repo.List(ctx, domain.CollectionInventory, store.Query{})
		require.NoError(t, err)
		require.Equal(t, []string{"c", "a", "b"}, uuids(all))

		pending, err := repo.List(ctx, domain.CollectionInventory, store.Query{UnsyncedOnly: true})
		require.NoError(t, err)
		require.Equal(t, []string{"b", "d"}, uuids(pending))

		food, err := repo.List(ctx, domain.CollectionInventory, store.Query{Field: "category", Equals: "Food"})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, uuids(food))

		withDeleted, err := repo.Count(ctx, domain.CollectionInventory, store.Query{IncludeDeleted: true})
		require.NoError(t, err)
		require.Equal(t, 4, withDeleted)

		limited, err := repo.List(ctx, domain.CollectionInventory, store.Query{Limit: 1})
		require.NoError(t, err)
		require.Equal(t, []string{"c"}, uuids(limited))
	})

	t.Run("mark synced compares lastUpdated", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		require.NoError(t, repo.Put(ctx, row(domain.CollectionSales, "s", base, false, `{}`)))

		ok, err := repo.MarkSynced(ctx, domain.CollectionSales, "s", base.Add(time.Millisecond))
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = repo.MarkSynced(ctx, domain.CollectionSales, "s", base)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := repo.Get(ctx, domain.CollectionSales, "s")
		require.NoError(t, err)
		require.True(t, got.Synced)

		ok, err = repo.MarkSynced(ctx, domain.CollectionSales, "missing", base)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("settings", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		_, err := repo.Setting(ctx, store.SettingShopID)
		require.ErrorIs(t, err, store.ErrNotFound)
		require.NoError(t, repo.SetSetting(ctx, store.SettingShopID, "shop-1"))
		require.NoError(t, repo.SetSetting(ctx, store.SettingShopID, "shop-2"))
		got, err := repo.Setting(ctx, store.SettingShopID)
		require.NoError(t, err)
		require.Equal(t, "shop-2", got)
	})

	t.Run("transaction commits", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "gone", base, true, `{}`)))
		err := repo.RunInTx(ctx, func(tx store.Records) error {
			if err := tx.Put(ctx, row(domain.CollectionInventory, "new", base, false, `{}`)); err != nil {
				return err
			}
			if err := tx.Delete(ctx, domain.CollectionInventory, "gone"); err != nil {
				return err
			}
			got, err := tx.Get(ctx, domain.CollectionInventory, "new")
			if err != nil {
				return err
			}
			require.Equal(t, "new", got.UUID)
			return tx.SetSetting(ctx, "k", "v")
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, domain.CollectionInventory, "new")
		require.NoError(t, err)
		_, err = repo.Get(ctx, domain.CollectionInventory, "gone")
		require.ErrorIs(t, err, store.ErrNotFound)
		v, err := repo.Setting(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "v", v)
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		require.NoError(t, repo.Put(ctx, row(domain.CollectionInventory, "keep", base, true, `{"stock":5}`)))
		boom := errors.New("boom")
		err := repo.RunInTx(ctx, func(tx store.Records) error {
			if err := tx.Put(ctx, row(domain.CollectionInventory, "keep", base.Add(time.Second), false, `{"stock":1}`)); err != nil {
				return err
			}
			if err := tx.Put(ctx, row(domain.CollectionInventory, "other", base, false, `{}`)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, domain.CollectionInventory, "keep")
		require.NoError(t, err)
		require.True(t, got.Synced)
		require.JSONEq(t, `{"stock":5}`, string(got.Data))
		_, err = repo.Get(ctx, domain.CollectionInventory, "other")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("typed helpers", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		item := &domain.InventoryItem{Name: "Sugar", Stock: 3, Category: "Food"}
		item.UUID = "item-1"
		item.LastUpdated = base.Add(1500 * time.Microsecond)
		require.NoError(t, store.Save(ctx, repo, domain.CollectionInventory, item))

		var loaded domain.InventoryItem
		require.NoError(t, store.Load(ctx, repo, domain.CollectionInventory, "item-1", &loaded))
		require.Equal(t, "Sugar", loaded.Name)
		require.True(t, loaded.LastUpdated.Equal(base.Add(time.Millisecond)))

		items, err := store.ListAs[domain.InventoryItem](ctx, repo, domain.CollectionInventory, store.Query{})
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, 3, items[0].Stock)
	})
}

func uuids(rows []store.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.UUID)
	}
	return out
}
