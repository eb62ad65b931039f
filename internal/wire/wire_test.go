package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
)

func TestKeyCase(t *testing.T) {
	cases := map[string]string{
		"uuid":            "uuid",
		"lastUpdated":     "last_updated",
		"costPrice":       "cost_price",
		"itemId":          "item_id",
		"quantityChanged": "quantity_changed",
	}
	for camel, snake := range cases {
		require.Equal(t, snake, Snake(camel))
		require.Equal(t, camel, Camel(snake))
	}
}

func TestToRemoteRenamesNestedAndScopesShop(t *testing.T) {
	at := time.Date(2025, 5, 1, 9, 30, 0, 123_000_000, time.UTC)
	sale := &domain.Sale{
		Items:     []domain.SaleItem{{ItemID: "i1", Name: "Tea", Price: decimal.RequireFromString("2.50"), Quantity: 2}},
		Total:     decimal.RequireFromString("5.00"),
		StaffName: "Bo",
	}
	sale.UUID = "s1"
	sale.LastUpdated = at
	row, err := store.Encode(domain.CollectionSales, sale)
	require.NoError(t, err)

	rec, err := ToRemote(row, "shop-1")
	require.NoError(t, err)
	require.Equal(t, "shop-1", rec[ColumnShopID])
	require.Equal(t, "s1", rec[ColumnUUID])
	require.Equal(t, "2025-05-01T09:30:00.123Z", rec[ColumnLastUpdated])
	require.Equal(t, false, rec[ColumnDeleted])
	require.NotContains(t, rec, "synced")
	require.Equal(t, "Bo", rec["staff_name"])

	items := rec["items"].([]any)
	first := items[0].(map[string]any)
	require.Equal(t, "i1", first["item_id"])
	require.Equal(t, "2.5", first["price"])
}

func TestToLocalRoundTripsEntity(t *testing.T) {
	raw := []byte(`{
		"uuid": "inv-1",
		"shop_id": "shop-1",
		"last_updated": "2025-05-01T09:30:00.123456+00:00",
		"name": "Rice",
		"selling_price": 12.75,
		"stock": -2,
		"min_stock": 3,
		"deleted": false
	}`)
	rec, err := DecodeRecord(raw)
	require.NoError(t, err)

	row, err := ToLocal(domain.CollectionInventory, rec)
	require.NoError(t, err)
	require.True(t, row.Synced)
	require.False(t, row.Deleted)
	require.True(t, row.LastUpdated.Equal(time.Date(2025, 5, 1, 9, 30, 0, 123_000_000, time.UTC)))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(row.Data, &doc))
	require.NotContains(t, doc, "shop_id")
	require.NotContains(t, doc, "shopId")

	var item domain.InventoryItem
	require.NoError(t, store.Decode(row, &item))
	require.Equal(t, "Rice", item.Name)
	require.Equal(t, -2, item.Stock)
	require.Equal(t, 3, item.MinStock)
	require.True(t, item.SellingPrice.Equal(decimal.RequireFromString("12.75")))
}

func TestToLocalRejectsRecordWithoutUUID(t *testing.T) {
	_, err := ToLocal(domain.CollectionInventory, remote.Record{ColumnLastUpdated: "2025-01-01T00:00:00Z"})
	require.Error(t, err)
}

func TestToLocalTombstone(t *testing.T) {
	row, err := ToLocal(domain.CollectionDebts, remote.Record{
		ColumnUUID:        "d1",
		ColumnLastUpdated: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ColumnDeleted:     true,
	})
	require.NoError(t, err)
	require.True(t, row.Deleted)
}

func TestToLocalDropsServerStamp(t *testing.T) {
	rec := remote.Record{
		ColumnUUID:            "e1",
		ColumnLastUpdated:     "2025-01-01T08:00:00.000Z",
		ColumnServerUpdatedAt: "2025-01-03T10:15:00.123456+00:00",
		"description":         "Fuel",
	}
	row, err := ToLocal(domain.CollectionExpenses, rec)
	require.NoError(t, err)
	require.NotContains(t, string(row.Data), "serverUpdatedAt")

	at, err := ServerTime(rec)
	require.NoError(t, err)
	require.True(t, at.Equal(time.Date(2025, 1, 3, 10, 15, 0, 123_000_000, time.UTC)))

	delete(rec, ColumnServerUpdatedAt)
	at, err = ServerTime(rec)
	require.NoError(t, err)
	require.True(t, at.Equal(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)))
}
