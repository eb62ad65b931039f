package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/wire"
)

func TestUpsertFetchRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("SHOPSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SHOPSYNC_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	b, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() {
		_ = b.Close()
	})
	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stamp := time.Now().UnixNano()
	shopID := fmt.Sprintf("shop-it-%d", stamp)
	otherShop := shopID + "-other"
	itemID := fmt.Sprintf("inv-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = b.db.ExecContext(ctx, `DELETE FROM inventory WHERE shop_id IN ($1, $2)`, shopID, otherShop)
	})

	first := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	rec := remote.Record{
		wire.ColumnUUID:        itemID,
		wire.ColumnLastUpdated: wire.FormatTime(first),
		wire.ColumnDeleted:     false,
		"name":                 "Kopi",
		"selling_price":        "12.50",
		"stock":                int64(4),
	}
	if err := b.Upsert(ctx, domain.CollectionInventory, shopID, []remote.Record{rec}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := b.Fetch(ctx, domain.CollectionInventory, shopID, nil)
	if err != nil || len(got) != 1 {
		t.Fatalf("fetch after insert: %v, %d rows", err, len(got))
	}
	firstStamp, err := wire.ServerTime(got[0])
	if err != nil {
		t.Fatalf("server stamp: %v", err)
	}

	// An older device timestamp still sorts after the first write.
	rec = remote.Record{
		wire.ColumnUUID:        itemID,
		wire.ColumnLastUpdated: wire.FormatTime(first.Add(-time.Hour)),
		wire.ColumnDeleted:     false,
		"name":                 "Kopi Susu",
		"selling_price":        "13.00",
		"stock":                int64(-1),
	}
	if err := b.Upsert(ctx, domain.CollectionInventory, shopID, []remote.Record{rec}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err = b.Fetch(ctx, domain.CollectionInventory, shopID, &firstStamp)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	secondStamp, err := wire.ServerTime(got[0])
	if err != nil || secondStamp.Before(firstStamp) {
		t.Fatalf("server stamp went backwards: %s then %s (%v)", firstStamp, secondStamp, err)
	}
	row, err := wire.ToLocal(domain.CollectionInventory, got[0])
	if err != nil {
		t.Fatalf("to local: %v", err)
	}
	if !row.LastUpdated.Equal(first.Add(-time.Hour)) {
		t.Fatalf("unexpected last_updated %s", row.LastUpdated)
	}
	if got[0]["name"] != "Kopi Susu" {
		t.Fatalf("expected updated name, got %v", got[0]["name"])
	}

	// Same uuid from a different shop must not overwrite the row.
	rec["name"] = "Intruder"
	if err := b.Upsert(ctx, domain.CollectionInventory, otherShop, []remote.Record{rec}); err != nil {
		t.Fatalf("cross-shop upsert: %v", err)
	}
	got, err = b.Fetch(ctx, domain.CollectionInventory, shopID, nil)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "Kopi Susu" {
		t.Fatalf("row was overwritten across shops: %v", got)
	}

	if err := b.Delete(ctx, domain.CollectionInventory, shopID, itemID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = b.Fetch(ctx, domain.CollectionInventory, shopID, nil)
	if err != nil {
		t.Fatalf("fetch after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no rows after delete, got %d", len(got))
	}
}
