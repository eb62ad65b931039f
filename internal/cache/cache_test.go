package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"shopsync/backend/internal/domain"
)

func TestNoopStatusMirrorHasNothing(t *testing.T) {
	var mirror StatusMirror = NoopStatusMirror{}
	if err := mirror.Publish(context.Background(), domain.SyncSnapshot{ShopID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	snap, ok, err := mirror.Latest(context.Background(), "s1", "d1")
	if err != nil || ok || snap != nil {
		t.Fatalf("expected empty result, got %v %v %v", snap, ok, err)
	}
}

func TestStatusKeysAreScopedPerDevice(t *testing.T) {
	if StatusKey("s1", "d1") == StatusKey("s1", "d2") {
		t.Fatalf("expected distinct keys per device")
	}
	if StatusChannel("s1") == StatusChannel("s2") {
		t.Fatalf("expected distinct channels per shop")
	}
}

func TestRedisStatusMirrorRoundTrip(t *testing.T) {
	addr := os.Getenv("SHOPSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHOPSYNC_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mirror := NewRedisStatusMirror(addr, "", 0)
	defer mirror.Close()
	if err := mirror.Ping(ctx); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	shopID := "test-shop-" + time.Now().Format("150405.000000")
	sub := mirror.Client().Subscribe(ctx, StatusChannel(shopID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := domain.SyncSnapshot{ShopID: shopID, DeviceID: "till-1", Status: domain.StatusPending, Pending: 3}
	if err := mirror.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, ok, err := mirror.Latest(ctx, shopID, "till-1")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.StatusPending || got.Pending != 3 {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != StatusChannel(shopID) {
		t.Fatalf("unexpected channel %q", msg.Channel)
	}
	_ = mirror.Client().Del(ctx, StatusKey(shopID, "till-1")).Err()
}
