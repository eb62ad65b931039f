package service

import (
	"context"
	"sync"
	"time"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/xid"
)

// Tracker is the only path that writes user changes to the local store. Every
// write stamps lastUpdated and clears synced so the pusher picks it up.
type Tracker struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Now returns the tracker clock at store precision.
func (t *Tracker) Now() time.Time {
	return store.Timestamp(t.now())
}

// stamp returns a timestamp strictly after both the previous stamp issued by
// this tracker and prev, so a push never confirms an edit it did not carry.
func (t *Tracker) stamp(prev time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := store.Timestamp(t.now())
	if !at.After(t.last) {
		at = t.last.Add(time.Millisecond)
	}
	if !prev.IsZero() && !at.After(prev) {
		at = store.Timestamp(prev).Add(time.Millisecond)
	}
	t.last = at
	return at
}

// Put stamps entity and writes it through r. A missing uuid is assigned.
func (t *Tracker) Put(ctx context.Context, r store.Records, collection domain.Collection, entity domain.Entity) error {
	meta := entity.Meta()
	if meta.UUID == "" {
		meta.UUID = xid.New()
	}
	meta.LastUpdated = t.stamp(meta.LastUpdated)
	meta.Synced = false
	return store.Save(ctx, r, collection, entity)
}

// Remove turns a row into a pending tombstone. The pusher deletes it
// remotely and then purges it.
func (t *Tracker) Remove(ctx context.Context, r store.Records, collection domain.Collection, uuid string) error {
	row, err := r.Get(ctx, collection, uuid)
	if err != nil {
		return err
	}
	row.Deleted = true
	row.Synced = false
	row.LastUpdated = t.stamp(row.LastUpdated)
	return r.Put(ctx, row)
}
