// Package memory is an in-process remote.Backend used by tests and the
// offline demo mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/wire"
)

type Backend struct {
	mu      sync.RWMutex
	tables  map[domain.Collection]map[string]remote.Record
	down    bool
	delay   time.Duration
	fail    map[string]error
	upserts int
	notify  func(shopID string, ev domain.ChangeEvent)

	clock     func() time.Time
	lastStamp time.Time
}

func New() *Backend {
	return &Backend{
		tables: map[domain.Collection]map[string]remote.Record{},
		fail:   map[string]error{},
		clock:  time.Now,
	}
}

// SetClock replaces the source of server_updated_at stamps.
func (b *Backend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// OnChange registers fn to receive a change event for every write, the way
// the Postgres trigger notifies listeners. fn runs after the write commits.
func (b *Backend) OnChange(fn func(shopID string, ev domain.ChangeEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// SetDown makes every call fail with remote.ErrUnavailable.
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// SetDelay makes every call block for d or until its context ends.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// FailUUID makes upserts of the given record fail with err until cleared
// with a nil err.
func (b *Backend) FailUUID(uuid string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, uuid)
		return
	}
	b.fail[uuid] = err
}

// UpsertCount reports how many records have been written.
func (b *Backend) UpsertCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.upserts
}

// Records returns the shop's rows in a collection, ordered by uuid.
func (b *Backend) Records(collection domain.Collection, shopID string) []remote.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []remote.Record
	for _, rec := range b.tables[collection] {
		if rec[wire.ColumnShopID] == shopID {
			out = append(out, clone(rec))
		}
	}
	slices.SortFunc(out, func(a, c remote.Record) int {
		return strings.Compare(fmt.Sprint(a[wire.ColumnUUID]), fmt.Sprint(c[wire.ColumnUUID]))
	})
	return out
}

// Put writes a record directly, as another device would.
func (b *Backend) Put(collection domain.Collection, shopID string, rec remote.Record) {
	b.mu.Lock()
	ev, ok := b.put(collection, shopID, rec)
	notify := b.notify
	b.mu.Unlock()
	if ok {
		b.emit(notify, shopID, []domain.ChangeEvent{ev})
	}
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.gate(ctx)
}

func (b *Backend) Fetch(ctx context.Context, collection domain.Collection, shopID string, since *time.Time) ([]remote.Record, error) {
	if err := b.gate(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	type dated struct {
		at  time.Time
		rec remote.Record
	}
	var rows []dated
	for _, rec := range b.tables[collection] {
		if rec[wire.ColumnShopID] != shopID {
			continue
		}
		at, err := wire.ServerTime(rec)
		if err != nil {
			return nil, err
		}
		if since != nil && at.Before(*since) {
			continue
		}
		rows = append(rows, dated{at: at, rec: clone(rec)})
	}
	slices.SortFunc(rows, func(a, c dated) int {
		if n := a.at.Compare(c.at); n != 0 {
			return n
		}
		return strings.Compare(fmt.Sprint(a.rec[wire.ColumnUUID]), fmt.Sprint(c.rec[wire.ColumnUUID]))
	})
	out := make([]remote.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.rec)
	}
	return out, nil
}

func (b *Backend) Upsert(ctx context.Context, collection domain.Collection, shopID string, records []remote.Record) error {
	if err := b.gate(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	for _, rec := range records {
		uuid, _ := rec[wire.ColumnUUID].(string)
		if err, ok := b.fail[uuid]; ok {
			b.mu.Unlock()
			return fmt.Errorf("upsert %s %s: %w", collection, uuid, err)
		}
	}
	var events []domain.ChangeEvent
	for _, rec := range records {
		if ev, ok := b.put(collection, shopID, rec); ok {
			events = append(events, ev)
		}
	}
	notify := b.notify
	b.mu.Unlock()

	b.emit(notify, shopID, events)
	return nil
}

func (b *Backend) Delete(ctx context.Context, collection domain.Collection, shopID string, uuid string) error {
	if err := b.gate(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	var events []domain.ChangeEvent
	if rec, ok := b.tables[collection][uuid]; ok && rec[wire.ColumnShopID] == shopID {
		delete(b.tables[collection], uuid)
		old, _ := json.Marshal(remote.Record{wire.ColumnUUID: uuid, wire.ColumnShopID: shopID})
		events = append(events, domain.ChangeEvent{Type: domain.ChangeDelete, Table: collection, OldRecord: old})
	}
	notify := b.notify
	b.mu.Unlock()

	b.emit(notify, shopID, events)
	return nil
}

func (b *Backend) emit(notify func(string, domain.ChangeEvent), shopID string, events []domain.ChangeEvent) {
	if notify == nil {
		return
	}
	for _, ev := range events {
		notify(shopID, ev)
	}
}

// put stores rec and describes the write as a change event. Rows owned by
// another shop are left alone.
func (b *Backend) put(collection domain.Collection, shopID string, rec remote.Record) (domain.ChangeEvent, bool) {
	uuid, _ := rec[wire.ColumnUUID].(string)
	table, ok := b.tables[collection]
	if !ok {
		table = map[string]remote.Record{}
		b.tables[collection] = table
	}
	typ := domain.ChangeInsert
	if existing, ok := table[uuid]; ok {
		if existing[wire.ColumnShopID] != shopID {
			return domain.ChangeEvent{}, false
		}
		typ = domain.ChangeUpdate
	}
	cp := clone(rec)
	cp[wire.ColumnShopID] = shopID
	cp[wire.ColumnServerUpdatedAt] = wire.FormatTime(b.stamp())
	table[uuid] = cp
	b.upserts++

	raw, err := json.Marshal(cp)
	if err != nil {
		return domain.ChangeEvent{}, false
	}
	return domain.ChangeEvent{Type: typ, Table: collection, Record: raw}, true
}

// stamp returns a change time strictly after the previous one, like a
// sequence, at the millisecond precision the wire format keeps.
func (b *Backend) stamp() time.Time {
	at := store.Timestamp(b.clock())
	if !at.After(b.lastStamp) {
		at = b.lastStamp.Add(time.Millisecond)
	}
	b.lastStamp = at
	return at
}

func (b *Backend) gate(ctx context.Context) error {
	b.mu.RLock()
	down, delay := b.down, b.delay
	b.mu.RUnlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if down {
		return remote.ErrUnavailable
	}
	return ctx.Err()
}

// clone deep-copies through JSON so callers never share nested maps.
func clone(rec remote.Record) remote.Record {
	raw, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("memory backend: unencodable record: %v", err))
	}
	out, err := wire.DecodeRecord(raw)
	if err != nil {
		panic(fmt.Sprintf("memory backend: undecodable record: %v", err))
	}
	return out
}
