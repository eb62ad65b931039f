package memory

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

type key struct {
	collection domain.Collection
	uuid       string
}

// Store keeps every record in process memory. It backs tests and the demo
// mode of syncd; nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	rows     map[key]store.Row
	settings map[string]string
}

func New() *Store {
	return &Store{
		rows:     map[key]store.Row{},
		settings: map[string]string{},
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Get(_ context.Context, collection domain.Collection, uuid string) (store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRow(s.rows, nil, collection, uuid)
}

func (s *Store) Put(_ context.Context, row store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key{row.Collection, row.UUID}] = cloneRow(row)
	return nil
}

func (s *Store) Delete(_ context.Context, collection domain.Collection, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key{collection, uuid})
	return nil
}

func (s *Store) List(_ context.Context, collection domain.Collection, q store.Query) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRows(s.rows, nil, collection, q), nil
}

func (s *Store) Count(ctx context.Context, collection domain.Collection, q store.Query) (int, error) {
	q.Limit = 0
	rows, err := s.List(ctx, collection, q)
	return len(rows), err
}

func (s *Store) MarkSynced(_ context.Context, collection domain.Collection, uuid string, lastUpdated time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSynced(s.rows, s.rows, collection, uuid, lastUpdated), nil
}

func (s *Store) Setting(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[name]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func (s *Store) SetSetting(_ context.Context, name string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = value
	return nil
}

// RunInTx holds the write lock for the whole of fn. Writes are staged in an
// overlay and copied into the store only when fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Records) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{
		base:     s,
		staged:   map[key]*store.Row{},
		settings: map[string]string{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, row := range tx.staged {
		if row == nil {
			delete(s.rows, k)
			continue
		}
		s.rows[k] = *row
	}
	for name, value := range tx.settings {
		s.settings[name] = value
	}
	return nil
}

// txn reads through its overlay to the base maps. The base lock is already
// held by RunInTx, so txn never locks.
type txn struct {
	base     *Store
	staged   map[key]*store.Row // nil entry marks a delete
	settings map[string]string
}

func (t *txn) Get(_ context.Context, collection domain.Collection, uuid string) (store.Row, error) {
	return getRow(t.base.rows, t.staged, collection, uuid)
}

func (t *txn) Put(_ context.Context, row store.Row) error {
	cp := cloneRow(row)
	t.staged[key{row.Collection, row.UUID}] = &cp
	return nil
}

func (t *txn) Delete(_ context.Context, collection domain.Collection, uuid string) error {
	t.staged[key{collection, uuid}] = nil
	return nil
}

func (t *txn) List(_ context.Context, collection domain.Collection, q store.Query) ([]store.Row, error) {
	return listRows(t.base.rows, t.staged, collection, q), nil
}

func (t *txn) Count(ctx context.Context, collection domain.Collection, q store.Query) (int, error) {
	q.Limit = 0
	rows, err := t.List(ctx, collection, q)
	return len(rows), err
}

func (t *txn) MarkSynced(_ context.Context, collection domain.Collection, uuid string, lastUpdated time.Time) (bool, error) {
	row, err := getRow(t.base.rows, t.staged, collection, uuid)
	if err != nil || !row.LastUpdated.Equal(lastUpdated) {
		return false, nil
	}
	row.Synced = true
	t.staged[key{collection, uuid}] = &row
	return true, nil
}

func (t *txn) Setting(_ context.Context, name string) (string, error) {
	if value, ok := t.settings[name]; ok {
		return value, nil
	}
	value, ok := t.base.settings[name]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func (t *txn) SetSetting(_ context.Context, name string, value string) error {
	t.settings[name] = value
	return nil
}

func getRow(rows map[key]store.Row, staged map[key]*store.Row, collection domain.Collection, uuid string) (store.Row, error) {
	k := key{collection, uuid}
	if staged != nil {
		if row, ok := staged[k]; ok {
			if row == nil {
				return store.Row{}, store.ErrNotFound
			}
			return cloneRow(*row), nil
		}
	}
	row, ok := rows[k]
	if !ok {
		return store.Row{}, store.ErrNotFound
	}
	return cloneRow(row), nil
}

func listRows(rows map[key]store.Row, staged map[key]*store.Row, collection domain.Collection, q store.Query) []store.Row {
	merged := make(map[string]store.Row)
	for k, row := range rows {
		if k.collection == collection {
			merged[k.uuid] = row
		}
	}
	for k, row := range staged {
		if k.collection != collection {
			continue
		}
		if row == nil {
			delete(merged, k.uuid)
			continue
		}
		merged[k.uuid] = *row
	}

	out := make([]store.Row, 0, len(merged))
	for _, row := range merged {
		if !matches(row, q) {
			continue
		}
		out = append(out, cloneRow(row))
	}
	slices.SortFunc(out, func(a, b store.Row) int {
		if c := a.LastUpdated.Compare(b.LastUpdated); c != 0 {
			return c
		}
		return strings.Compare(a.UUID, b.UUID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(row store.Row, q store.Query) bool {
	if q.UnsyncedOnly && row.Synced {
		return false
	}
	// Tombstones are still pending work for the pusher.
	if row.Deleted && !q.IncludeDeleted && !q.UnsyncedOnly {
		return false
	}
	if q.Field == "" {
		return true
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(row.Data, &doc); err != nil {
		return false
	}
	raw, ok := doc[q.Field]
	if !ok {
		return q.Equals == ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value == q.Equals
}

func markSynced(src map[key]store.Row, dst map[key]store.Row, collection domain.Collection, uuid string, lastUpdated time.Time) bool {
	k := key{collection, uuid}
	row, ok := src[k]
	if !ok || !row.LastUpdated.Equal(lastUpdated) {
		return false
	}
	row.Synced = true
	dst[k] = row
	return true
}

func cloneRow(row store.Row) store.Row {
	row.Data = slices.Clone(row.Data)
	return row
}
