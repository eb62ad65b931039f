package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

//go:embed schema.sql
var schema string

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the durable on-device record store.
type Store struct {
	records
	db   *sql.DB
	path string
}

// Open creates (if needed) and opens the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "synchronous(normal)")
	params.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{records: records{q: db}, db: db, path: path}, nil
}

// Close checkpoints the WAL into the main file and closes the pool. A failed
// checkpoint is reported alongside the close error; the data stays in the
// WAL and is replayed on the next Open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	var checkpointErr error
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		checkpointErr = fmt.Errorf("wal checkpoint: %w", err)
	}
	return errors.Join(checkpointErr, s.db.Close())
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Records) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(records{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type records struct {
	q querier
}

func (r records) Get(ctx context.Context, collection domain.Collection, uuid string) (store.Row, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT uuid, last_updated, synced, deleted, data
		FROM records
		WHERE collection = ? AND uuid = ?
	`, string(collection), uuid)
	out, err := scanRow(collection, row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	return out, err
}

func (r records) Put(ctx context.Context, row store.Row) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO records (collection, uuid, last_updated, synced, deleted, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, uuid) DO UPDATE SET
			last_updated = excluded.last_updated,
			synced = excluded.synced,
			deleted = excluded.deleted,
			data = excluded.data
	`, string(row.Collection), row.UUID, row.LastUpdated.UnixMilli(), row.Synced, row.Deleted, string(row.Data))
	if err != nil {
		return fmt.Errorf("put %s %s: %w", row.Collection, row.UUID, err)
	}
	return nil
}

func (r records) Delete(ctx context.Context, collection domain.Collection, uuid string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND uuid = ?`, string(collection), uuid); err != nil {
		return fmt.Errorf("delete %s %s: %w", collection, uuid, err)
	}
	return nil
}

func (r records) List(ctx context.Context, collection domain.Collection, q store.Query) ([]store.Row, error) {
	where, args := whereClause(collection, q)
	query := `SELECT uuid, last_updated, synced, deleted, data FROM records` + where + ` ORDER BY last_updated, uuid`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		row, err := scanRow(collection, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r records) Count(ctx context.Context, collection domain.Collection, q store.Query) (int, error) {
	where, args := whereClause(collection, q)
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func (r records) MarkSynced(ctx context.Context, collection domain.Collection, uuid string, lastUpdated time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE records SET synced = 1
		WHERE collection = ? AND uuid = ? AND last_updated = ?
	`, string(collection), uuid, lastUpdated.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark synced %s %s: %w", collection, uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r records) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

func (r records) SetSetting(ctx context.Context, key string, value string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(collection domain.Collection, s scanner) (store.Row, error) {
	var (
		row       store.Row
		updatedMs int64
		data      string
	)
	if err := s.Scan(&row.UUID, &updatedMs, &row.Synced, &row.Deleted, &data); err != nil {
		return store.Row{}, err
	}
	row.Collection = collection
	row.LastUpdated = time.UnixMilli(updatedMs).UTC()
	row.Data = []byte(data)
	return row, nil
}

func whereClause(collection domain.Collection, q store.Query) (string, []any) {
	conds := []string{"collection = ?"}
	args := []any{string(collection)}
	if q.UnsyncedOnly {
		conds = append(conds, "synced = 0")
	} else if !q.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if q.Field != "" {
		conds = append(conds, "COALESCE(json_extract(data, ?), '') = ?")
		args = append(args, "$."+q.Field, q.Equals)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
