package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/wire"
)

// Schema creates the shop-partitioned tables and the change-notification
// trigger the realtime feed listens on.
//
//go:embed schema.sql
var Schema string

// Backend talks to the shared Postgres database through database/sql.
type Backend struct {
	db *sql.DB
}

// Open prepares a connection pool without contacting the server. Connections
// are made on first use, so a till that boots offline reconnects by itself.
func Open(databaseURL string) (*Backend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(12)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Backend{db: db}, nil
}

// New opens the pool and checks that the server answers.
func New(ctx context.Context, databaseURL string) (*Backend, error) {
	b, err := Open(databaseURL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := b.db.PingContext(pingCtx); err != nil {
		_ = b.db.Close()
		return nil, classify(err)
	}
	return b, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// Migrate applies Schema. Deployments that own their backend schema skip it.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, Schema); err != nil {
		return classify(fmt.Errorf("apply backend schema: %w", err))
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return classify(b.db.PingContext(ctx))
}

func (b *Backend) Fetch(ctx context.Context, collection domain.Collection, shopID string, since *time.Time) ([]remote.Record, error) {
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}

	query := `SELECT row_to_json(t)::text FROM ` + table + ` t WHERE t.shop_id = $1`
	args := []any{shopID}
	if since != nil {
		query += ` AND t.server_updated_at >= $2`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY t.server_updated_at, t.uuid`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch %s: %w", collection, err))
	}
	defer rows.Close()

	records := make([]remote.Record, 0, 64)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(err)
		}
		rec, err := wire.DecodeRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s row: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}

// Upsert writes each record through jsonb_populate_record so column types are
// resolved by the server. An existing uuid owned by another shop is left alone.
func (b *Backend) Upsert(ctx context.Context, collection domain.Collection, shopID string, records []remote.Record) error {
	if len(records) == 0 {
		return nil
	}
	table, err := tableName(collection)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, rec := range records {
		rec[wire.ColumnShopID] = shopID
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", collection, err)
		}
		if _, err := tx.ExecContext(ctx, upsertStatement(table, rec), string(payload)); err != nil {
			return classify(fmt.Errorf("upsert %s %v: %w", collection, rec[wire.ColumnUUID], err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, collection domain.Collection, shopID string, uuid string) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE shop_id = $1 AND uuid = $2`, shopID, uuid); err != nil {
		return classify(fmt.Errorf("delete %s %s: %w", collection, uuid, err))
	}
	return nil
}

func upsertStatement(table string, rec remote.Record) string {
	columns := make([]string, 0, len(rec))
	for col := range rec {
		if col == wire.ColumnUUID || col == wire.ColumnShopID || col == wire.ColumnServerUpdatedAt {
			continue
		}
		columns = append(columns, col)
	}
	slices.Sort(columns)

	var b strings.Builder
	b.WriteString(`INSERT INTO `)
	b.WriteString(table)
	b.WriteString(` SELECT * FROM jsonb_populate_record(NULL::`)
	b.WriteString(table)
	b.WriteString(`, $1::jsonb) ON CONFLICT (uuid) DO UPDATE SET `)
	for i, col := range columns {
		if i > 0 {
			b.WriteString(`, `)
		}
		ident := pgx.Identifier{col}.Sanitize()
		b.WriteString(ident)
		b.WriteString(` = EXCLUDED.`)
		b.WriteString(ident)
	}
	b.WriteString(` WHERE `)
	b.WriteString(table)
	b.WriteString(`.shop_id = EXCLUDED.shop_id`)
	return b.String()
}

func tableName(collection domain.Collection) (string, error) {
	if !collection.Valid() {
		return "", fmt.Errorf("unknown collection %q", collection)
	}
	return pgx.Identifier{string(collection)}.Sanitize(), nil
}

// classify tags transport failures with remote.ErrUnavailable so callers can
// tell "offline" apart from a rejected statement.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	var netErr net.Error
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	return err
}
