// Package wire maps local camelCase documents to the backend's snake_case
// rows and back.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
)

const (
	ColumnShopID      = "shop_id"
	ColumnUUID        = "uuid"
	ColumnLastUpdated = "last_updated"
	ColumnDeleted     = "deleted"

	// ColumnServerUpdatedAt is stamped by the backend on every write. It
	// orders incremental pulls and never reaches the local store.
	ColumnServerUpdatedAt = "server_updated_at"
)

// localOnly fields never leave the device.
var localOnly = map[string]struct{}{
	"synced": {},
}

// ToRemote converts a stored row into a backend record for shopID.
func ToRemote(row store.Row, shopID string) (remote.Record, error) {
	doc, err := decodeObject(row.Data)
	if err != nil {
		return nil, fmt.Errorf("wire %s %s: %w", row.Collection, row.UUID, err)
	}
	for field := range localOnly {
		delete(doc, field)
	}
	rec := remote.Record(renameKeys(doc, Snake).(map[string]any))
	rec[ColumnUUID] = row.UUID
	rec[ColumnLastUpdated] = FormatTime(row.LastUpdated)
	rec[ColumnDeleted] = row.Deleted
	rec[ColumnShopID] = shopID
	return rec, nil
}

// ToLocal converts a backend record into a row marked synced.
func ToLocal(collection domain.Collection, rec remote.Record) (store.Row, error) {
	uuid, _ := rec[ColumnUUID].(string)
	if uuid == "" {
		return store.Row{}, fmt.Errorf("wire %s: record without uuid", collection)
	}
	updated, err := RecordTime(rec)
	if err != nil {
		return store.Row{}, fmt.Errorf("wire %s %s: %w", collection, uuid, err)
	}
	deleted, _ := rec[ColumnDeleted].(bool)

	doc := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == ColumnShopID || k == ColumnServerUpdatedAt {
			continue
		}
		doc[k] = v
	}
	local := renameKeys(doc, Camel).(map[string]any)
	local["lastUpdated"] = FormatTime(updated)
	local["synced"] = true
	if !deleted {
		delete(local, "deleted")
	}
	data, err := json.Marshal(local)
	if err != nil {
		return store.Row{}, fmt.Errorf("wire %s %s: %w", collection, uuid, err)
	}
	return store.Row{
		Collection:  collection,
		UUID:        uuid,
		LastUpdated: updated,
		Synced:      true,
		Deleted:     deleted,
		Data:        data,
	}, nil
}

// DecodeRecord parses a JSON object into a Record, keeping numbers exact.
func DecodeRecord(raw []byte) (remote.Record, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return remote.Record(doc), nil
}

// RecordTime reads last_updated from a backend record.
func RecordTime(rec remote.Record) (time.Time, error) {
	return column(rec, ColumnLastUpdated)
}

// ServerTime reads the backend change stamp. Rows written before the column
// existed fall back to last_updated.
func ServerTime(rec remote.Record) (time.Time, error) {
	if rec[ColumnServerUpdatedAt] == nil {
		return RecordTime(rec)
	}
	return column(rec, ColumnServerUpdatedAt)
}

func column(rec remote.Record, name string) (time.Time, error) {
	switch v := rec[name].(type) {
	case time.Time:
		return store.Timestamp(v), nil
	case string:
		return ParseTime(v)
	case nil:
		return time.Time{}, fmt.Errorf("missing %s", name)
	default:
		return time.Time{}, fmt.Errorf("unexpected %s type %T", name, v)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
}

func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return store.Timestamp(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func FormatTime(t time.Time) string {
	return store.Timestamp(t).Format("2006-01-02T15:04:05.000Z07:00")
}

func decodeObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func renameKeys(v any, rename func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[rename(k)] = renameKeys(inner, rename)
		}
		return out
	case remote.Record:
		return renameKeys(map[string]any(t), rename)
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = renameKeys(inner, rename)
		}
		return out
	default:
		return v
	}
}

// Snake converts camelCase to snake_case: "costPrice" -> "cost_price".
func Snake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Camel converts snake_case to camelCase: "last_updated" -> "lastUpdated".
func Camel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
