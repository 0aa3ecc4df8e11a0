package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Meta is the sync metadata extracted from an incoming record payload.
type Meta struct {
	ID        uuid.UUID
	DeviceID  uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetString safely extracts a string value from a record map.
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// ParseUUID parses an identifier string.
func ParseUUID(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}

// ParseTime accepts the timestamp shapes that show up in practice:
// RFC3339 strings (with or without fractional seconds), epoch
// milliseconds as JSON numbers, and numeric strings.
func ParseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t.UTC(), true
		}
		if ms, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		return time.UnixMilli(int64(x)).UTC(), true
	case json.Number:
		if ms, err := x.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case time.Time:
		return x.UTC(), true
	}
	return time.Time{}, false
}

// FormatTime renders a wire timestamp: ISO-8601 with timezone.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseDecimal accepts amounts as JSON numbers, numeric strings, or
// decimals and normalizes them to two fractional digits.
func ParseDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x).Round(2), true
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, false
		}
		return d.Round(2), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d.Round(2), true
	case decimal.Decimal:
		return x.Round(2), true
	case nil:
		return decimal.Zero, true
	}
	return decimal.Zero, false
}

// ExtractMeta parses the sync metadata every record must carry.
// Tolerant of timestamp shape, strict about identity: both id and
// device_id must be valid UUIDs.
func ExtractMeta(rec map[string]any) (Meta, error) {
	var out Meta

	idStr, _ := GetString(rec, "id")
	id, ok := ParseUUID(idStr)
	if !ok {
		return out, errors.New("missing or invalid id")
	}
	out.ID = id

	devStr, _ := GetString(rec, "device_id")
	dev, ok := ParseUUID(devStr)
	if !ok {
		return out, errors.New("missing or invalid device_id")
	}
	out.DeviceID = dev

	created, ok := ParseTime(rec["created_at"])
	if !ok {
		return out, errors.New("missing or invalid created_at")
	}
	out.CreatedAt = created

	updated, ok := ParseTime(rec["updated_at"])
	if !ok {
		return out, errors.New("missing or invalid updated_at")
	}
	out.UpdatedAt = updated

	if out.UpdatedAt.Before(out.CreatedAt) {
		return out, errors.New("updated_at precedes created_at")
	}

	return out, nil
}

// Validate checks an incoming record against the table descriptor:
// metadata present, required domain fields non-empty, amounts
// parseable. Unknown fields are tolerated; they are dropped later by
// Strip.
func Validate(t Table, rec map[string]any) (Meta, error) {
	meta, err := ExtractMeta(rec)
	if err != nil {
		return meta, err
	}
	for _, col := range t.Required {
		v, ok := rec[col]
		if !ok || v == nil {
			return meta, fmt.Errorf("missing required field %q", col)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return meta, fmt.Errorf("missing required field %q", col)
		}
	}
	for _, col := range t.Decimals {
		if v, ok := rec[col]; ok && v != nil {
			if _, ok := ParseDecimal(v); !ok {
				return meta, fmt.Errorf("invalid amount in field %q", col)
			}
		}
	}
	return meta, nil
}

// Strip returns a copy of the record restricted to the table's columns,
// with server-only and local-only fields removed. This is the only
// shape that ever reaches a write path.
func Strip(t Table, rec map[string]any) map[string]any {
	out := make(map[string]any, len(t.Columns))
	for _, col := range t.Columns {
		if v, ok := rec[col]; ok {
			out[col] = v
		}
	}
	for _, f := range strippedFields {
		delete(out, f)
	}
	return out
}

// RefIDs extracts the referenced row ids from a record, keyed by
// referenced table. Null and empty references are skipped.
func RefIDs(t Table, rec map[string]any) map[string]string {
	if len(t.Refs) == 0 {
		return nil
	}
	out := make(map[string]string)
	for col, refTable := range t.Refs {
		if s, ok := GetString(rec, col); ok && s != "" {
			out[refTable] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
