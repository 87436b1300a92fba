package store

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"
)

type ColumnType int

const (
	Int ColumnType = iota
	Text
)

// Column is one persisted field of a table. The surrogate id and the
// server-assigned created_at are implicit and never listed.
type Column struct {
	Name    string
	Type    ColumnType
	Allowed []string // optional enumeration for Text columns
}

// Table describes one logical table in a storage-neutral way so every
// backend can create and validate it.
type Table struct {
	Name    string
	Columns []Column
	Indexes []string // columns filtered on frequently
	Unique  string   // optional column holding at most one row per value
}

// Fields maps column names to values. Values are int64 or string once
// normalized.
type Fields map[string]any

// Row is a storage-neutral persisted record.
type Row struct {
	ID        int64
	Fields    Fields
	CreatedAt time.Time
}

// Query selects rows by equality on Where. A positive Limit keeps only the
// newest Limit matches; results are always oldest first.
type Query struct {
	Where Fields
	Limit int
}

// Int returns the integer value of a column, or zero when absent.
func (r Row) Int(name string) int64 {
	v, _ := r.Fields[name].(int64)
	return v
}

// Text returns the string value of a column, or "" when absent.
func (r Row) Text(name string) string {
	v, _ := r.Fields[name].(string)
	return v
}

func (t Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// normalize validates field names against the table and coerces values to
// int64 or string. With fill set, absent columns get zero values.
func (t Table) normalize(fields Fields, fill bool) (Fields, error) {
	out := make(Fields, len(t.Columns))
	for name, value := range fields {
		col, ok := t.column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, t.Name, name)
		}
		v, err := coerce(col, value)
		if err != nil {
			return nil, fmt.Errorf("column %s.%s: %w", t.Name, name, err)
		}
		out[name] = v
	}
	if fill {
		for _, col := range t.Columns {
			if _, ok := out[col.Name]; ok {
				continue
			}
			zero, err := coerce(col, zeroValue(col))
			if err != nil {
				return nil, fmt.Errorf("column %s.%s: %w", t.Name, col.Name, err)
			}
			out[col.Name] = zero
		}
	}
	return out, nil
}

func zeroValue(col Column) any {
	if col.Type == Int {
		return int64(0)
	}
	return ""
}

func coerce(col Column, value any) (any, error) {
	switch col.Type {
	case Int:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return n, nil
	case Text:
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		case Role:
			s = string(v)
		default:
			return nil, fmt.Errorf("expected text, got %T", value)
		}
		if len(col.Allowed) > 0 && !slices.Contains(col.Allowed, s) {
			return nil, fmt.Errorf("%w: %q not in %v", ErrConstraint, s, col.Allowed)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported column type %d", col.Type)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("expected integer, got %T", value)
}

// sortedKeys returns the keys of fields in a stable order so generated SQL
// and scans are deterministic.
func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
