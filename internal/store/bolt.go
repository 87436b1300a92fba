package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket = []byte("_meta")
	clockKey   = []byte("clock")
)

// boltJSON decodes integers as int64 so telegram ids survive the round trip.
var boltJSON = sonic.Config{UseInt64: true}.Froze()

type boltRecord struct {
	ID        int64          `json:"id"`
	CreatedAt int64          `json:"created_at"`
	Fields    map[string]any `json:"fields"`
}

// BoltBackend keeps each table in its own bucket, keyed by a big-endian
// sequence id so cursor order is insertion order.
type BoltBackend struct {
	db     *bolt.DB
	tables tableSet
	clock  *monotonicClock
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &BoltBackend{db: db, clock: newMonotonicClock()}, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func itob(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

func (b *BoltBackend) Init(ctx context.Context, tables []Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(clockKey); len(v) == 8 {
			b.clock.observe(int64(binary.BigEndian.Uint64(v)))
		}
		for _, t := range tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t.Name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", t.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range tables {
		b.tables.add(t)
	}
	return nil
}

func (b *BoltBackend) decode(t Table, raw []byte) (Row, error) {
	var rec boltRecord
	if err := boltJSON.Unmarshal(raw, &rec); err != nil {
		return Row{}, fmt.Errorf("failed to decode %s record: %w", t.Name, err)
	}
	fields, err := t.normalize(rec.Fields, true)
	if err != nil {
		return Row{}, err
	}
	return Row{ID: rec.ID, Fields: fields, CreatedAt: fromNanos(rec.CreatedAt)}, nil
}

func (b *BoltBackend) encode(row Row) ([]byte, error) {
	return boltJSON.Marshal(boltRecord{
		ID:        row.ID,
		CreatedAt: row.CreatedAt.UnixNano(),
		Fields:    row.Fields,
	})
}

func matches(row Row, where Fields) bool {
	for k, v := range where {
		if row.Fields[k] != v {
			return false
		}
	}
	return true
}

// checkUnique fails when another row already holds the unique value.
func (b *BoltBackend) checkUnique(t Table, bucket *bolt.Bucket, id int64, fields Fields) error {
	if t.Unique == "" {
		return nil
	}
	value, ok := fields[t.Unique]
	if !ok {
		return nil
	}
	return bucket.ForEach(func(_, raw []byte) error {
		row, err := b.decode(t, raw)
		if err != nil {
			return err
		}
		if row.ID != id && row.Fields[t.Unique] == value {
			return fmt.Errorf("%w: %s.%s=%v already exists", ErrConstraint, t.Name, t.Unique, value)
		}
		return nil
	})
}

func (b *BoltBackend) Get(ctx context.Context, table string, pk int64) (*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := b.tables.lookup(table)
	if err != nil {
		return nil, err
	}
	if pk <= 0 {
		return nil, nil
	}
	var out *Row
	err = b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(t.Name)).Get(itob(uint64(pk)))
		if raw == nil {
			return nil
		}
		row, err := b.decode(t, raw)
		if err != nil {
			return err
		}
		out = &row
		return nil
	})
	return out, err
}

func (b *BoltBackend) Filter(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := b.tables.lookup(table)
	if err != nil {
		return nil, err
	}
	where, err := t.normalize(q.Where, false)
	if err != nil {
		return nil, err
	}

	var out []Row
	err = b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(t.Name)).ForEach(func(_, raw []byte) error {
			row, err := b.decode(t, raw)
			if err != nil {
				return err
			}
			if matches(row, where) {
				out = append(out, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (b *BoltBackend) Insert(ctx context.Context, table string, fields Fields) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	t, err := b.tables.lookup(table)
	if err != nil {
		return Row{}, err
	}
	values, err := t.normalize(fields, true)
	if err != nil {
		return Row{}, err
	}

	var row Row
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(t.Name))
		if err := b.checkUnique(t, bucket, 0, values); err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		createdAt := b.clock.next()
		row = Row{ID: int64(seq), Fields: values, CreatedAt: fromNanos(createdAt)}
		raw, err := b.encode(row)
		if err != nil {
			return err
		}
		if err := bucket.Put(itob(seq), raw); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(clockKey, itob(uint64(createdAt)))
	})
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

func (b *BoltBackend) Update(ctx context.Context, table string, pk int64, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := b.tables.lookup(table)
	if err != nil {
		return err
	}
	values, err := t.normalize(fields, false)
	if err != nil {
		return err
	}
	if len(values) == 0 || pk <= 0 {
		return nil
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(t.Name))
		raw := bucket.Get(itob(uint64(pk)))
		if raw == nil {
			return nil
		}
		row, err := b.decode(t, raw)
		if err != nil {
			return err
		}
		if err := b.checkUnique(t, bucket, pk, values); err != nil {
			return err
		}
		for k, v := range values {
			row.Fields[k] = v
		}
		updated, err := b.encode(row)
		if err != nil {
			return err
		}
		return bucket.Put(itob(uint64(pk)), updated)
	})
}

func (b *BoltBackend) Delete(ctx context.Context, table string, pk int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := b.tables.lookup(table)
	if err != nil {
		return err
	}
	if pk <= 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(t.Name)).Delete(itob(uint64(pk)))
	})
}
