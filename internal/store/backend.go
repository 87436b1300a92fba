package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrConstraint   = errors.New("constraint violation")
	ErrUnknownTable = errors.New("unknown table")
	ErrUnknownField = errors.New("unknown field")
)

// StorageError reports a failed persistence store call: a constraint
// violation or loss of connectivity. Each call is atomic, so a StorageError
// never leaves a half-written row behind.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s on %s failed: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Backend is the CRUD capability every persistence store implements. Each
// call runs in its own connection or transaction scope and holds nothing
// once it returns.
type Backend interface {
	// Init creates the given tables if they do not exist yet.
	Init(ctx context.Context, tables []Table) error
	// Get returns nil, nil when pk does not exist.
	Get(ctx context.Context, table string, pk int64) (*Row, error)
	// Filter returns matching rows ordered by created_at, then id.
	Filter(ctx context.Context, table string, q Query) ([]Row, error)
	// Insert assigns id and created_at and returns the stored row.
	Insert(ctx context.Context, table string, fields Fields) (Row, error)
	// Update is a no-op when pk does not exist.
	Update(ctx context.Context, table string, pk int64, fields Fields) error
	Delete(ctx context.Context, table string, pk int64) error
	Close() error
}

// monotonicClock hands out strictly increasing timestamps so rows inserted
// in the same nanosecond, or after a wall-clock step back, still replay in
// insertion order.
type monotonicClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{now: time.Now}
}

// observe raises the floor to a timestamp already persisted.
func (c *monotonicClock) observe(ns int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ns > c.last {
		c.last = ns
	}
}

func (c *monotonicClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns := c.now().UnixNano()
	if ns <= c.last {
		ns = c.last + 1
	}
	c.last = ns
	return ns
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// tableSet is the per-backend registry of tables passed to Init.
type tableSet struct {
	mu     sync.RWMutex
	tables map[string]Table
}

func (s *tableSet) add(t Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables == nil {
		s.tables = make(map[string]Table)
	}
	s.tables[t.Name] = t
}

func (s *tableSet) lookup(name string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}
