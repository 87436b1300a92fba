package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/metrics"
)

// Schema binds an entity type to its table.
type Schema[T any] struct {
	Table  Table
	Encode func(T) Fields
	Decode func(Row) (T, error)
}

type instrumentation struct {
	log     *logger.Logger
	metrics *metrics.Metrics
}

type Option func(*instrumentation)

func WithLogger(l *logger.Logger) Option {
	return func(i *instrumentation) { i.log = l.Component("store") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *instrumentation) { i.metrics = m }
}

// Repository is a typed CRUD facade over a Backend. One instance serves one
// entity kind; the CRUD logic itself is shared by all of them.
type Repository[T any] struct {
	backend Backend
	schema  Schema[T]
	inst    instrumentation
}

func NewRepository[T any](backend Backend, schema Schema[T], opts ...Option) *Repository[T] {
	inst := instrumentation{log: logger.Nop()}
	for _, opt := range opts {
		opt(&inst)
	}
	return &Repository[T]{backend: backend, schema: schema, inst: inst}
}

func (r *Repository[T]) table() string {
	return r.schema.Table.Name
}

func (r *Repository[T]) observe(op string, start time.Time, count int, err error) {
	d := time.Since(start)
	r.inst.log.LogDbOperation(r.table(), op, d, count, err)
	r.inst.metrics.RecordStoreOperation(r.table(), op, d, err)
}

func (r *Repository[T]) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Table: r.table(), Err: err}
}

// checkFields rejects unknown column names before anything reaches storage.
func (r *Repository[T]) checkFields(fields Fields) error {
	for name := range fields {
		if _, ok := r.schema.Table.column(name); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, r.table(), name)
		}
	}
	return nil
}

// Get returns nil, nil when no row has the given primary key.
func (r *Repository[T]) Get(ctx context.Context, pk int64) (result *T, err error) {
	start := time.Now()
	defer func() {
		count := 0
		if result != nil {
			count = 1
		}
		r.observe("get", start, count, err)
	}()

	row, err := r.backend.Get(ctx, r.table(), pk)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	if row == nil {
		return nil, nil
	}
	entity, err := r.schema.Decode(*row)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return &entity, nil
}

// Filter returns every row whose fields equal where, in insertion order.
func (r *Repository[T]) Filter(ctx context.Context, where Fields) ([]T, error) {
	return r.query(ctx, "filter", Query{Where: where})
}

// Latest returns the newest limit rows matching where, oldest first.
func (r *Repository[T]) Latest(ctx context.Context, where Fields, limit int) ([]T, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("latest on %s: limit must be positive, got %d", r.table(), limit)
	}
	return r.query(ctx, "latest", Query{Where: where, Limit: limit})
}

func (r *Repository[T]) query(ctx context.Context, op string, q Query) (result []T, err error) {
	start := time.Now()
	defer func() { r.observe(op, start, len(result), err) }()

	if err := r.checkFields(q.Where); err != nil {
		return nil, err
	}
	rows, err := r.backend.Filter(ctx, r.table(), q)
	if err != nil {
		return nil, r.wrap(op, err)
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		entity, err := r.schema.Decode(row)
		if err != nil {
			return nil, r.wrap(op, err)
		}
		out = append(out, entity)
	}
	return out, nil
}

// Add inserts entity and returns it as stored, with id and created_at set.
func (r *Repository[T]) Add(ctx context.Context, entity T) (result T, err error) {
	start := time.Now()
	defer func() {
		count := 1
		if err != nil {
			count = 0
		}
		r.observe("add", start, count, err)
	}()

	row, err := r.backend.Insert(ctx, r.table(), r.schema.Encode(entity))
	if err != nil {
		return result, r.wrap("add", err)
	}
	stored, err := r.schema.Decode(row)
	if err != nil {
		return result, r.wrap("add", err)
	}
	return stored, nil
}

// Update changes the named fields of one row. A missing pk is not an error.
func (r *Repository[T]) Update(ctx context.Context, pk int64, fields Fields) (err error) {
	start := time.Now()
	defer func() { r.observe("update", start, 1, err) }()

	if err := r.checkFields(fields); err != nil {
		return err
	}
	return r.wrap("update", r.backend.Update(ctx, r.table(), pk, fields))
}

func (r *Repository[T]) Delete(ctx context.Context, pk int64) (err error) {
	start := time.Now()
	defer func() { r.observe("delete", start, 1, err) }()

	return r.wrap("delete", r.backend.Delete(ctx, r.table(), pk))
}
