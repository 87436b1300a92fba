package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteBackend struct {
	db     *sql.DB
	tables tableSet
	clock  *monotonicClock
}

// NewSQLiteBackend opens (or creates) a SQLite database. File databases run
// in WAL mode with a busy timeout; in-memory databases are pinned to a single
// connection so every call sees the same data.
func NewSQLiteBackend(dataSourceName string) (*SQLiteBackend, error) {
	inMemory := strings.Contains(dataSourceName, ":memory:")
	dsn := dataSourceName
	if !inMemory {
		if dir := filepath.Dir(dataSourceName); dir != "" && !strings.Contains(dataSourceName, "?") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteBackend{db: db, clock: newMonotonicClock()}, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func sqlType(t ColumnType) string {
	if t == Int {
		return "INTEGER"
	}
	return "TEXT"
}

func createTableSQL(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    id INTEGER PRIMARY KEY AUTOINCREMENT", t.Name)
	for _, c := range t.Columns {
		fmt.Fprintf(&b, ",\n    %s %s NOT NULL", c.Name, sqlType(c.Type))
		if len(c.Allowed) > 0 {
			quoted := make([]string, len(c.Allowed))
			for i, v := range c.Allowed {
				quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
			}
			fmt.Fprintf(&b, " CHECK (%s IN (%s))", c.Name, strings.Join(quoted, ", "))
		}
	}
	b.WriteString(",\n    created_at INTEGER NOT NULL\n);\n")
	for _, col := range t.Indexes {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s, created_at);\n", t.Name, col, t.Name, col)
	}
	if t.Unique != "" {
		fmt.Fprintf(&b, "CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_%s ON %s (%s);\n", t.Name, t.Unique, t.Name, t.Unique)
	}
	return b.String()
}

func (s *SQLiteBackend) Init(ctx context.Context, tables []Table) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, createTableSQL(t)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
		s.tables.add(t)

		var maxCreated sql.NullInt64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(created_at) FROM %s", t.Name)).Scan(&maxCreated); err != nil {
			return fmt.Errorf("failed to read clock floor for %s: %w", t.Name, err)
		}
		if maxCreated.Valid {
			s.clock.observe(maxCreated.Int64)
		}
	}
	return nil
}

func selectColumns(t Table) string {
	names := make([]string, 0, len(t.Columns)+2)
	names = append(names, "id")
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	names = append(names, "created_at")
	return strings.Join(names, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(t Table, sc rowScanner) (Row, error) {
	var id, createdAt int64
	holders := make([]any, 0, len(t.Columns)+2)
	holders = append(holders, &id)
	for _, c := range t.Columns {
		if c.Type == Int {
			holders = append(holders, new(sql.NullInt64))
		} else {
			holders = append(holders, new(sql.NullString))
		}
	}
	holders = append(holders, &createdAt)

	if err := sc.Scan(holders...); err != nil {
		return Row{}, err
	}

	fields := make(Fields, len(t.Columns))
	for i, c := range t.Columns {
		switch h := holders[i+1].(type) {
		case *sql.NullInt64:
			fields[c.Name] = h.Int64
		case *sql.NullString:
			fields[c.Name] = h.String
		}
	}
	return Row{ID: id, Fields: fields, CreatedAt: fromNanos(createdAt)}, nil
}

func translateSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

func (s *SQLiteBackend) Get(ctx context.Context, table string, pk int64) (*Row, error) {
	t, err := s.tables.lookup(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectColumns(t), t.Name)
	row, err := scanRow(t, s.db.QueryRowContext(ctx, query, pk))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get %s row: %w", t.Name, err)
	}
	return &row, nil
}

func (s *SQLiteBackend) Filter(ctx context.Context, table string, q Query) ([]Row, error) {
	t, err := s.tables.lookup(table)
	if err != nil {
		return nil, err
	}
	where, err := t.normalize(q.Where, false)
	if err != nil {
		return nil, err
	}

	var clauses []string
	var args []any
	for _, name := range sortedKeys(where) {
		clauses = append(clauses, name+" = ?")
		args = append(args, where[name])
	}
	whereSQL := ""
	if len(clauses) > 0 {
		whereSQL = " WHERE " + strings.Join(clauses, " AND ")
	}

	cols := selectColumns(t)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at ASC, id ASC", cols, t.Name, whereSQL)
	if q.Limit > 0 {
		// Newest N, returned oldest first.
		query = fmt.Sprintf(
			"SELECT %s FROM (SELECT %s FROM %s%s ORDER BY created_at DESC, id DESC LIMIT ?) ORDER BY created_at ASC, id ASC",
			cols, cols, t.Name, whereSQL,
		)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(t, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", t.Name, err)
	}
	return out, nil
}

func (s *SQLiteBackend) Insert(ctx context.Context, table string, fields Fields) (Row, error) {
	t, err := s.tables.lookup(table)
	if err != nil {
		return Row{}, err
	}
	values, err := t.normalize(fields, true)
	if err != nil {
		return Row{}, err
	}

	names := make([]string, 0, len(t.Columns)+1)
	args := make([]any, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		names = append(names, c.Name)
		args = append(args, values[c.Name])
	}
	createdAt := s.clock.next()
	names = append(names, "created_at")
	args = append(args, createdAt)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(names, ", "), placeholders)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Row{}, fmt.Errorf("failed to execute %s insert: %w", t.Name, translateSQLiteError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Row{}, fmt.Errorf("failed to read %s insert id: %w", t.Name, err)
	}
	return Row{ID: id, Fields: values, CreatedAt: fromNanos(createdAt)}, nil
}

func (s *SQLiteBackend) Update(ctx context.Context, table string, pk int64, fields Fields) error {
	t, err := s.tables.lookup(table)
	if err != nil {
		return err
	}
	values, err := t.normalize(fields, false)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, name := range sortedKeys(values) {
		sets = append(sets, name+" = ?")
		args = append(args, values[name])
	}
	args = append(args, pk)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.Name, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to execute %s update: %w", t.Name, translateSQLiteError(err))
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, table string, pk int64) error {
	t, err := s.tables.lookup(table)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.Name), pk); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", t.Name, err)
	}
	return nil
}
