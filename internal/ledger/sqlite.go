package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

const deliveriesSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	unit_id      TEXT NOT NULL,
	scope        TEXT NOT NULL,
	delivered_at TEXT NOT NULL,
	PRIMARY KEY (unit_id, scope)
)`

// sqliteLedger stores keys in a single table. Inserts use INSERT OR IGNORE
// so a duplicate record is a no-op rather than an error.
type sqliteLedger struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

func openSQLite(ctx context.Context, path string, readOnly bool) (Ledger, error) {
	if readOnly {
		return openSQLiteReadOnly(ctx, path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %w", ErrLedgerIO, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %w", ErrLedgerIO, pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, deliveriesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %w", ErrLedgerIO, err)
	}

	return &sqliteLedger{db: db, path: path, now: time.Now}, nil
}

// openSQLiteReadOnly opens an existing database with mode=ro and leaves
// the schema alone. A database that was never created reads as empty.
func openSQLiteReadOnly(ctx context.Context, path string) (Ledger, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrLedgerIO, path, err)
	}
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		return emptyLedger{path: path}, nil
	}

	dsn := (&url.URL{Scheme: "file", Path: abs, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %w", ErrLedgerIO, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: open %s read-only: %w", ErrLedgerIO, path, err)
	}
	return &sqliteLedger{db: db, path: path, now: time.Now}, nil
}

// emptyLedger stands in for a read-only ledger whose file does not exist.
type emptyLedger struct {
	path string
}

func (emptyLedger) HasDelivered(context.Context, Key) (bool, error) { return false, nil }

func (l emptyLedger) RecordDelivered(context.Context, Key) error {
	return fmt.Errorf("%w: %s opened read-only", ErrLedgerIO, l.path)
}

func (emptyLedger) Keys(context.Context) ([]Key, error) { return nil, nil }

func (emptyLedger) Close() error { return nil }

func (l *sqliteLedger) HasDelivered(ctx context.Context, key Key) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM deliveries WHERE unit_id = ? AND scope = ?`,
		key.UnitID, string(key.Scope),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: query %s: %w", ErrLedgerIO, key, err)
	}
	return n > 0, nil
}

func (l *sqliteLedger) RecordDelivered(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerIO, err)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (unit_id, scope, delivered_at) VALUES (?, ?, ?)`,
		key.UnitID, string(key.Scope), l.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %w", ErrLedgerIO, key, err)
	}
	return nil
}

func (l *sqliteLedger) Keys(ctx context.Context) ([]Key, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT unit_id, scope FROM deliveries ORDER BY delivered_at, unit_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list deliveries: %w", ErrLedgerIO, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var id, scope string
		if err := rows.Scan(&id, &scope); err != nil {
			return nil, fmt.Errorf("%w: scan delivery: %w", ErrLedgerIO, err)
		}
		keys = append(keys, Key{UnitID: id, Scope: unit.Scope(scope)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list deliveries: %w", ErrLedgerIO, err)
	}
	return keys, nil
}

func (l *sqliteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
