package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName    = "sqlite"
	busyTimeoutMS = 10_000
	maxTxAttempts = 3
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id                   TEXT PRIMARY KEY,
	url                  TEXT NOT NULL,
	created_at           INTEGER NOT NULL,
	last_checked_at      INTEGER,
	last_known_price     TEXT,
	last_known_available INTEGER,
	active               INTEGER NOT NULL DEFAULT 1,
	not_found_count      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS product_owners (
	product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (product_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_product_owners_user ON product_owners(user_id);

CREATE TABLE IF NOT EXISTS price_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id  TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	price       TEXT NOT NULL,
	available   INTEGER NOT NULL,
	observed_at INTEGER NOT NULL,
	source      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history(product_id, observed_at);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id                    TEXT PRIMARY KEY,
	big_discount_threshold_pct REAL NOT NULL,
	notifications_enabled      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id     TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	previous_price TEXT NOT NULL,
	new_price      TEXT NOT NULL,
	discount_pct   TEXT NOT NULL,
	triggered_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_log_kind ON alerts_log(kind, triggered_at);
`

// dsn appends the connection pragmas as _pragma parameters so the driver
// applies them to every pooled connection, not only the first one.
func dsn(path string) string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
		"foreign_keys(1)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
	}
	q := make(url.Values)
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return db, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// runTx runs fn in a transaction, retrying on SQLITE_BUSY with a short linear backoff.
func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, func() error {
		return runOnce(ctx, db, fn)
	})
}

// execRetry runs a single statement with the same busy retry as runTx.
func execRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func retryBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt == maxTxAttempts {
			return err
		}

		timer := time.NewTimer(time.Duration(100*attempt) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("storage: retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}
