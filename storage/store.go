// Package storage is the durable record of products, price observations, user
// settings and the alerts audit trail, backed by SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a product row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Options tune a Store.
type Options struct {
	// Settings returned for users without a user_settings row.
	DefaultBigDiscountThresholdPct float64
	DefaultNotificationsEnabled    bool

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.DefaultBigDiscountThresholdPct <= 0 {
		o.DefaultBigDiscountThresholdPct = 40
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is safe for concurrent use.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, opts Options) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return newStore(db, opts)
}

// OpenMemory opens a private in-memory database. Every connection to
// ":memory:" is a separate database, so the pool is pinned to one connection.
func OpenMemory(opts Options) (*Store, error) {
	db, err := openDB(":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return newStore(db, opts)
}

func newStore(db *sql.DB, opts Options) (*Store, error) {
	opts.defaults()
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &Store{db: db, opts: opts}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertProduct inserts p or, when it already exists, refreshes its URL and
// reactivates it. Owners in p.OwnerUserIDs are added; existing owners are kept.
func (s *Store) UpsertProduct(ctx context.Context, p models.Product) error {
	if p.ID == "" {
		return fmt.Errorf("storage: product id is required")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.opts.Now()
	}

	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO products (id, url, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	url = CASE WHEN excluded.url <> '' THEN excluded.url ELSE products.url END,
	active = 1,
	not_found_count = 0`,
			p.ID, p.URL, toNanos(createdAt))
		if err != nil {
			return fmt.Errorf("storage: upsert product %s: %w", p.ID, err)
		}
		for _, userID := range p.OwnerUserIDs {
			if err := addOwner(ctx, tx, p.ID, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddOwner attaches userID to an existing product.
func (s *Store) AddOwner(ctx context.Context, productID, userID string) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, productID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: lookup product %s: %w", productID, err)
		}
		return addOwner(ctx, tx, productID, userID)
	})
}

func addOwner(ctx context.Context, tx *sql.Tx, productID, userID string) error {
	if userID == "" {
		return fmt.Errorf("storage: user id is required")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO product_owners (product_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		productID, userID)
	if err != nil {
		return fmt.Errorf("storage: add owner %s to %s: %w", userID, productID, err)
	}
	return nil
}

// RemoveOwner detaches userID from the product. A product left without owners
// is deleted together with its history; removed reports whether that happened.
func (s *Store) RemoveOwner(ctx context.Context, productID, userID string) (removed bool, err error) {
	err = runTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM product_owners WHERE product_id = ? AND user_id = ?`, productID, userID)
		if err != nil {
			return fmt.Errorf("storage: remove owner: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM product_owners WHERE product_id = ?`, productID).Scan(&remaining); err != nil {
			return fmt.Errorf("storage: count owners: %w", err)
		}
		if remaining > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, productID); err != nil {
			return fmt.Errorf("storage: delete product %s: %w", productID, err)
		}
		removed = true
		return nil
	})
	return removed, err
}

const productColumns = `id, url, created_at, last_checked_at, last_known_price, last_known_available, active, not_found_count`

// GetProduct returns one product with its owners.
func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, error) {
	products, err := s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if err != nil {
		return models.Product{}, err
	}
	if len(products) == 0 {
		return models.Product{}, ErrNotFound
	}
	return products[0], nil
}

// TrackedProducts returns the distinct active products that have at least one
// owner, each carrying all of its owners.
func (s *Store) TrackedProducts(ctx context.Context) ([]models.Product, error) {
	return s.queryProducts(ctx, `
SELECT `+productColumns+` FROM products p
WHERE p.active = 1 AND EXISTS (SELECT 1 FROM product_owners o WHERE o.product_id = p.id)
ORDER BY p.id`)
}

// ListProductsForUser returns the products userID owns, active or not.
func (s *Store) ListProductsForUser(ctx context.Context, userID string) ([]models.Product, error) {
	return s.queryProducts(ctx, `
SELECT `+productColumns+` FROM products p
WHERE EXISTS (SELECT 1 FROM product_owners o WHERE o.product_id = p.id AND o.user_id = ?)
ORDER BY p.created_at, p.id`, userID)
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query products: %w", err)
	}

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("storage: iterate products: %w", err)
	}
	rows.Close()

	if len(products) == 0 {
		return products, nil
	}
	owners, err := s.owners(ctx)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].OwnerUserIDs = owners[products[i].ID]
	}
	return products, nil
}

// owners is read after the product rows are closed: the in-memory store has a
// single connection.
func (s *Store) owners(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, user_id FROM product_owners ORDER BY product_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[string][]string)
	for rows.Next() {
		var productID, userID string
		if err := rows.Scan(&productID, &userID); err != nil {
			return nil, fmt.Errorf("storage: scan owner: %w", err)
		}
		owners[productID] = append(owners[productID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate owners: %w", err)
	}
	return owners, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (models.Product, error) {
	var (
		p         models.Product
		createdAt int64
		checkedAt sql.NullInt64
		price     decimal.NullDecimal
		available sql.NullBool
	)
	if err := row.Scan(&p.ID, &p.URL, &createdAt, &checkedAt, &price, &available, &p.Active, &p.NotFoundCount); err != nil {
		return models.Product{}, fmt.Errorf("storage: scan product: %w", err)
	}
	p.CreatedAt = fromNanos(createdAt)
	if checkedAt.Valid {
		t := fromNanos(checkedAt.Int64)
		p.LastCheckedAt = &t
	}
	if price.Valid {
		d := price.Decimal
		p.LastKnownPrice = &d
	}
	if available.Valid {
		b := available.Bool
		p.LastKnownAvailability = &b
	}
	return p, nil
}

// AppendObservation appends obs to the history and updates the product's
// last-checked fields in one transaction. A successful observation also clears
// the not-found counter.
func (s *Store) AppendObservation(ctx context.Context, obs models.PriceObservation) error {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = s.opts.Now()
	}
	if obs.Source == "" {
		obs.Source = models.SourceLive
	}

	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		var lastPrice any
		if obs.Available && obs.Price.IsPositive() {
			lastPrice = obs.Price.String()
		}
		res, err := tx.ExecContext(ctx, `
UPDATE products SET
	last_checked_at = ?,
	last_known_price = COALESCE(?, last_known_price),
	last_known_available = ?,
	not_found_count = 0
WHERE id = ?`,
			toNanos(obs.ObservedAt), lastPrice, obs.Available, obs.ProductID)
		if err != nil {
			return fmt.Errorf("storage: update product %s: %w", obs.ProductID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO price_history (product_id, price, available, observed_at, source) VALUES (?, ?, ?, ?, ?)`,
			obs.ProductID, obs.Price.String(), obs.Available, toNanos(obs.ObservedAt), string(obs.Source))
		if err != nil {
			return fmt.Errorf("storage: insert observation %s: %w", obs.ProductID, err)
		}
		return nil
	})
}

// GetHistory returns the product's observations from the last sinceDays days,
// oldest first. sinceDays <= 0 returns the whole history.
func (s *Store) GetHistory(ctx context.Context, productID string, sinceDays int) ([]models.PriceObservation, error) {
	var cutoff int64
	if sinceDays > 0 {
		cutoff = toNanos(s.opts.Now().AddDate(0, 0, -sinceDays))
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT product_id, price, available, observed_at, source FROM price_history
WHERE product_id = ? AND observed_at >= ?
ORDER BY observed_at, id`, productID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: query history %s: %w", productID, err)
	}
	defer rows.Close()

	var history []models.PriceObservation
	for rows.Next() {
		var (
			obs        models.PriceObservation
			observedAt int64
			source     string
		)
		if err := rows.Scan(&obs.ProductID, &obs.Price, &obs.Available, &observedAt, &source); err != nil {
			return nil, fmt.Errorf("storage: scan observation: %w", err)
		}
		obs.ObservedAt = fromNanos(observedAt)
		obs.Source = models.Source(source)
		history = append(history, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate history: %w", err)
	}
	return history, nil
}

// RecordNotFound bumps the product's not-found counter and returns the new value.
func (s *Store) RecordNotFound(ctx context.Context, productID string, checkedAt time.Time) (int, error) {
	var count int
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
UPDATE products SET not_found_count = not_found_count + 1, last_checked_at = ?
WHERE id = ? RETURNING not_found_count`, toNanos(checkedAt), productID).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: record not found %s: %w", productID, err)
		}
		return nil
	})
	return count, err
}

// MarkInactive excludes a product from future sweeps.
func (s *Store) MarkInactive(ctx context.Context, productID string) error {
	res, err := execRetry(ctx, s.db, `UPDATE products SET active = 0 WHERE id = ?`, productID)
	if err != nil {
		return fmt.Errorf("storage: mark inactive %s: %w", productID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserSettings returns the stored settings for userID, or the defaults.
func (s *Store) UserSettings(ctx context.Context, userID string) (models.UserSettings, error) {
	settings := models.UserSettings{
		UserID:                  userID,
		BigDiscountThresholdPct: s.opts.DefaultBigDiscountThresholdPct,
		NotificationsEnabled:    s.opts.DefaultNotificationsEnabled,
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT big_discount_threshold_pct, notifications_enabled FROM user_settings WHERE user_id = ?`, userID).
		Scan(&settings.BigDiscountThresholdPct, &settings.NotificationsEnabled)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.UserSettings{}, fmt.Errorf("storage: user settings %s: %w", userID, err)
	}
	return settings, nil
}

// UpsertUserSettings stores us.
func (s *Store) UpsertUserSettings(ctx context.Context, us models.UserSettings) error {
	if us.UserID == "" {
		return fmt.Errorf("storage: user id is required")
	}
	if us.BigDiscountThresholdPct <= 0 || us.BigDiscountThresholdPct > 100 {
		return fmt.Errorf("storage: big discount threshold must be in (0, 100], got %v", us.BigDiscountThresholdPct)
	}
	_, err := execRetry(ctx, s.db, `
INSERT INTO user_settings (user_id, big_discount_threshold_pct, notifications_enabled) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	big_discount_threshold_pct = excluded.big_discount_threshold_pct,
	notifications_enabled = excluded.notifications_enabled`,
		us.UserID, us.BigDiscountThresholdPct, us.NotificationsEnabled)
	if err != nil {
		return fmt.Errorf("storage: upsert user settings %s: %w", us.UserID, err)
	}
	return nil
}

// LogAlert appends a to the audit trail.
func (s *Store) LogAlert(ctx context.Context, a models.Alert) error {
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = s.opts.Now()
	}
	_, err := execRetry(ctx, s.db, `
INSERT INTO alerts_log (product_id, user_id, kind, previous_price, new_price, discount_pct, triggered_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ProductID, a.UserID, string(a.Kind), a.PreviousPrice.String(), a.NewPrice.String(),
		a.DiscountPct.String(), toNanos(a.TriggeredAt))
	if err != nil {
		return fmt.Errorf("storage: log alert %s/%s: %w", a.ProductID, a.UserID, err)
	}
	return nil
}

// RecentAlerts returns alerts of kind logged in the last days days, newest
// first. An empty kind matches every kind.
func (s *Store) RecentAlerts(ctx context.Context, kind models.AlertKind, days int) ([]models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	if days > 0 {
		where = append(where, "triggered_at >= ?")
		args = append(args, toNanos(s.opts.Now().AddDate(0, 0, -days)))
	}
	query := `SELECT product_id, user_id, kind, previous_price, new_price, discount_pct, triggered_at FROM alerts_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a           models.Alert
			kindText    string
			triggeredAt int64
		)
		if err := rows.Scan(&a.ProductID, &a.UserID, &kindText, &a.PreviousPrice, &a.NewPrice, &a.DiscountPct, &triggeredAt); err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		a.Kind = models.AlertKind(kindText)
		a.TriggeredAt = fromNanos(triggeredAt)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate alerts: %w", err)
	}
	return alerts, nil
}

// Prune deletes observations older than olderThan and returns how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := execRetry(ctx, s.db, `DELETE FROM price_history WHERE observed_at < ?`, toNanos(olderThan))
	if err != nil {
		return 0, fmt.Errorf("storage: prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
