package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cached_products (
		outlet_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		barcode TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		unit_price INTEGER NOT NULL DEFAULT 0,
		cost_price INTEGER NOT NULL DEFAULT 0,
		tax_rate REAL NOT NULL DEFAULT 0,
		quantity_on_hand INTEGER NOT NULL DEFAULT 0,
		reorder_level INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at_ns INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (outlet_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS offline_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		offline_id TEXT NOT NULL UNIQUE,
		outlet_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		server_transaction_id TEXT NOT NULL DEFAULT '',
		request TEXT NOT NULL,
		created_at_ns INTEGER NOT NULL,
		updated_at_ns INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_transactions_outlet ON offline_transactions (outlet_id, status)`,
	`CREATE TABLE IF NOT EXISTS held_sales (
		outlet_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (outlet_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_meta (
		outlet_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at_ns INTEGER NOT NULL,
		PRIMARY KEY (outlet_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS staff_accounts (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at_ns INTEGER NOT NULL
	)`,
}

type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the terminal database at path. A single
// connection serializes writers so a sale never races a catalog upsert for the
// file lock.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetCachedProducts(ctx context.Context, outletID string, filter localstore.ProductFilter) ([]domain.CachedProduct, error) {
	query := `
		SELECT id, outlet_id, name, sku, barcode, category, unit_price, cost_price, tax_rate,
			quantity_on_hand, reorder_level, is_active, updated_at_ns
		FROM cached_products
		WHERE outlet_id = ?`
	args := []any{outletID}
	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.CachedProduct, 0, 128)
	for rows.Next() {
		var (
			p         domain.CachedProduct
			active    int
			updatedNS int64
		)
		if err := rows.Scan(&p.ID, &p.OutletID, &p.Name, &p.SKU, &p.Barcode, &p.Category, &p.UnitPrice, &p.CostPrice,
			&p.TaxRate, &p.QuantityOnHand, &p.ReorderLevel, &active, &updatedNS); err != nil {
			return nil, err
		}
		p.IsActive = active == 1
		p.UpdatedAt = fromNanos(updatedNS)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return filter.Apply(products), nil
}

func (s *Store) StoreProducts(ctx context.Context, outletID string, items []domain.CachedProduct) error {
	if outletID == "" {
		return localstore.ErrInvalid
	}
	for _, item := range items {
		if item.ID == "" {
			return localstore.ErrInvalid
		}
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_products (
			outlet_id, id, name, sku, barcode, category, unit_price, cost_price, tax_rate,
			quantity_on_hand, reorder_level, is_active, updated_at_ns
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (outlet_id, id) DO UPDATE SET
			name = excluded.name,
			sku = excluded.sku,
			barcode = excluded.barcode,
			category = excluded.category,
			unit_price = excluded.unit_price,
			cost_price = excluded.cost_price,
			tax_rate = excluded.tax_rate,
			quantity_on_hand = excluded.quantity_on_hand,
			reorder_level = excluded.reorder_level,
			is_active = excluded.is_active,
			updated_at_ns = excluded.updated_at_ns
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range items {
		if _, err := stmt.ExecContext(ctx, outletID, p.ID, p.Name, p.SKU, p.Barcode, p.Category, p.UnitPrice, p.CostPrice,
			p.TaxRate, p.QuantityOnHand, p.ReorderLevel, boolInt(p.IsActive), toNanos(p.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) RemoveProduct(ctx context.Context, outletID string, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_products WHERE outlet_id = ? AND id = ?`, outletID, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) EnqueueTransaction(ctx context.Context, tx domain.QueuedTransaction) error {
	if tx.OfflineID == "" || tx.Request.OutletID == "" {
		return localstore.ErrInvalid
	}
	payload, err := json.Marshal(tx.Request)
	if err != nil {
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_transactions (
			offline_id, outlet_id, status, attempts, last_error, server_transaction_id, request, created_at_ns, updated_at_ns
		) VALUES (?,?,?,?,?,?,?,?,?)
	`, tx.OfflineID, tx.Request.OutletID, string(tx.Status), tx.Attempts, tx.LastError, tx.ServerTransactionID,
		string(payload), toNanos(tx.CreatedAt), toNanos(tx.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return localstore.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListQueuedTransactions(ctx context.Context) ([]domain.QueuedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, offline_id, outlet_id, status, attempts, last_error, server_transaction_id, request, created_at_ns, updated_at_ns
		FROM offline_transactions
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.QueuedTransaction, 0, 16)
	for rows.Next() {
		var (
			tx                       domain.QueuedTransaction
			outletID, status, request string
			createdNS, updatedNS     int64
		)
		if err := rows.Scan(&tx.Seq, &tx.OfflineID, &outletID, &status, &tx.Attempts, &tx.LastError, &tx.ServerTransactionID,
			&request, &createdNS, &updatedNS); err != nil {
			return nil, err
		}
		tx.Status = domain.QueueStatus(status)
		if err := json.Unmarshal([]byte(request), &tx.Request); err != nil {
			tx = localstore.UnreadableQueued(tx, outletID, err)
		}
		tx.CreatedAt = fromNanos(createdNS)
		tx.UpdatedAt = fromNanos(updatedNS)
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateQueuedTransaction(ctx context.Context, tx domain.QueuedTransaction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_transactions
		SET status = ?, attempts = ?, last_error = ?, server_transaction_id = ?, updated_at_ns = ?
		WHERE offline_id = ?
	`, string(tx.Status), tx.Attempts, tx.LastError, tx.ServerTransactionID, toNanos(time.Now().UTC()), tx.OfflineID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) RemoveQueuedTransaction(ctx context.Context, offlineID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_transactions WHERE offline_id = ?`, offlineID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) GetHeldSales(ctx context.Context, outletID string) ([]domain.HeldSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM held_sales WHERE outlet_id = ? ORDER BY position ASC
	`, outletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.HeldSale, 0, 16)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var held domain.HeldSale
		if err := json.Unmarshal([]byte(payload), &held); err != nil {
			return nil, fmt.Errorf("decode held sale: %w", err)
		}
		result = append(result, held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetHeldSales replaces the outlet's list in one transaction so a crash never
// leaves half of it on disk.
func (s *Store) SetHeldSales(ctx context.Context, outletID string, list []domain.HeldSale) error {
	if outletID == "" {
		return localstore.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM held_sales WHERE outlet_id = ?`, outletID); err != nil {
		return err
	}
	for i, held := range list {
		if held.ID == "" {
			return localstore.ErrInvalid
		}
		held.OutletID = outletID
		payload, err := json.Marshal(held)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO held_sales (outlet_id, id, position, payload) VALUES (?,?,?,?)
		`, outletID, held.ID, i, string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetMeta(ctx context.Context, outletID string, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE outlet_id = ? AND key = ?`, outletID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", localstore.ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *Store) SetMeta(ctx context.Context, outletID string, key string, value string) error {
	if outletID == "" || key == "" {
		return localstore.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (outlet_id, key, value, updated_at_ns) VALUES (?,?,?,?)
		ON CONFLICT (outlet_id, key) DO UPDATE SET value = excluded.value, updated_at_ns = excluded.updated_at_ns
	`, outletID, key, value, toNanos(time.Now().UTC()))
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.StaffAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return localstore.ErrInvalid
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_accounts (username, password, role, active, created_at_ns) VALUES (?,?,?,?,?)
	`, username, user.Password, user.Role, boolInt(user.Active), toNanos(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return localstore.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.StaffAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at_ns FROM staff_accounts ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.StaffAccount, 0, 16)
	for rows.Next() {
		var (
			user      domain.StaffAccount
			active    int
			createdNS int64
		)
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &active, &createdNS); err != nil {
			return nil, err
		}
		user.Active = active == 1
		user.CreatedAt = fromNanos(createdNS)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return localstore.ErrInvalid
	}
	res, err := s.db.ExecContext(ctx, `UPDATE staff_accounts SET password = ? WHERE username = ?`, password, username)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return localstore.ErrNotFound
	}
	return nil
}

// isUniqueViolation matches SQLite's constraint message; the driver's extended
// result codes are not exported in a stable form.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
