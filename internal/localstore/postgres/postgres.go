package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS terminal_cached_products (
		outlet_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		barcode TEXT,
		category TEXT NOT NULL DEFAULT '',
		unit_price BIGINT NOT NULL DEFAULT 0,
		cost_price BIGINT NOT NULL DEFAULT 0,
		tax_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity_on_hand INTEGER NOT NULL DEFAULT 0,
		reorder_level INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT true,
		updated_at TIMESTAMPTZ,
		PRIMARY KEY (outlet_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS terminal_offline_transactions (
		seq BIGSERIAL PRIMARY KEY,
		offline_id TEXT NOT NULL UNIQUE,
		outlet_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		server_transaction_id TEXT,
		request JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS terminal_held_sales (
		outlet_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (outlet_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS terminal_sync_meta (
		outlet_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (outlet_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS terminal_staff_accounts (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outlet_id, name, sku, COALESCE(barcode, ''), category, unit_price, cost_price, tax_rate,
			quantity_on_hand, reorder_level, is_active, updated_at
		FROM terminal_cached_products
		WHERE outlet_id = $1 AND ($2 = false OR is_active = true)
	`, outletID, filter.ActiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.CachedProduct, 0, 128)
	for rows.Next() {
		var (
			p         domain.CachedProduct
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.OutletID, &p.Name, &p.SKU, &p.Barcode, &p.Category, &p.UnitPrice, &p.CostPrice,
			&p.TaxRate, &p.QuantityOnHand, &p.ReorderLevel, &p.IsActive, &updatedAt); err != nil {
			return nil, err
		}
		if updatedAt.Valid {
			p.UpdatedAt = updatedAt.Time.UTC()
		}
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

	for _, p := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO terminal_cached_products (
				outlet_id, id, name, sku, barcode, category, unit_price, cost_price, tax_rate,
				quantity_on_hand, reorder_level, is_active, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (outlet_id, id)
			DO UPDATE SET
				name = EXCLUDED.name,
				sku = EXCLUDED.sku,
				barcode = EXCLUDED.barcode,
				category = EXCLUDED.category,
				unit_price = EXCLUDED.unit_price,
				cost_price = EXCLUDED.cost_price,
				tax_rate = EXCLUDED.tax_rate,
				quantity_on_hand = EXCLUDED.quantity_on_hand,
				reorder_level = EXCLUDED.reorder_level,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at
		`, outletID, p.ID, p.Name, p.SKU, nullIfEmpty(p.Barcode), p.Category, p.UnitPrice, p.CostPrice, p.TaxRate,
			p.QuantityOnHand, p.ReorderLevel, p.IsActive, nullTime(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) RemoveProduct(ctx context.Context, outletID string, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM terminal_cached_products WHERE outlet_id = $1 AND id = $2`, outletID, id)
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
		INSERT INTO terminal_offline_transactions (
			offline_id, outlet_id, status, attempts, last_error, server_transaction_id, request, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, tx.OfflineID, tx.Request.OutletID, string(tx.Status), tx.Attempts, nullIfEmpty(tx.LastError),
		nullIfEmpty(tx.ServerTransactionID), string(payload), tx.CreatedAt, tx.UpdatedAt)
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
		SELECT seq, offline_id, outlet_id, status, attempts, COALESCE(last_error, ''), COALESCE(server_transaction_id, ''),
			request, created_at, updated_at
		FROM terminal_offline_transactions
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.QueuedTransaction, 0, 16)
	for rows.Next() {
		var (
			tx               domain.QueuedTransaction
			outletID, status string
			request          []byte
		)
		if err := rows.Scan(&tx.Seq, &tx.OfflineID, &outletID, &status, &tx.Attempts, &tx.LastError, &tx.ServerTransactionID,
			&request, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		tx.Status = domain.QueueStatus(status)
		if err := json.Unmarshal(request, &tx.Request); err != nil {
			tx = localstore.UnreadableQueued(tx, outletID, err)
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		tx.UpdatedAt = tx.UpdatedAt.UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateQueuedTransaction(ctx context.Context, tx domain.QueuedTransaction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE terminal_offline_transactions
		SET status = $2, attempts = $3, last_error = $4, server_transaction_id = $5, updated_at = now()
		WHERE offline_id = $1
	`, tx.OfflineID, string(tx.Status), tx.Attempts, nullIfEmpty(tx.LastError), nullIfEmpty(tx.ServerTransactionID))
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) RemoveQueuedTransaction(ctx context.Context, offlineID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM terminal_offline_transactions WHERE offline_id = $1`, offlineID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) GetHeldSales(ctx context.Context, outletID string) ([]domain.HeldSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM terminal_held_sales WHERE outlet_id = $1 ORDER BY position ASC
	`, outletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.HeldSale, 0, 16)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var held domain.HeldSale
		if err := json.Unmarshal(payload, &held); err != nil {
			return nil, fmt.Errorf("decode held sale: %w", err)
		}
		result = append(result, held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SetHeldSales(ctx context.Context, outletID string, list []domain.HeldSale) error {
	if outletID == "" {
		return localstore.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM terminal_held_sales WHERE outlet_id = $1`, outletID); err != nil {
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
			INSERT INTO terminal_held_sales (outlet_id, id, position, payload) VALUES ($1,$2,$3,$4)
		`, outletID, held.ID, i, string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetMeta(ctx context.Context, outletID string, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM terminal_sync_meta WHERE outlet_id = $1 AND key = $2
	`, outletID, key).Scan(&value)
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
		INSERT INTO terminal_sync_meta (outlet_id, key, value, updated_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (outlet_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, outletID, key, value)
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
		INSERT INTO terminal_staff_accounts (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
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
		SELECT username, password, role, active, created_at
		FROM terminal_staff_accounts
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.StaffAccount, 0, 16)
	for rows.Next() {
		var user domain.StaffAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
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

	res, err := s.db.ExecContext(ctx, `
		UPDATE terminal_staff_accounts SET password = $2 WHERE username = $1
	`, username, password)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val.UTC()
}
