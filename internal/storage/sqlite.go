package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStoreConfig holds tuning parameters for the SQLite store.
type SQLiteStoreConfig struct {
	ProductPageSize int // 0 = default (50)
}

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db              *sql.DB
	productPageSize int
}

// NewSQLiteStore opens (or creates) a SQLite database at path with WAL mode enabled.
func NewSQLiteStore(path string, cfgs ...SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: every settlement transaction is serialized by SQLite
	// itself, and the driver avoids "database is locked" under contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pageSize := 50
	if len(cfgs) > 0 && cfgs[0].ProductPageSize > 0 {
		pageSize = cfgs[0].ProductPageSize
	}

	s := &SQLiteStore{db: db, productPageSize: pageSize}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Additive migrations for existing databases.
	for _, m := range []string{
		`ALTER TABLE agents ADD COLUMN credential_prefix TEXT NOT NULL DEFAULT ''`,
	} {
		_, _ = s.db.Exec(m) // Ignore "duplicate column" errors.
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    key_type TEXT NOT NULL DEFAULT 'hmac',
    wrapped_key BLOB NOT NULL,
    credential BLOB NOT NULL,
    credential_prefix TEXT NOT NULL DEFAULT '',
    scopes TEXT NOT NULL DEFAULT '[]',
    can_refund INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    status TEXT NOT NULL DEFAULT 'pending',
    payment_method TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT 'USD',
    total INTEGER NOT NULL DEFAULT 0,
    refunded INTEGER NOT NULL DEFAULT 0,
    paid INTEGER NOT NULL DEFAULT 0,
    transaction_id TEXT NOT NULL DEFAULT '',
    completed_by TEXT NOT NULL DEFAULT '',
    completed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS refunds (
    id TEXT PRIMARY KEY,
    order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    refund_key TEXT NOT NULL,
    amount INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (order_id, refund_key)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    kind TEXT NOT NULL,
    order_id INTEGER NOT NULL,
    idem_key TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (kind, order_id, idem_key)
);

CREATE TABLE IF NOT EXISTS order_notes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    note TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
    nonce_key TEXT PRIMARY KEY,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    sku TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    price INTEGER NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'USD',
    stock_status TEXT NOT NULL DEFAULT 'instock',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    order_id INTEGER NOT NULL DEFAULT 0,
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refunds_order ON refunds(order_id);
CREATE INDEX IF NOT EXISTS idx_notes_order ON order_notes(order_id, id);
CREATE INDEX IF NOT EXISTS idx_nonces_expiry ON nonces(expires_at);
`

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY conflict.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	scopes, err := json.Marshal(nonNil(a.Scopes))
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, key_type, wrapped_key, credential, credential_prefix, scopes, can_refund, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.KeyType, a.WrappedKey, a.Credential, a.CredentialPrefix, string(scopes),
		boolToInt(a.CanRefund), boolToInt(a.Active), now.Unix(), now.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err == nil {
		a.CreatedAt, a.UpdatedAt = time.Unix(now.Unix(), 0), time.Unix(now.Unix(), 0)
	}
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key_type, wrapped_key, credential, credential_prefix, scopes, can_refund, active, created_at, updated_at
		 FROM agents WHERE id=?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *Agent) error {
	scopes, err := json.Marshal(nonNil(a.Scopes))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET key_type=?, wrapped_key=?, credential=?, credential_prefix=?, scopes=?, can_refund=?, active=?, updated_at=?
		 WHERE id=?`,
		a.KeyType, a.WrappedKey, a.Credential, a.CredentialPrefix, string(scopes),
		boolToInt(a.CanRefund), boolToInt(a.Active), time.Now().Unix(), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_type, wrapped_key, credential, credential_prefix, scopes, can_refund, active, created_at, updated_at
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var scopes string
	var canRefund, active int
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.KeyType, &a.WrappedKey, &a.Credential, &a.CredentialPrefix, &scopes,
		&canRefund, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &a.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes for agent %s: %w", a.ID, err)
	}
	a.CanRefund = canRefund == 1
	a.Active = active == 1
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// --- Orders ---

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *Order) error {
	now := time.Now().Unix()
	if o.Status == "" {
		o.Status = "pending"
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	// A zero ID lets SQLite assign one.
	var id any
	if o.ID > 0 {
		id = o.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, status, payment_method, currency, total, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, o.Status, o.PaymentMethod, o.Currency, o.Total, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = newID
	o.CreatedAt, o.UpdatedAt = time.Unix(now, 0), time.Unix(now, 0)
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, payment_method, currency, total, refunded, paid, transaction_id, completed_by, completed_at, created_at, updated_at
		 FROM orders WHERE id=?`, id)

	o := &Order{}
	var paid int
	var completedAt *int64
	var createdAt, updatedAt int64
	err := row.Scan(&o.ID, &o.Status, &o.PaymentMethod, &o.Currency, &o.Total, &o.Refunded, &paid,
		&o.TransactionID, &o.CompletedBy, &completedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.Paid = paid == 1
	if completedAt != nil {
		ca := time.Unix(*completedAt, 0)
		o.CompletedAt = &ca
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	return o, nil
}

// CompletePayment marks the order paid and writes the completion marker,
// idempotency record, and audit note in one transaction. The UPDATE only
// matches orders without a completion marker, so a second writer that raced
// past any in-process lock gets ErrAlreadyCompleted.
func (s *SQLiteStore) CompletePayment(ctx context.Context, pc *PaymentCompletion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	at := pc.At.Unix()
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET paid=1, status=?, transaction_id=?, completed_by=?, completed_at=?, updated_at=?
		 WHERE id=? AND completed_at IS NULL`,
		pc.Status, pc.TransactionID, pc.AgentID, at, at, pc.OrderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id=?`, pc.OrderID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (kind, order_id, idem_key, agent_id, created_at) VALUES ('payment_complete', ?, ?, ?, ?)`,
		pc.OrderID, pc.TransactionID, pc.AgentID, at); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyCompleted
		}
		return err
	}

	if pc.Note != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_notes (order_id, note, created_at) VALUES (?, ?, ?)`,
			pc.OrderID, pc.Note, at); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateRefund inserts the refund, its idempotency record, and audit note,
// and bumps the order's refunded total, all in one transaction. The
// remaining-amount check is repeated inside the transaction.
func (s *SQLiteStore) CreateRefund(ctx context.Context, r *Refund) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var total, refunded int64
	err = tx.QueryRowContext(ctx, `SELECT total, refunded FROM orders WHERE id=?`, r.OrderID).Scan(&total, &refunded)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if r.Amount > total-refunded {
		return ErrExceedsRemaining
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	at := r.CreatedAt.Unix()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refunds (id, order_id, refund_key, amount, reason, agent_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrderID, r.RefundKey, r.Amount, r.Reason, r.AgentID, at); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (kind, order_id, idem_key, agent_id, created_at) VALUES ('refund', ?, ?, ?, ?)`,
		r.OrderID, r.RefundKey, r.AgentID, at); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET refunded = refunded + ?,
		   status = CASE WHEN refunded + ? >= total THEN 'refunded' ELSE status END,
		   updated_at = ?
		 WHERE id=?`,
		r.Amount, r.Amount, at, r.OrderID); err != nil {
		return err
	}
	if r.Note != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_notes (order_id, note, created_at) VALUES (?, ?, ?)`,
			r.OrderID, r.Note, at); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListRefunds(ctx context.Context, orderID int64) ([]Refund, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, refund_key, amount, reason, agent_id, created_at FROM refunds WHERE order_id=? ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []Refund
	for rows.Next() {
		var r Refund
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.OrderID, &r.RefundKey, &r.Amount, &r.Reason, &r.AgentID, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func (s *SQLiteStore) ListOrderNotes(ctx context.Context, orderID int64) ([]OrderNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, note, created_at FROM order_notes WHERE order_id=? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []OrderNote
	for rows.Next() {
		var n OrderNote
		var createdAt int64
		if err := rows.Scan(&n.OrderID, &n.Note, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(createdAt, 0)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, kind string, orderID int64, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, order_id, idem_key, agent_id, created_at FROM idempotency_keys WHERE kind=? AND order_id=? AND idem_key=?`,
		kind, orderID, key).Scan(&rec.Kind, &rec.OrderID, &rec.Key, &rec.AgentID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	return rec, nil
}

// --- Nonces ---

// ReserveNonce inserts key unless an unexpired entry already holds it.
// Returns true when this caller now owns the key.
func (s *SQLiteStore) ReserveNonce(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `DELETE FROM nonces WHERE nonce_key=? AND expires_at<=?`, key, now); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO nonces (nonce_key, expires_at) VALUES (?, ?) ON CONFLICT(nonce_key) DO NOTHING`,
		key, expiresAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetNonceExpiry(ctx context.Context, key string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nonces SET expires_at=? WHERE nonce_key=?`, expiresAt.UnixMilli(), key)
	return err
}

func (s *SQLiteStore) DeleteNonce(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE nonce_key=?`, key)
	return err
}

func (s *SQLiteStore) PruneNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at<=?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Catalog ---

func (s *SQLiteStore) CreateProduct(ctx context.Context, p *Product) error {
	now := time.Now().Unix()
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.StockStatus == "" {
		p.StockStatus = "instock"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (name, sku, description, price, currency, stock_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.SKU, p.Description, p.Price, p.Currency, p.StockStatus, now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	p.CreatedAt, p.UpdatedAt = time.Unix(now, 0), time.Unix(now, 0)
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, sku, description, price, currency, stock_status, created_at, updated_at FROM products WHERE id=?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProducts returns up to limit products starting at offset. limit <= 0
// uses the store's configured page size.
func (s *SQLiteStore) ListProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	if limit <= 0 {
		limit = s.productPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, sku, description, price, currency, stock_status, created_at, updated_at
		 FROM products ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func scanProduct(row rowScanner) (*Product, error) {
	p := &Product{}
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Description, &p.Price, &p.Currency, &p.StockStatus, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}

// --- Events ---

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *Event) error {
	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event, agent_id, order_id, ip, user_agent, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Event, e.AgentID, e.OrderID, e.IP, e.UserAgent, string(data), e.CreatedAt.Unix())
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, agent_id, order_id, ip, user_agent, data, created_at FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var data string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Event, &e.AgentID, &e.OrderID, &e.IP, &e.UserAgent, &data, &createdAt); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Config ---

// GetConfig returns the value for key, or "" when unset.
func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// --- Backup ---

// Backup creates a consistent backup of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	return err
}
