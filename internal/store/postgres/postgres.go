package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Config struct {
	URL        string
	MaxConns   int32
	MaxRetries int
}

type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	logger     zerolog.Logger
}

// New opens a pool with NUMERIC mapped to shopspring decimals and pings it.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, maxRetries: max(0, cfg.MaxRetries), logger: logger}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// InTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks are retried with backoff up to the configured limit; anything
// else, including business errors from fn, rolls back and returns at once.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	backoff := 20 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= s.maxRetries {
			return err
		}
		s.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying conflicted transaction")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classify tags driver errors with the store sentinels callers branch on.
func classify(err error) error {
	if err == nil || domain.IsBusiness(err) ||
		errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return classify(err)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// Reader

func (s *Store) GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	return getStoreSettings(ctx, s.pool, storeID)
}

func getStoreSettings(ctx context.Context, q querier, storeID string) (*domain.StoreSettings, error) {
	var st domain.StoreSettings
	err := q.QueryRow(ctx, `
		SELECT id, name, owner_id, require_employee_pin
		FROM stores
		WHERE id = $1
	`, storeID).Scan(&st.ID, &st.Name, &st.OwnerID, &st.RequireEmployeePin)
	if err != nil {
		return nil, notFound(err, "store "+storeID)
	}
	return &st, nil
}

const productColumns = `id, store_id, sku, name, selling_price, tax_rate, override_tax_rate,
	track_stock, track_expiration_dates, initial_stock, current_stock, is_active, created_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		p        domain.Product
		override decimal.NullDecimal
	)
	err := row.Scan(&p.ID, &p.StoreID, &p.SKU, &p.Name, &p.SellingPrice, &p.TaxRate, &override,
		&p.TrackStock, &p.TrackExpirationDates, &p.InitialStock, &p.CurrentStock, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if override.Valid {
		rate := override.Decimal
		p.OverrideTaxRate = &rate
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND id = $2
	`, storeID, productID))
	if err != nil {
		return nil, notFound(err, "product "+productID)
	}
	return &p, nil
}

const batchColumns = `id, store_id, product_id, batch_number, expiration_date, initial_quantity,
	current_quantity, unit_cost, is_expired, created_at`

func scanBatches(rows pgx.Rows) ([]domain.ProductBatch, error) {
	defer rows.Close()
	out := make([]domain.ProductBatch, 0, 4)
	for rows.Next() {
		var b domain.ProductBatch
		if err := rows.Scan(&b.ID, &b.StoreID, &b.ProductID, &b.BatchNumber, &b.ExpirationDate, &b.InitialQuantity,
			&b.CurrentQuantity, &b.UnitCost, &b.IsExpired, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListBatches(ctx context.Context, storeID string, productID string, onlyAvailable bool) ([]domain.ProductBatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+`
		FROM product_batches
		WHERE store_id = $1 AND product_id = $2 AND (NOT $3 OR current_quantity > 0)
		ORDER BY expiration_date, created_at, seq
	`, storeID, productID, onlyAvailable)
	if err != nil {
		return nil, classify(err)
	}
	batches, err := scanBatches(rows)
	return batches, classify(err)
}

const movementColumns = `id, store_id, product_id, type, quantity, unit_price, user_id, sale_id,
	sale_return_id, reference, created_at`

func (s *Store) ListStockMovements(ctx context.Context, storeID string, productID string, from time.Time, to time.Time) ([]domain.StockMovement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE store_id = $1 AND product_id = $2
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at, seq
	`, storeID, productID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ProductID, &m.Type, &m.Quantity, &m.UnitPrice, &m.UserID, &m.SaleID,
			&m.SaleReturnID, &m.Reference, &m.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (s *Store) SumStockMovements(ctx context.Context, storeID string, productID string) (int, error) {
	var sum int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_movements
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&sum)
	return sum, classify(err)
}

const batchMovementColumns = `id, store_id, batch_id, product_id, stock_movement_id, type, quantity,
	sale_id, sale_item_id, user_id, created_at`

func scanBatchMovements(rows pgx.Rows) ([]domain.BatchStockMovement, error) {
	defer rows.Close()
	out := make([]domain.BatchStockMovement, 0, 4)
	for rows.Next() {
		var m domain.BatchStockMovement
		if err := rows.Scan(&m.ID, &m.StoreID, &m.BatchID, &m.ProductID, &m.StockMovementID, &m.Type, &m.Quantity,
			&m.SaleID, &m.SaleItemID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListBatchMovements(ctx context.Context, storeID string, productID string) ([]domain.BatchStockMovement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchMovementColumns+`
		FROM batch_stock_movements
		WHERE store_id = $1 AND product_id = $2
		ORDER BY seq
	`, storeID, productID)
	if err != nil {
		return nil, classify(err)
	}
	out, err := scanBatchMovements(rows)
	return out, classify(err)
}

func (s *Store) GetSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error) {
	return getSale(ctx, s.pool, storeID, saleID, "")
}

const saleColumns = `id, store_id, cashier_id, operator_id, status, subtotal, tax, discount, total,
	amount_paid, change, payment_method, notes, created_at, updated_at, completed_at`

func getSale(ctx context.Context, q querier, storeID string, saleID string, lock string) (*domain.Sale, []domain.SaleItem, error) {
	var sale domain.Sale
	err := q.QueryRow(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE store_id = $1 AND id = $2
	`+lock, storeID, saleID).Scan(&sale.ID, &sale.StoreID, &sale.CashierID, &sale.OperatorID, &sale.Status,
		&sale.Subtotal, &sale.Tax, &sale.Discount, &sale.Total, &sale.AmountPaid, &sale.Change, &sale.PaymentMethod,
		&sale.Notes, &sale.CreatedAt, &sale.UpdatedAt, &sale.CompletedAt)
	if err != nil {
		return nil, nil, notFound(err, "sale "+saleID)
	}

	rows, err := q.Query(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, discount, tax_rate, tax_amount, subtotal, total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY seq
	`, saleID)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()
	items := make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		var it domain.SaleItem
		if err := rows.Scan(&it.ID, &it.SaleID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.Discount, &it.TaxRate,
			&it.TaxAmount, &it.Subtotal, &it.Total); err != nil {
			return nil, nil, classify(err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify(err)
	}
	return &sale, items, nil
}

func (s *Store) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturnRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.sale_id, r.store_id, r.processed_by_id, r.operator_id, r.refund_method, r.refund_amount,
		       r.notes, r.created_at,
		       i.id, i.sale_item_id, i.quantity, i.unit_price, i.total, i.restock_item
		FROM sale_returns r
		JOIN sale_return_items i ON i.sale_return_id = r.id
		WHERE r.sale_id = $1
		ORDER BY r.created_at, r.id, i.seq
	`, saleID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.SaleReturnRecord, 0, 2)
	for rows.Next() {
		var (
			r  domain.SaleReturn
			it domain.SaleReturnItem
		)
		if err := rows.Scan(&r.ID, &r.SaleID, &r.StoreID, &r.ProcessedByID, &r.OperatorID, &r.RefundMethod, &r.RefundAmount,
			&r.Notes, &r.CreatedAt,
			&it.ID, &it.SaleItemID, &it.Quantity, &it.UnitPrice, &it.Total, &it.RestockItem); err != nil {
			return nil, classify(err)
		}
		it.SaleReturnID = r.ID
		if n := len(out); n == 0 || out[n-1].ID != r.ID {
			out = append(out, domain.SaleReturnRecord{SaleReturn: r})
		}
		out[len(out)-1].Items = append(out[len(out)-1].Items, it)
	}
	return out, classify(rows.Err())
}

const employmentColumns = `id, user_id, store_id, display_name, role, is_active, pin_hash, requires_pin, created_at`

func scanEmployment(row pgx.Row) (*domain.Employment, error) {
	var e domain.Employment
	if err := row.Scan(&e.ID, &e.UserID, &e.StoreID, &e.DisplayName, &e.Role, &e.IsActive, &e.PinHash,
		&e.RequiresPin, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) FindEmployment(ctx context.Context, storeID string, employmentID string) (*domain.Employment, error) {
	e, err := scanEmployment(s.pool.QueryRow(ctx, `
		SELECT `+employmentColumns+`
		FROM employments
		WHERE store_id = $1 AND id = $2
	`, storeID, employmentID))
	if err != nil {
		return nil, notFound(err, "employment "+employmentID)
	}
	return e, nil
}

func (s *Store) FindEmploymentByUser(ctx context.Context, storeID string, userID string) (*domain.Employment, error) {
	return findEmploymentByUser(ctx, s.pool, storeID, userID)
}

func findEmploymentByUser(ctx context.Context, q querier, storeID string, userID string) (*domain.Employment, error) {
	e, err := scanEmployment(q.QueryRow(ctx, `
		SELECT `+employmentColumns+`
		FROM employments
		WHERE store_id = $1 AND user_id = $2
	`, storeID, userID))
	if err != nil {
		return nil, notFound(err, "employment of "+userID)
	}
	return e, nil
}

func (s *Store) FindShift(ctx context.Context, storeID string, employeeID string, date time.Time) (*domain.EmployeeShift, error) {
	var sh domain.EmployeeShift
	err := s.pool.QueryRow(ctx, `
		SELECT id, store_id, employee_id, date, start_time, end_time, type, status
		FROM employee_shifts
		WHERE store_id = $1 AND employee_id = $2 AND date = $3::date
		ORDER BY start_time
		LIMIT 1
	`, storeID, employeeID, date.UTC().Format(time.DateOnly)).Scan(&sh.ID, &sh.StoreID, &sh.EmployeeID, &sh.Date,
		&sh.StartTime, &sh.EndTime, &sh.Type, &sh.Status)
	if err != nil {
		return nil, notFound(err, "shift for "+employeeID)
	}
	return &sh, nil
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, eventType domain.AuditEventType, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, user_id, store_id, employment_id, details, ip_address, user_agent, created_at
		FROM audit_logs
		WHERE store_id = $1 AND ($2 = '' OR event_type = $2)
		ORDER BY seq DESC
		LIMIT $3
	`, storeID, string(eventType), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var (
			a       domain.AuditLog
			details []byte
		)
		if err := rows.Scan(&a.ID, &a.EventType, &a.UserID, &a.StoreID, &a.EmploymentID, &details, &a.IPAddress,
			&a.UserAgent, &a.CreatedAt); err != nil {
			return nil, classify(err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("decode audit details %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

// Store writes outside InTx

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	var details any
	if len(entry.Details) > 0 {
		payload, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = string(payload)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, event_type, user_id, store_id, employment_id, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	`, entry.ID, string(entry.EventType), entry.UserID, entry.StoreID, entry.EmploymentID, details,
		entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	return classify(err)
}

func (s *Store) SetEmploymentPin(ctx context.Context, storeID string, employmentID string, pinHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE employments
		SET pin_hash = $3, requires_pin = true
		WHERE store_id = $1 AND id = $2
	`, storeID, employmentID, pinHash)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("employment %s: %w", employmentID, store.ErrNotFound)
	}
	return nil
}

// UpdatePinAttempts serializes on the employment's pin_attempts row. The
// row is created on first use so FOR UPDATE always has something to lock.
func (s *Store) UpdatePinAttempts(ctx context.Context, employmentID string, fn func(*domain.PinAttempts) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO pin_attempts (employment_id) VALUES ($1)
		ON CONFLICT (employment_id) DO NOTHING
	`, employmentID); err != nil {
		return classify(err)
	}

	var (
		a                  = domain.PinAttempts{EmploymentID: employmentID}
		lastFailure, until *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT failures, last_failure_at, blocked_until
		FROM pin_attempts
		WHERE employment_id = $1
		FOR UPDATE
	`, employmentID).Scan(&a.Failures, &lastFailure, &until)
	if err != nil {
		return classify(err)
	}
	a.LastFailureAt = timeOrZero(lastFailure)
	a.BlockedUntil = timeOrZero(until)

	if err := fn(&a); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE pin_attempts
		SET failures = $2, last_failure_at = $3, blocked_until = $4
		WHERE employment_id = $1
	`, employmentID, a.Failures, nullTime(a.LastFailureAt), nullTime(a.BlockedUntil)); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.AttemptStore = (*Store)(nil)
)
