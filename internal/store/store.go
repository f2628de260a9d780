package store

import (
	"context"
	"errors"
	"time"

	"posledger/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps connection-level failures (refused, pool closed, timeouts).
	ErrUnavailable = errors.New("storage unavailable")
	// ErrConflict wraps serialization failures and deadlocks detected by the database.
	ErrConflict = errors.New("transaction conflict")
)

// IsRetryable reports whether err is an infrastructure failure a caller may retry.
// Business errors are never retryable.
func IsRetryable(err error) bool {
	if domain.IsBusiness(err) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}

// Store is the persistence entry point. Every mutation of stock, sales and
// returns goes through InTx; fn must not call back into the Store itself.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	SetEmploymentPin(ctx context.Context, storeID string, employmentID string, pinHash string) error
	Ping(ctx context.Context) error
	Close() error
}

type Reader interface {
	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	GetProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error)
	// ListBatches returns batches in FEFO order: expiration ascending, then creation order.
	ListBatches(ctx context.Context, storeID string, productID string, onlyAvailable bool) ([]domain.ProductBatch, error)
	ListStockMovements(ctx context.Context, storeID string, productID string, from time.Time, to time.Time) ([]domain.StockMovement, error)
	SumStockMovements(ctx context.Context, storeID string, productID string) (int, error)
	ListBatchMovements(ctx context.Context, storeID string, productID string) ([]domain.BatchStockMovement, error)
	GetSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error)
	ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturnRecord, error)
	FindEmployment(ctx context.Context, storeID string, employmentID string) (*domain.Employment, error)
	FindEmploymentByUser(ctx context.Context, storeID string, userID string) (*domain.Employment, error)
	FindShift(ctx context.Context, storeID string, employeeID string, date time.Time) (*domain.EmployeeShift, error)
	ListAuditLogs(ctx context.Context, storeID string, eventType domain.AuditEventType, limit int) ([]domain.AuditLog, error)
}

// Tx is a single serializable unit of work. Lock* methods take row locks that
// are held until commit or rollback; callers lock products before batches.
type Tx interface {
	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	FindEmploymentByUser(ctx context.Context, storeID string, userID string) (*domain.Employment, error)

	// LockProducts locks the given products in ascending id order and returns
	// those found in the store, keyed by id. Missing ids are simply absent.
	LockProducts(ctx context.Context, storeID string, productIDs []string) (map[string]domain.Product, error)
	// AdjustProductStock applies delta to currentStock and returns the new value.
	AdjustProductStock(ctx context.Context, storeID string, productID string, delta int) (int, error)
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error

	// LockBatches locks every batch of the product in FEFO order.
	LockBatches(ctx context.Context, storeID string, productID string) ([]domain.ProductBatch, error)
	InsertBatch(ctx context.Context, batch domain.ProductBatch) error
	UpdateBatch(ctx context.Context, batchID string, currentQuantity int, isExpired bool) error
	InsertBatchMovement(ctx context.Context, movement domain.BatchStockMovement) error
	ListBatchMovementsForSaleItem(ctx context.Context, saleItemID string) ([]domain.BatchStockMovement, error)

	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertSaleItems(ctx context.Context, items []domain.SaleItem) error
	UpdateSaleStatus(ctx context.Context, saleID string, status domain.SaleStatus, completedAt *time.Time, at time.Time) error
	// LockSale locks the sale row so concurrent returns against it serialize.
	LockSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error)
	// ReturnedQuantities sums prior return quantities per sale item id.
	ReturnedQuantities(ctx context.Context, saleID string) (map[string]int, error)
	InsertSaleReturn(ctx context.Context, ret domain.SaleReturn, items []domain.SaleReturnItem) error
}

// AttemptStore serializes PIN attempt updates per employment. fn sees the
// current record and may modify it; the change is persisted only when fn
// returns nil. Implementations must not run two fn calls for the same
// employment concurrently.
type AttemptStore interface {
	UpdatePinAttempts(ctx context.Context, employmentID string, fn func(*domain.PinAttempts) error) error
	Ping(ctx context.Context) error
}
