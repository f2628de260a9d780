package inventory

import (
	"context"
	"fmt"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Ledger is the append-only record of stock quantity changes. Every append
// moves Product.currentStock by the same signed quantity inside the caller's
// transaction, so the running total of a product's rows always equals its
// current stock minus its opening balance.
type Ledger struct {
	reader store.Reader
	now    func() time.Time
}

func NewLedger(reader store.Reader) *Ledger {
	return &Ledger{reader: reader, now: func() time.Time { return time.Now().UTC() }}
}

// Append persists one immutable movement and applies it to the product's stock.
func (l *Ledger) Append(ctx context.Context, tx store.Tx, m domain.StockMovement) (domain.StockMovement, error) {
	if !m.Type.Valid() {
		return domain.StockMovement{}, domain.Invalid("type", fmt.Sprintf("unknown movement type %q", m.Type))
	}
	if m.Quantity == 0 {
		return domain.StockMovement{}, domain.Invalid("quantity", "must not be zero")
	}
	if m.StoreID == "" || m.ProductID == "" {
		return domain.StockMovement{}, domain.Invalid("product_id", "is required")
	}
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.now()
	}

	stock, err := tx.AdjustProductStock(ctx, m.StoreID, m.ProductID, m.Quantity)
	if err != nil {
		return domain.StockMovement{}, fmt.Errorf("adjust stock for %s: %w", m.ProductID, err)
	}
	if stock < 0 {
		return domain.StockMovement{}, &domain.InsufficientStockError{
			ProductID: m.ProductID,
			Available: stock - m.Quantity,
			Requested: -m.Quantity,
		}
	}
	if err := tx.InsertStockMovement(ctx, m); err != nil {
		return domain.StockMovement{}, fmt.Errorf("insert stock movement: %w", err)
	}
	return m, nil
}

// Query lists a product's movements with createdAt in [from, to). A zero
// bound is open.
func (l *Ledger) Query(ctx context.Context, storeID string, productID string, from time.Time, to time.Time) ([]domain.StockMovement, error) {
	if productID == "" {
		return nil, domain.Invalid("product_id", "is required")
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, domain.Invalid("from", "must be before to")
	}
	return l.reader.ListStockMovements(ctx, storeID, productID, from, to)
}

type Reconciliation struct {
	ProductID    string `json:"product_id"`
	InitialStock int    `json:"initial_stock"`
	LedgerSum    int    `json:"ledger_sum"`
	CurrentStock int    `json:"current_stock"`
	Drift        int    `json:"drift"`
}

func (r Reconciliation) Balanced() bool { return r.Drift == 0 }

// Reconcile compares current stock against opening balance plus ledger total.
func (l *Ledger) Reconcile(ctx context.Context, storeID string, productID string) (Reconciliation, error) {
	product, err := l.reader.GetProduct(ctx, storeID, productID)
	if err != nil {
		return Reconciliation{}, err
	}
	sum, err := l.reader.SumStockMovements(ctx, storeID, productID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		ProductID:    productID,
		InitialStock: product.InitialStock,
		LedgerSum:    sum,
		CurrentStock: product.CurrentStock,
		Drift:        product.CurrentStock - (product.InitialStock + sum),
	}, nil
}
