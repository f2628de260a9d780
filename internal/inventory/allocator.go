package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Allocator consumes and restores dated batches first-expire-first-out.
type Allocator struct {
	reader store.Reader
	ledger *Ledger
	now    func() time.Time
	logger zerolog.Logger
	tracer trace.Tracer
}

type AllocatorOption func(*Allocator)

func WithClock(now func() time.Time) AllocatorOption {
	return func(a *Allocator) { a.now = now }
}

func NewAllocator(reader store.Reader, ledger *Ledger, logger zerolog.Logger, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		reader: reader,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
		tracer: otel.Tracer("posledger/inventory"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type BatchDebit struct {
	ProductID      string    `json:"product_id"`
	BatchID        string    `json:"batch_id"`
	BatchNumber    string    `json:"batch_number"`
	ExpirationDate time.Time `json:"expiration_date"`
	Quantity       int       `json:"quantity"`
	Expired        bool      `json:"expired"`
}

type Allocation struct {
	ProductID string       `json:"product_id"`
	Requested int          `json:"requested"`
	Available int          `json:"available"`
	Debits    []BatchDebit `json:"debits"`
	Shortfall int          `json:"shortfall"`
}

// Expired returns the debits taken from batches already past expiration.
func (a Allocation) Expired() []BatchDebit {
	var out []BatchDebit
	for _, d := range a.Debits {
		if d.Expired {
			out = append(out, d)
		}
	}
	return out
}

type ConsumeRequest struct {
	StoreID         string
	ProductID       string
	Quantity        int
	SaleID          string
	SaleItemID      string
	UserID          string
	StockMovementID string
	// AllowShortfall takes what is available instead of failing. Used when
	// stock tracking is switched off for the product.
	AllowShortfall bool
}

// planFEFO selects debits from batches already in FEFO order. Batches with no
// stock are skipped; available is the total stock across all batches.
func planFEFO(batches []domain.ProductBatch, quantity int, now time.Time) ([]BatchDebit, int) {
	available := 0
	for _, b := range batches {
		if b.CurrentQuantity > 0 {
			available += b.CurrentQuantity
		}
	}

	remaining := quantity
	debits := make([]BatchDebit, 0, 2)
	for _, b := range batches {
		if remaining <= 0 {
			break
		}
		if b.CurrentQuantity <= 0 {
			continue
		}
		take := min(b.CurrentQuantity, remaining)
		debits = append(debits, BatchDebit{
			ProductID:      b.ProductID,
			BatchID:        b.ID,
			BatchNumber:    b.BatchNumber,
			ExpirationDate: b.ExpirationDate,
			Quantity:       take,
			Expired:        b.IsExpired || b.ExpiredAt(now),
		})
		remaining -= take
	}
	return debits, available
}

// Consume debits quantity from the product's batches in FEFO order under row
// locks. When total batch stock is short the call fails without debiting
// anything, unless AllowShortfall is set.
func (a *Allocator) Consume(ctx context.Context, tx store.Tx, req ConsumeRequest) (Allocation, error) {
	ctx, span := a.tracer.Start(ctx, "inventory.Consume", trace.WithAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	))
	defer span.End()

	if req.Quantity <= 0 {
		return Allocation{}, domain.Invalid("quantity", "must be greater than zero")
	}
	batches, err := tx.LockBatches(ctx, req.StoreID, req.ProductID)
	if err != nil {
		return Allocation{}, fmt.Errorf("lock batches: %w", err)
	}

	now := a.now()
	debits, available := planFEFO(batches, req.Quantity, now)
	alloc := Allocation{ProductID: req.ProductID, Requested: req.Quantity, Available: available, Debits: debits}
	if available < req.Quantity {
		if !req.AllowShortfall {
			return Allocation{}, &domain.InsufficientBatchStockError{
				ProductID: req.ProductID,
				Available: available,
				Requested: req.Quantity,
			}
		}
		alloc.Shortfall = req.Quantity - available
	}

	taken := make(map[string]int, len(debits))
	for _, d := range debits {
		taken[d.BatchID] = d.Quantity
	}
	for _, b := range batches {
		q, debited := taken[b.ID]
		expired := b.IsExpired || b.ExpiredAt(now)
		if !debited && expired == b.IsExpired {
			continue
		}
		if err := tx.UpdateBatch(ctx, b.ID, b.CurrentQuantity-q, expired); err != nil {
			return Allocation{}, fmt.Errorf("update batch %s: %w", b.ID, err)
		}
		if !debited {
			continue
		}
		err := tx.InsertBatchMovement(ctx, domain.BatchStockMovement{
			ID:              xid.New("bmov"),
			StoreID:         req.StoreID,
			BatchID:         b.ID,
			ProductID:       req.ProductID,
			StockMovementID: req.StockMovementID,
			Type:            domain.MovementSale,
			Quantity:        -q,
			SaleID:          req.SaleID,
			SaleItemID:      req.SaleItemID,
			UserID:          req.UserID,
			CreatedAt:       now,
		})
		if err != nil {
			return Allocation{}, fmt.Errorf("insert batch movement: %w", err)
		}
	}

	if expired := alloc.Expired(); len(expired) > 0 {
		span.AddEvent("expired batch consumed", trace.WithAttributes(attribute.Int("batches", len(expired))))
	}
	return alloc, nil
}

// Plan previews a FEFO selection without taking locks or debiting.
func (a *Allocator) Plan(ctx context.Context, storeID string, productID string, quantity int) (Allocation, error) {
	if quantity <= 0 {
		return Allocation{}, domain.Invalid("quantity", "must be greater than zero")
	}
	batches, err := a.reader.ListBatches(ctx, storeID, productID, true)
	if err != nil {
		return Allocation{}, err
	}
	debits, available := planFEFO(batches, quantity, a.now())
	alloc := Allocation{ProductID: productID, Requested: quantity, Available: available, Debits: debits}
	if available < quantity {
		alloc.Shortfall = quantity - available
	}
	return alloc, nil
}

// NextExpiring returns the earliest-expiring batch that still has stock.
func (a *Allocator) NextExpiring(ctx context.Context, storeID string, productID string) (*domain.ProductBatch, error) {
	batches, err := a.reader.ListBatches(ctx, storeID, productID, true)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, store.ErrNotFound
	}
	b := batches[0]
	return &b, nil
}

type ReverseRequest struct {
	StoreID         string
	ProductID       string
	Quantity        int
	SaleID          string
	SaleItemID      string
	UserID          string
	StockMovementID string
}

type BatchCredit struct {
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
	Original bool   `json:"original"`
}

// Reverse puts returned units back into batches. Batches the sale item was
// debited from are re-credited first, most recent debit first, each up to
// what it gave. Any remainder goes to the earliest-expiring unexpired batch,
// then to any batch; a product with no batches gets a return batch.
func (a *Allocator) Reverse(ctx context.Context, tx store.Tx, req ReverseRequest) ([]BatchCredit, error) {
	ctx, span := a.tracer.Start(ctx, "inventory.Reverse", trace.WithAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	))
	defer span.End()

	if req.Quantity <= 0 {
		return nil, domain.Invalid("quantity", "must be greater than zero")
	}
	batches, err := tx.LockBatches(ctx, req.StoreID, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lock batches: %w", err)
	}
	history, err := tx.ListBatchMovementsForSaleItem(ctx, req.SaleItemID)
	if err != nil {
		return nil, fmt.Errorf("list batch movements: %w", err)
	}

	byID := make(map[string]*domain.ProductBatch, len(batches))
	for i := range batches {
		byID[batches[i].ID] = &batches[i]
	}

	// Net units still owed back to each batch, in debit order.
	owed := make(map[string]int)
	var debitOrder []string
	for _, m := range history {
		switch m.Type {
		case domain.MovementSale:
			if _, seen := owed[m.BatchID]; !seen {
				debitOrder = append(debitOrder, m.BatchID)
			}
			owed[m.BatchID] += -m.Quantity
		case domain.MovementReturn:
			owed[m.BatchID] -= m.Quantity
		}
	}

	now := a.now()
	remaining := req.Quantity
	var credits []BatchCredit
	for i := len(debitOrder) - 1; i >= 0 && remaining > 0; i-- {
		id := debitOrder[i]
		if _, ok := byID[id]; !ok || owed[id] <= 0 {
			continue
		}
		q := min(owed[id], remaining)
		credits = append(credits, BatchCredit{BatchID: id, Quantity: q, Original: true})
		remaining -= q
	}

	if remaining > 0 {
		target := fallbackBatch(batches, now)
		if target == nil {
			created := domain.ProductBatch{
				ID:              xid.New("batch"),
				StoreID:         req.StoreID,
				ProductID:       req.ProductID,
				BatchNumber:     "RET-" + req.SaleID,
				ExpirationDate:  now,
				InitialQuantity: 0,
				CurrentQuantity: 0,
				UnitCost:        decimal.Zero,
				IsExpired:       true,
				CreatedAt:       now,
			}
			if err := tx.InsertBatch(ctx, created); err != nil {
				return nil, fmt.Errorf("insert return batch: %w", err)
			}
			batches = append(batches, created)
			target = &batches[len(batches)-1]
			byID[created.ID] = target
			a.logger.Warn().
				Str("product_id", req.ProductID).
				Str("sale_id", req.SaleID).
				Msg("no batch to restock into, created return batch")
		}
		credits = append(credits, BatchCredit{BatchID: target.ID, Quantity: remaining})
	}

	for _, c := range credits {
		b := byID[c.BatchID]
		b.CurrentQuantity += c.Quantity
		if err := tx.UpdateBatch(ctx, b.ID, b.CurrentQuantity, b.IsExpired || b.ExpiredAt(now)); err != nil {
			return nil, fmt.Errorf("update batch %s: %w", b.ID, err)
		}
		err := tx.InsertBatchMovement(ctx, domain.BatchStockMovement{
			ID:              xid.New("bmov"),
			StoreID:         req.StoreID,
			BatchID:         b.ID,
			ProductID:       req.ProductID,
			StockMovementID: req.StockMovementID,
			Type:            domain.MovementReturn,
			Quantity:        c.Quantity,
			SaleID:          req.SaleID,
			SaleItemID:      req.SaleItemID,
			UserID:          req.UserID,
			CreatedAt:       now,
		})
		if err != nil {
			return nil, fmt.Errorf("insert batch movement: %w", err)
		}
	}
	return credits, nil
}

func fallbackBatch(batches []domain.ProductBatch, now time.Time) *domain.ProductBatch {
	for i := range batches {
		if !batches[i].IsExpired && !batches[i].ExpiredAt(now) {
			return &batches[i]
		}
	}
	if len(batches) > 0 {
		return &batches[0]
	}
	return nil
}

type ReceiveRequest struct {
	StoreID        string
	ProductID      string
	BatchNumber    string
	ExpirationDate time.Time
	Quantity       int
	UnitCost       decimal.Decimal
	UserID         string
	Reference      string
}

// Receive books a new batch into stock: the batch row, a PURCHASE ledger
// movement when the product tracks stock, and the matching batch movement.
func (a *Allocator) Receive(ctx context.Context, tx store.Tx, req ReceiveRequest) (domain.ProductBatch, error) {
	switch {
	case req.Quantity <= 0:
		return domain.ProductBatch{}, domain.Invalid("quantity", "must be greater than zero")
	case req.UnitCost.IsNegative():
		return domain.ProductBatch{}, domain.Invalid("unit_cost", "must not be negative")
	case req.BatchNumber == "":
		return domain.ProductBatch{}, domain.Invalid("batch_number", "is required")
	case req.ExpirationDate.IsZero():
		return domain.ProductBatch{}, domain.Invalid("expiration_date", "is required")
	}

	products, err := tx.LockProducts(ctx, req.StoreID, []string{req.ProductID})
	if err != nil {
		return domain.ProductBatch{}, fmt.Errorf("lock product: %w", err)
	}
	product, ok := products[req.ProductID]
	if !ok {
		return domain.ProductBatch{}, &domain.ProductNotFoundError{ProductID: req.ProductID}
	}
	if !product.TrackExpirationDates {
		return domain.ProductBatch{}, domain.Invalid("product_id", "does not track expiration dates")
	}
	if _, err := tx.LockBatches(ctx, req.StoreID, req.ProductID); err != nil {
		return domain.ProductBatch{}, fmt.Errorf("lock batches: %w", err)
	}

	now := a.now()
	batch := domain.ProductBatch{
		ID:              xid.New("batch"),
		StoreID:         req.StoreID,
		ProductID:       req.ProductID,
		BatchNumber:     req.BatchNumber,
		ExpirationDate:  req.ExpirationDate.UTC(),
		InitialQuantity: req.Quantity,
		CurrentQuantity: req.Quantity,
		UnitCost:        req.UnitCost,
		IsExpired:       !now.Before(req.ExpirationDate),
		CreatedAt:       now,
	}
	if err := tx.InsertBatch(ctx, batch); err != nil {
		return domain.ProductBatch{}, fmt.Errorf("insert batch: %w", err)
	}

	var movementID string
	if product.TrackStock {
		mv, err := a.ledger.Append(ctx, tx, domain.StockMovement{
			StoreID:   req.StoreID,
			ProductID: req.ProductID,
			Type:      domain.MovementPurchase,
			Quantity:  req.Quantity,
			UnitPrice: req.UnitCost,
			UserID:    req.UserID,
			Reference: firstNonEmpty(req.Reference, "batch "+req.BatchNumber),
			CreatedAt: now,
		})
		if err != nil {
			return domain.ProductBatch{}, err
		}
		movementID = mv.ID
	}

	err = tx.InsertBatchMovement(ctx, domain.BatchStockMovement{
		ID:              xid.New("bmov"),
		StoreID:         req.StoreID,
		BatchID:         batch.ID,
		ProductID:       req.ProductID,
		StockMovementID: movementID,
		Type:            domain.MovementPurchase,
		Quantity:        req.Quantity,
		UserID:          req.UserID,
		CreatedAt:       now,
	})
	if err != nil {
		return domain.ProductBatch{}, fmt.Errorf("insert batch movement: %w", err)
	}
	return batch, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
