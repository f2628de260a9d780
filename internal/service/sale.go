package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

var hundred = decimal.NewFromInt(100)

type SaleLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	// UnitPrice and TaxRate default to the product's selling price and
	// effective tax rate when omitted.
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  decimal.Decimal  `json:"discount"`
	TaxRate   *decimal.Decimal `json:"tax_rate,omitempty"`
}

type CreateSaleRequest struct {
	StoreID       string               `json:"store_id" validate:"required"`
	CashierID     string               `json:"cashier_id" validate:"required"`
	OperatorID    string               `json:"operator_id" validate:"required"`
	Lines         []SaleLine           `json:"lines" validate:"required,min=1,dive"`
	PaymentMethod domain.PaymentMethod `json:"payment_method" validate:"required,oneof=CASH CARD TRANSFER QR"`
	Discount      decimal.Decimal      `json:"discount"`
	AmountPaid    decimal.Decimal      `json:"amount_paid"`
	Notes         string               `json:"notes" validate:"max=500"`
}

type ExpiredBatchUse struct {
	Line int `json:"line"`
	inventory.BatchDebit
}

type SaleResult struct {
	SaleID         string            `json:"sale_id"`
	Status         domain.SaleStatus `json:"status"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Tax            decimal.Decimal   `json:"tax"`
	Discount       decimal.Decimal   `json:"discount"`
	Total          decimal.Decimal   `json:"total"`
	AmountPaid     decimal.Decimal   `json:"amount_paid"`
	Change         decimal.Decimal   `json:"change"`
	Items          []domain.SaleItem `json:"items"`
	ExpiredBatches []ExpiredBatchUse `json:"expired_batches,omitempty"`
	CompletedAt    time.Time         `json:"completed_at"`
}

type pricedLine struct {
	index   int
	product domain.Product
	item    domain.SaleItem
}

// priceLine computes one line: subtotal = unitPrice*qty - discount,
// tax = subtotal*rate/100, total = subtotal + tax.
func priceLine(line SaleLine, product domain.Product) (domain.SaleItem, error) {
	unitPrice := product.SellingPrice
	if line.UnitPrice != nil {
		unitPrice = *line.UnitPrice
	}
	rate := product.EffectiveTaxRate()
	if line.TaxRate != nil {
		rate = *line.TaxRate
	}
	switch {
	case unitPrice.IsNegative():
		return domain.SaleItem{}, domain.Invalid("unit_price", "must not be negative")
	case line.Discount.IsNegative():
		return domain.SaleItem{}, domain.Invalid("discount", "must not be negative")
	case rate.IsNegative() || rate.GreaterThan(hundred):
		return domain.SaleItem{}, domain.Invalid("tax_rate", "must be between 0 and 100")
	}

	gross := unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
	if line.Discount.GreaterThan(gross) {
		return domain.SaleItem{}, domain.Invalid("discount", "exceeds line amount")
	}
	subtotal := gross.Sub(line.Discount).Round(2)
	tax := subtotal.Mul(rate).Div(hundred).Round(2)
	return domain.SaleItem{
		ProductID: product.ID,
		Quantity:  line.Quantity,
		UnitPrice: unitPrice,
		Discount:  line.Discount,
		TaxRate:   rate,
		TaxAmount: tax,
		Subtotal:  subtotal,
		Total:     subtotal.Add(tax),
	}, nil
}

// CreateSale validates a cart and commits the sale, its items and every stock
// decrement as one transaction. Products are locked in ascending id order,
// then each product's batches in expiration order.
func (s *Service) CreateSale(ctx context.Context, req CreateSaleRequest) (*SaleResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateSale", trace.WithAttributes(
		attribute.String("store.id", req.StoreID),
		attribute.Int("sale.lines", len(req.Lines)),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return nil, fail(span, err)
	}
	if req.Discount.IsNegative() {
		return nil, fail(span, domain.Invalid("discount", "must not be negative"))
	}
	req.AmountPaid = req.AmountPaid.Round(2)
	if req.AmountPaid.IsNegative() {
		return nil, fail(span, domain.Invalid("amount_paid", "must not be negative"))
	}

	var result *SaleResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = s.createSaleTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(attribute.String("sale.id", result.SaleID), attribute.String("sale.total", result.Total.StringFixed(2)))
	if len(result.ExpiredBatches) > 0 {
		s.reportExpiredBatches(ctx, req, result)
	}
	return result, nil
}

func (s *Service) createSaleTx(ctx context.Context, tx store.Tx, req CreateSaleRequest) (*SaleResult, error) {
	if err := s.authorizeOperator(ctx, tx, req.StoreID, req.OperatorID); err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(req.Lines))
	for _, line := range req.Lines {
		ids[line.ProductID] = struct{}{}
	}
	products, err := tx.LockProducts(ctx, req.StoreID, sortedKeys(ids))
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}

	lines := make([]pricedLine, 0, len(req.Lines))
	demand := make(map[string]int, len(ids))
	subtotal, tax := decimal.Zero, decimal.Zero
	for i, line := range req.Lines {
		n := i + 1
		product, ok := products[line.ProductID]
		if !ok {
			return nil, &domain.ProductNotFoundError{Line: n, ProductID: line.ProductID}
		}
		if !product.IsActive {
			return nil, domain.InvalidLine(n, "product_id", fmt.Sprintf("%s is inactive", product.Name))
		}
		item, err := priceLine(line, product)
		if err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				verr.Line = n
			}
			return nil, err
		}
		if product.TrackStock {
			demand[product.ID] += line.Quantity
			if demand[product.ID] > product.CurrentStock {
				return nil, &domain.InsufficientStockError{
					Line:        n,
					ProductID:   product.ID,
					ProductName: product.Name,
					Available:   product.CurrentStock - (demand[product.ID] - line.Quantity),
					Requested:   line.Quantity,
				}
			}
		}
		subtotal = subtotal.Add(item.Subtotal)
		tax = tax.Add(item.TaxAmount)
		lines = append(lines, pricedLine{index: n, product: product, item: item})
	}

	discount := req.Discount.Round(2)
	if discount.GreaterThan(subtotal.Add(tax)) {
		return nil, domain.Invalid("discount", "exceeds sale amount")
	}
	total := subtotal.Add(tax).Sub(discount)
	change := decimal.Zero
	if req.PaymentMethod == domain.PaymentCash && req.AmountPaid.GreaterThan(total) {
		change = req.AmountPaid.Sub(total)
	}

	now := s.now()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		StoreID:       req.StoreID,
		CashierID:     req.CashierID,
		OperatorID:    req.OperatorID,
		Status:        domain.SaleStatusPending,
		Subtotal:      subtotal,
		Tax:           tax,
		Discount:      discount,
		Total:         total,
		AmountPaid:    req.AmountPaid,
		Change:        change,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, fmt.Errorf("insert sale: %w", err)
	}

	items := make([]domain.SaleItem, 0, len(lines))
	for i := range lines {
		lines[i].item.ID = xid.New("item")
		lines[i].item.SaleID = sale.ID
		items = append(items, lines[i].item)
	}
	if err := tx.InsertSaleItems(ctx, items); err != nil {
		return nil, fmt.Errorf("insert sale items: %w", err)
	}

	// Stock is touched in product id order so batch locks follow the same
	// global order as the product locks above.
	ordered := make([]pricedLine, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].product.ID < ordered[j].product.ID })

	var expired []ExpiredBatchUse
	for _, line := range ordered {
		p := line.product
		var movementID string
		if p.TrackStock {
			mv, err := s.ledger.Append(ctx, tx, domain.StockMovement{
				StoreID:   req.StoreID,
				ProductID: p.ID,
				Type:      domain.MovementSale,
				Quantity:  -line.item.Quantity,
				UnitPrice: line.item.UnitPrice,
				UserID:    req.OperatorID,
				SaleID:    sale.ID,
				Reference: sale.ID,
				CreatedAt: now,
			})
			if err != nil {
				return nil, withLine(err, line.index)
			}
			movementID = mv.ID
		}
		if p.TrackExpirationDates {
			alloc, err := s.allocator.Consume(ctx, tx, inventory.ConsumeRequest{
				StoreID:         req.StoreID,
				ProductID:       p.ID,
				Quantity:        line.item.Quantity,
				SaleID:          sale.ID,
				SaleItemID:      line.item.ID,
				UserID:          req.OperatorID,
				StockMovementID: movementID,
				AllowShortfall:  !p.TrackStock,
			})
			if err != nil {
				return nil, withLine(err, line.index)
			}
			for _, d := range alloc.Expired() {
				expired = append(expired, ExpiredBatchUse{Line: line.index, BatchDebit: d})
			}
		}
	}

	if err := tx.UpdateSaleStatus(ctx, sale.ID, domain.SaleStatusCompleted, &now, now); err != nil {
		return nil, fmt.Errorf("complete sale: %w", err)
	}

	return &SaleResult{
		SaleID:         sale.ID,
		Status:         domain.SaleStatusCompleted,
		Subtotal:       subtotal,
		Tax:            tax,
		Discount:       discount,
		Total:          total,
		AmountPaid:     req.AmountPaid,
		Change:         change,
		Items:          items,
		ExpiredBatches: expired,
		CompletedAt:    now,
	}, nil
}

func withLine(err error, line int) error {
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		stockErr.Line = line
	}
	var batchErr *domain.InsufficientBatchStockError
	if errors.As(err, &batchErr) {
		batchErr.Line = line
	}
	return err
}

func (s *Service) reportExpiredBatches(ctx context.Context, req CreateSaleRequest, result *SaleResult) {
	batches := make([]map[string]any, 0, len(result.ExpiredBatches))
	for _, b := range result.ExpiredBatches {
		s.logger.Warn().
			Str("sale_id", result.SaleID).
			Str("product_id", b.ProductID).
			Str("batch_id", b.BatchID).
			Time("expiration_date", b.ExpirationDate).
			Int("quantity", b.Quantity).
			Msg("sold from expired batch")
		batches = append(batches, map[string]any{
			"line":       b.Line,
			"product_id": b.ProductID,
			"batch_id":   b.BatchID,
			"quantity":   b.Quantity,
		})
	}
	s.audit.Record(ctx, domain.AuditLog{
		EventType: domain.AuditExpiredSold,
		UserID:    req.OperatorID,
		StoreID:   req.StoreID,
		Details:   map[string]any{"sale_id": result.SaleID, "batches": batches},
	})
}

// GetSale returns a sale with its items and per-item return progress.
func (s *Service) GetSale(ctx context.Context, storeID string, saleID string) (*SaleDetail, error) {
	sale, items, err := s.store.GetSale(ctx, storeID, saleID)
	if err != nil {
		return nil, err
	}
	returns, err := s.store.ListSaleReturns(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return buildSaleDetail(*sale, items, returns), nil
}

type SaleItemView struct {
	domain.SaleItem
	Returned   int `json:"returned"`
	Returnable int `json:"returnable"`
}

type SaleDetail struct {
	Sale    domain.Sale               `json:"sale"`
	Items   []SaleItemView            `json:"items"`
	Returns []domain.SaleReturnRecord `json:"returns"`
}

func buildSaleDetail(sale domain.Sale, items []domain.SaleItem, returns []domain.SaleReturnRecord) *SaleDetail {
	returned := make(map[string]int)
	for _, r := range returns {
		for _, it := range r.Items {
			returned[it.SaleItemID] += it.Quantity
		}
	}
	views := make([]SaleItemView, 0, len(items))
	for _, it := range items {
		views = append(views, SaleItemView{
			SaleItem:   it,
			Returned:   returned[it.ID],
			Returnable: max(0, it.Quantity-returned[it.ID]),
		})
	}
	return &SaleDetail{Sale: sale, Items: views, Returns: returns}
}
