package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type ReturnLine struct {
	SaleItemID  string `json:"sale_item_id" validate:"required"`
	Quantity    int    `json:"quantity" validate:"gte=1"`
	RestockItem bool   `json:"restock_item"`
}

type CreateReturnRequest struct {
	StoreID       string              `json:"store_id" validate:"required"`
	SaleID        string              `json:"sale_id" validate:"required"`
	ProcessedByID string              `json:"processed_by_id" validate:"required"`
	OperatorID    string              `json:"operator_id" validate:"required"`
	Lines         []ReturnLine        `json:"lines" validate:"required,min=1,dive"`
	RefundMethod  domain.RefundMethod `json:"refund_method" validate:"required,oneof=CASH CARD TRANSFER QR STORE_CREDIT"`
	// RefundAmount is only required to be positive. It may differ from the
	// computed line total, e.g. for goodwill refunds.
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Notes        string          `json:"notes" validate:"max=500"`
}

type ReturnResult struct {
	ReturnID       string                  `json:"return_id"`
	SaleID         string                  `json:"sale_id"`
	NewSaleStatus  domain.SaleStatus       `json:"new_sale_status"`
	RefundAmount   decimal.Decimal         `json:"refund_amount"`
	ComputedRefund decimal.Decimal         `json:"computed_refund"`
	Items          []domain.SaleReturnItem `json:"items"`
	Restocked      int                     `json:"restocked"`
}

// CreateReturn reconciles a (possibly partial) return against everything
// already returned for the sale, records it, restocks flagged lines and
// advances the sale status, all in one transaction.
func (s *Service) CreateReturn(ctx context.Context, req CreateReturnRequest) (*ReturnResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateReturn", trace.WithAttributes(
		attribute.String("store.id", req.StoreID),
		attribute.String("sale.id", req.SaleID),
		attribute.Int("return.lines", len(req.Lines)),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return nil, fail(span, err)
	}
	req.RefundAmount = req.RefundAmount.Round(2)
	if !req.RefundAmount.IsPositive() {
		return nil, fail(span, domain.Invalid("refund_amount", "must be greater than zero"))
	}

	var result *ReturnResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = s.createReturnTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("return.id", result.ReturnID), attribute.String("sale.status", string(result.NewSaleStatus)))
	return result, nil
}

func (s *Service) createReturnTx(ctx context.Context, tx store.Tx, req CreateReturnRequest) (*ReturnResult, error) {
	if err := s.authorizeOperator(ctx, tx, req.StoreID, req.OperatorID); err != nil {
		return nil, err
	}

	sale, items, err := tx.LockSale(ctx, req.StoreID, req.SaleID)
	if err != nil {
		return nil, fmt.Errorf("load sale: %w", err)
	}
	if !sale.Status.Returnable() {
		return nil, &domain.SaleNotReturnableError{SaleID: sale.ID, Status: sale.Status}
	}

	returned, err := tx.ReturnedQuantities(ctx, sale.ID)
	if err != nil {
		return nil, fmt.Errorf("load prior returns: %w", err)
	}

	itemsByID := make(map[string]domain.SaleItem, len(items))
	productIDs := make(map[string]struct{}, len(items))
	for _, it := range items {
		itemsByID[it.ID] = it
		productIDs[it.ProductID] = struct{}{}
	}
	products, err := tx.LockProducts(ctx, req.StoreID, sortedKeys(productIDs))
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}

	now := s.now()
	ret := domain.SaleReturn{
		ID:            xid.New("ret"),
		SaleID:        sale.ID,
		StoreID:       req.StoreID,
		ProcessedByID: req.ProcessedByID,
		OperatorID:    req.OperatorID,
		RefundMethod:  req.RefundMethod,
		RefundAmount:  req.RefundAmount,
		Notes:         req.Notes,
		CreatedAt:     now,
	}

	pending := make(map[string]int, len(req.Lines))
	returnItems := make([]domain.SaleReturnItem, 0, len(req.Lines))
	computed := decimal.Zero
	for i, line := range req.Lines {
		n := i + 1
		item, ok := itemsByID[line.SaleItemID]
		if !ok {
			return nil, domain.InvalidLine(n, "sale_item_id", "does not belong to this sale")
		}
		returnable := item.Quantity - returned[item.ID] - pending[item.ID]
		if line.Quantity > returnable {
			return nil, &domain.ReturnQuantityExceededError{
				Line:        n,
				SaleItemID:  item.ID,
				ProductName: products[item.ProductID].Name,
				Requested:   line.Quantity,
				Returnable:  max(0, returnable),
			}
		}
		pending[item.ID] += line.Quantity

		// Refund value per unit carries the line's discount and tax share.
		lineTotal := item.Total.Mul(decimal.NewFromInt(int64(line.Quantity))).
			Div(decimal.NewFromInt(int64(item.Quantity))).Round(2)
		computed = computed.Add(lineTotal)
		returnItems = append(returnItems, domain.SaleReturnItem{
			ID:           xid.New("retitem"),
			SaleReturnID: ret.ID,
			SaleItemID:   item.ID,
			Quantity:     line.Quantity,
			UnitPrice:    item.UnitPrice,
			Total:        lineTotal,
			RestockItem:  line.RestockItem,
		})
	}

	if err := tx.InsertSaleReturn(ctx, ret, returnItems); err != nil {
		return nil, fmt.Errorf("insert return: %w", err)
	}

	restocked, err := s.restock(ctx, tx, req, ret, returnItems, itemsByID, products)
	if err != nil {
		return nil, err
	}

	status := domain.SaleStatusRefunded
	for _, it := range items {
		if returned[it.ID]+pending[it.ID] < it.Quantity {
			status = domain.SaleStatusPartiallyRefunded
			break
		}
	}
	if err := tx.UpdateSaleStatus(ctx, sale.ID, status, nil, now); err != nil {
		return nil, fmt.Errorf("update sale status: %w", err)
	}

	return &ReturnResult{
		ReturnID:       ret.ID,
		SaleID:         sale.ID,
		NewSaleStatus:  status,
		RefundAmount:   req.RefundAmount,
		ComputedRefund: computed,
		Items:          returnItems,
		Restocked:      restocked,
	}, nil
}

// restock puts back the lines flagged for restocking, in product id order.
// Stock-tracked products get a RETURN ledger movement; expiry-tracked ones
// also get their batches re-credited.
func (s *Service) restock(ctx context.Context, tx store.Tx, req CreateReturnRequest, ret domain.SaleReturn, lines []domain.SaleReturnItem, itemsByID map[string]domain.SaleItem, products map[string]domain.Product) (int, error) {
	ordered := make([]domain.SaleReturnItem, 0, len(lines))
	for _, l := range lines {
		if l.RestockItem {
			ordered = append(ordered, l)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return itemsByID[ordered[i].SaleItemID].ProductID < itemsByID[ordered[j].SaleItemID].ProductID
	})

	total := 0
	for _, l := range ordered {
		item := itemsByID[l.SaleItemID]
		product, ok := products[item.ProductID]
		if !ok {
			// Product removed from the catalogue since the sale.
			s.logger.Warn().Str("sale_id", ret.SaleID).Str("product_id", item.ProductID).Msg("skip restock, product missing")
			continue
		}
		var movementID string
		if product.TrackStock {
			mv, err := s.ledger.Append(ctx, tx, domain.StockMovement{
				StoreID:      req.StoreID,
				ProductID:    product.ID,
				Type:         domain.MovementReturn,
				Quantity:     l.Quantity,
				UnitPrice:    item.UnitPrice,
				UserID:       req.OperatorID,
				SaleID:       ret.SaleID,
				SaleReturnID: ret.ID,
				Reference:    ret.ID,
				CreatedAt:    ret.CreatedAt,
			})
			if err != nil {
				return 0, err
			}
			movementID = mv.ID
			total += l.Quantity
		}
		if product.TrackExpirationDates {
			_, err := s.allocator.Reverse(ctx, tx, inventory.ReverseRequest{
				StoreID:         req.StoreID,
				ProductID:       product.ID,
				Quantity:        l.Quantity,
				SaleID:          ret.SaleID,
				SaleItemID:      item.ID,
				UserID:          req.OperatorID,
				StockMovementID: movementID,
			})
			if err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// ListReturns returns prior returns of a sale and what remains returnable.
func (s *Service) ListReturns(ctx context.Context, storeID string, saleID string) (*SaleDetail, error) {
	return s.GetSale(ctx, storeID, saleID)
}
