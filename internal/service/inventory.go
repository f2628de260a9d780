package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
)

type ReceiveBatchRequest struct {
	StoreID        string          `json:"store_id" validate:"required"`
	ProductID      string          `json:"product_id" validate:"required"`
	UserID         string          `json:"user_id" validate:"required"`
	BatchNumber    string          `json:"batch_number" validate:"required,max=64"`
	ExpirationDate time.Time       `json:"expiration_date" validate:"required"`
	Quantity       int             `json:"quantity" validate:"gt=0"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	Reference      string          `json:"reference" validate:"max=120"`
}

// ReceiveBatch books incoming dated stock. Only the owner, admins, managers
// and stock keepers may receive goods.
func (s *Service) ReceiveBatch(ctx context.Context, req ReceiveBatchRequest) (*domain.ProductBatch, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReceiveBatch")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return nil, fail(span, err)
	}

	var batch domain.ProductBatch
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := s.authorizeRole(ctx, tx, req.StoreID, req.UserID, domain.RoleAdmin, domain.RoleManager, domain.RoleStockKeeper); err != nil {
			return err
		}
		var err error
		batch, err = s.allocator.Receive(ctx, tx, inventory.ReceiveRequest{
			StoreID:        req.StoreID,
			ProductID:      req.ProductID,
			BatchNumber:    req.BatchNumber,
			ExpirationDate: req.ExpirationDate,
			Quantity:       req.Quantity,
			UnitCost:       req.UnitCost,
			UserID:         req.UserID,
			Reference:      req.Reference,
		})
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	s.logger.Info().
		Str("store_id", req.StoreID).
		Str("product_id", req.ProductID).
		Str("batch_id", batch.ID).
		Int("quantity", batch.InitialQuantity).
		Msg("batch received")
	return &batch, nil
}

type BatchPlan struct {
	inventory.Allocation
	NextExpiring *domain.ProductBatch `json:"next_expiring,omitempty"`
}

func (s *Service) PlanBatches(ctx context.Context, storeID string, productID string, quantity int) (*BatchPlan, error) {
	if _, err := s.store.GetProduct(ctx, storeID, productID); err != nil {
		return nil, err
	}
	alloc, err := s.allocator.Plan(ctx, storeID, productID, quantity)
	if err != nil {
		return nil, err
	}
	plan := &BatchPlan{Allocation: alloc}
	if next, err := s.allocator.NextExpiring(ctx, storeID, productID); err == nil {
		plan.NextExpiring = next
	}
	return plan, nil
}

func (s *Service) Movements(ctx context.Context, storeID string, productID string, from time.Time, to time.Time) ([]domain.StockMovement, error) {
	if productID == "" {
		return nil, domain.Invalid("product_id", "is required")
	}
	return s.ledger.Query(ctx, storeID, productID, from, to)
}

func (s *Service) Reconcile(ctx context.Context, storeID string, productID string) (inventory.Reconciliation, error) {
	if productID == "" {
		return inventory.Reconciliation{}, domain.Invalid("product_id", "is required")
	}
	rec, err := s.ledger.Reconcile(ctx, storeID, productID)
	if err != nil {
		return rec, err
	}
	if !rec.Balanced() {
		s.logger.Error().
			Str("store_id", storeID).
			Str("product_id", productID).
			Int("drift", rec.Drift).
			Msg("stock ledger out of balance")
	}
	return rec, nil
}

const maxAuditPage = 200

// ListAuditLogs is restricted to the owner, admins and managers since entries
// carry client addresses of failed PIN attempts.
func (s *Service) ListAuditLogs(ctx context.Context, storeID string, viewerID string, eventType domain.AuditEventType, limit int) ([]domain.AuditLog, error) {
	if err := s.authorizeRole(ctx, s.store, storeID, viewerID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxAuditPage {
		limit = 50
	}
	return s.store.ListAuditLogs(ctx, storeID, eventType, limit)
}
