package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// pgTx implements store.Tx. Locking reads take FOR UPDATE in a fixed order:
// products by id, then a product's batches by expiration date.
type pgTx struct {
	q querier
}

func (t *pgTx) GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	return getStoreSettings(ctx, t.q, storeID)
}

func (t *pgTx) FindEmploymentByUser(ctx context.Context, storeID string, userID string) (*domain.Employment, error) {
	return findEmploymentByUser(ctx, t.q, storeID, userID)
}

func (t *pgTx) LockProducts(ctx context.Context, storeID string, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := t.q.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, storeID, productIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify(err)
		}
		out[p.ID] = p
	}
	return out, classify(rows.Err())
}

func (t *pgTx) AdjustProductStock(ctx context.Context, storeID string, productID string, delta int) (int, error) {
	var stock int
	err := t.q.QueryRow(ctx, `
		UPDATE products
		SET current_stock = current_stock + $3
		WHERE store_id = $1 AND id = $2
		RETURNING current_stock
	`, storeID, productID, delta).Scan(&stock)
	if err != nil {
		return 0, notFound(err, "product "+productID)
	}
	return stock, nil
}

func (t *pgTx) InsertStockMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO stock_movements (`+movementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.StoreID, m.ProductID, string(m.Type), m.Quantity, m.UnitPrice, m.UserID, m.SaleID,
		m.SaleReturnID, m.Reference, m.CreatedAt)
	return classify(err)
}

func (t *pgTx) LockBatches(ctx context.Context, storeID string, productID string) ([]domain.ProductBatch, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+batchColumns+`
		FROM product_batches
		WHERE store_id = $1 AND product_id = $2
		ORDER BY expiration_date, created_at, seq
		FOR UPDATE
	`, storeID, productID)
	if err != nil {
		return nil, classify(err)
	}
	batches, err := scanBatches(rows)
	return batches, classify(err)
}

func (t *pgTx) InsertBatch(ctx context.Context, b domain.ProductBatch) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO product_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.ID, b.StoreID, b.ProductID, b.BatchNumber, b.ExpirationDate, b.InitialQuantity,
		b.CurrentQuantity, b.UnitCost, b.IsExpired, b.CreatedAt)
	return classify(err)
}

func (t *pgTx) UpdateBatch(ctx context.Context, batchID string, currentQuantity int, isExpired bool) error {
	if currentQuantity < 0 {
		return fmt.Errorf("batch %s: quantity would become negative", batchID)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE product_batches
		SET current_quantity = $2, is_expired = $3
		WHERE id = $1
	`, batchID, currentQuantity, isExpired)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertBatchMovement(ctx context.Context, m domain.BatchStockMovement) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO batch_stock_movements (`+batchMovementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.StoreID, m.BatchID, m.ProductID, m.StockMovementID, string(m.Type), m.Quantity,
		m.SaleID, m.SaleItemID, m.UserID, m.CreatedAt)
	return classify(err)
}

func (t *pgTx) ListBatchMovementsForSaleItem(ctx context.Context, saleItemID string) ([]domain.BatchStockMovement, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+batchMovementColumns+`
		FROM batch_stock_movements
		WHERE sale_item_id = $1
		ORDER BY seq
	`, saleItemID)
	if err != nil {
		return nil, classify(err)
	}
	out, err := scanBatchMovements(rows)
	return out, classify(err)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, sale.ID, sale.StoreID, sale.CashierID, sale.OperatorID, string(sale.Status), sale.Subtotal, sale.Tax,
		sale.Discount, sale.Total, sale.AmountPaid, sale.Change, string(sale.PaymentMethod), sale.Notes,
		sale.CreatedAt, sale.UpdatedAt, sale.CompletedAt)
	return classify(err)
}

func (t *pgTx) InsertSaleItems(ctx context.Context, items []domain.SaleItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price, discount, tax_rate, tax_amount, subtotal, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, it.ID, it.SaleID, it.ProductID, it.Quantity, it.UnitPrice, it.Discount, it.TaxRate, it.TaxAmount,
			it.Subtotal, it.Total)
	}
	return t.sendBatch(ctx, batch)
}

func (t *pgTx) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := t.q.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return classify(err)
		}
	}
	return classify(br.Close())
}

func (t *pgTx) UpdateSaleStatus(ctx context.Context, saleID string, status domain.SaleStatus, completedAt *time.Time, at time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE sales
		SET status = $2, updated_at = $3, completed_at = COALESCE($4, completed_at)
		WHERE id = $1
	`, saleID, string(status), at, completedAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sale %s: %w", saleID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error) {
	return getSale(ctx, t.q, storeID, saleID, " FOR UPDATE")
}

func (t *pgTx) ReturnedQuantities(ctx context.Context, saleID string) (map[string]int, error) {
	rows, err := t.q.Query(ctx, `
		SELECT i.sale_item_id, SUM(i.quantity)
		FROM sale_return_items i
		JOIN sale_returns r ON r.id = i.sale_return_id
		WHERE r.sale_id = $1
		GROUP BY i.sale_item_id
	`, saleID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			id  string
			qty int
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, classify(err)
		}
		out[id] = qty
	}
	return out, classify(rows.Err())
}

func (t *pgTx) InsertSaleReturn(ctx context.Context, ret domain.SaleReturn, items []domain.SaleReturnItem) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO sale_returns (id, sale_id, store_id, processed_by_id, operator_id, refund_method, refund_amount, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ret.ID, ret.SaleID, ret.StoreID, ret.ProcessedByID, ret.OperatorID, string(ret.RefundMethod), ret.RefundAmount,
		ret.Notes, ret.CreatedAt)
	for _, it := range items {
		batch.Queue(`
			INSERT INTO sale_return_items (id, sale_return_id, sale_item_id, quantity, unit_price, total, restock_item)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, it.ID, ret.ID, it.SaleItemID, it.Quantity, it.UnitPrice, it.Total, it.RestockItem)
	}
	return t.sendBatch(ctx, batch)
}

var _ store.Tx = (*pgTx)(nil)
