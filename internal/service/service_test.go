package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	store *memory.Store
	svc   *Service
}

// newTestEnv seeds store s1 with:
//   - widget: stock-tracked, 5 on hand, 10.00 at 16%
//   - milk: stock and expiry tracked, batches b1 (3, Feb 1) and b2 (10, Mar 1)
//   - bag: not tracked
//
// Staff: owner, an active cashier, a stock keeper and a deactivated cashier.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := memory.New()
	s.PutStore(domain.StoreSettings{ID: "s1", Name: "Shop", OwnerID: "owner"})
	for _, e := range []domain.Employment{
		{ID: "e-cashier", UserID: "cashier", Role: domain.RoleCashier, IsActive: true},
		{ID: "e-keeper", UserID: "keeper", Role: domain.RoleStockKeeper, IsActive: true},
		{ID: "e-gone", UserID: "gone", Role: domain.RoleCashier, IsActive: false},
	} {
		e.StoreID = "s1"
		s.PutEmployment(e)
	}
	s.PutProduct(domain.Product{
		ID: "widget", StoreID: "s1", Name: "Widget", SellingPrice: dec("10.00"), TaxRate: dec("16"),
		TrackStock: true, InitialStock: 5, CurrentStock: 5, IsActive: true,
	})
	s.PutProduct(domain.Product{
		ID: "milk", StoreID: "s1", Name: "Milk", SellingPrice: dec("2.50"), TaxRate: dec("0"),
		TrackStock: true, TrackExpirationDates: true, InitialStock: 13, CurrentStock: 13, IsActive: true,
	})
	s.PutProduct(domain.Product{
		ID: "bag", StoreID: "s1", Name: "Bag", SellingPrice: dec("1.00"), TaxRate: dec("0"), IsActive: true,
	})
	s.PutProduct(domain.Product{
		ID: "retired", StoreID: "s1", Name: "Retired", SellingPrice: dec("1.00"), IsActive: false,
	})
	s.PutBatch(domain.ProductBatch{ID: "b1", StoreID: "s1", ProductID: "milk", BatchNumber: "B1",
		ExpirationDate: day(2, 1), InitialQuantity: 3, CurrentQuantity: 3, CreatedAt: testNow.Add(-2 * time.Hour)})
	s.PutBatch(domain.ProductBatch{ID: "b2", StoreID: "s1", ProductID: "milk", BatchNumber: "B2",
		ExpirationDate: day(3, 1), InitialQuantity: 10, CurrentQuantity: 10, CreatedAt: testNow.Add(-time.Hour)})

	clock := func() time.Time { return testNow }
	ledger := inventory.NewLedger(s)
	alloc := inventory.NewAllocator(s, ledger, zerolog.Nop(), inventory.WithClock(clock))
	return &testEnv{store: s, svc: New(s, ledger, alloc, zerolog.Nop(), WithClock(clock))}
}

func (e *testEnv) product(t *testing.T, id string) domain.Product {
	t.Helper()
	p, err := e.store.GetProduct(context.Background(), "s1", id)
	require.NoError(t, err)
	return *p
}

func (e *testEnv) batchQty(t *testing.T, id string) int {
	t.Helper()
	all, err := e.store.ListBatches(context.Background(), "s1", "milk", false)
	require.NoError(t, err)
	for _, b := range all {
		if b.ID == id {
			return b.CurrentQuantity
		}
	}
	t.Fatalf("batch %s not found", id)
	return 0
}

func (e *testEnv) assertBalanced(t *testing.T, productIDs ...string) {
	t.Helper()
	for _, id := range productIDs {
		rec, err := e.svc.Reconcile(context.Background(), "s1", id)
		require.NoError(t, err)
		assert.Truef(t, rec.Balanced(), "%s drift %d", id, rec.Drift)
	}
}

func cashSale(lines ...SaleLine) CreateSaleRequest {
	return CreateSaleRequest{
		StoreID:       "s1",
		CashierID:     "cashier",
		OperatorID:    "cashier",
		Lines:         lines,
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    dec("1000"),
	}
}

func TestCreateSaleComputesTotalsAndDecrementsStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := cashSale(SaleLine{ProductID: "widget", Quantity: 2})
	req.AmountPaid = dec("30.00")
	res, err := env.svc.CreateSale(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.SaleStatusCompleted, res.Status)
	assert.Equal(t, "20.00", res.Subtotal.StringFixed(2))
	assert.Equal(t, "3.20", res.Tax.StringFixed(2))
	assert.Equal(t, "23.20", res.Total.StringFixed(2))
	assert.Equal(t, "6.80", res.Change.StringFixed(2))
	assert.Equal(t, 3, env.product(t, "widget").CurrentStock)

	moves, err := env.svc.Movements(ctx, "s1", "widget", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, domain.MovementSale, moves[0].Type)
	assert.Equal(t, -2, moves[0].Quantity)
	assert.Equal(t, res.SaleID, moves[0].SaleID)

	detail, err := env.svc.GetSale(ctx, "s1", res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, detail.Sale.Status)
	require.NotNil(t, detail.Sale.CompletedAt)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, 2, detail.Items[0].Returnable)
	env.assertBalanced(t, "widget")
}

func TestCreateSaleTotalsHoldAcrossLinesAndDiscounts(t *testing.T) {
	env := newTestEnv(t)

	price := dec("3.33")
	rate := dec("7.5")
	req := cashSale(
		SaleLine{ProductID: "widget", Quantity: 3, Discount: dec("1.50")},
		SaleLine{ProductID: "bag", Quantity: 7, UnitPrice: &price, TaxRate: &rate},
		SaleLine{ProductID: "milk", Quantity: 1},
	)
	req.Discount = dec("2.00")
	req.PaymentMethod = domain.PaymentCard
	res, err := env.svc.CreateSale(context.Background(), req)
	require.NoError(t, err)

	subtotal, tax := decimal.Zero, decimal.Zero
	for _, it := range res.Items {
		assert.True(t, it.Total.Equal(it.Subtotal.Add(it.TaxAmount)))
		subtotal = subtotal.Add(it.Subtotal)
		tax = tax.Add(it.TaxAmount)
	}
	assert.True(t, res.Subtotal.Equal(subtotal))
	assert.True(t, res.Tax.Equal(tax))
	assert.True(t, res.Total.Equal(subtotal.Add(tax).Sub(res.Discount)))
	assert.True(t, res.Change.IsZero(), "change only applies to cash")
	assert.Equal(t, "28.50", res.Items[0].Subtotal.StringFixed(2))
	assert.Equal(t, "1.75", res.Items[1].TaxAmount.StringFixed(2))
}

func TestCreateSaleConsumesBatchesFEFO(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.CreateSale(context.Background(), cashSale(SaleLine{ProductID: "milk", Quantity: 5}))
	require.NoError(t, err)

	assert.Equal(t, 0, env.batchQty(t, "b1"))
	assert.Equal(t, 8, env.batchQty(t, "b2"))
	assert.Equal(t, 8, env.product(t, "milk").CurrentStock)
	assert.Empty(t, res.ExpiredBatches)

	moves, err := env.store.ListBatchMovements(context.Background(), "s1", "milk")
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, "b1", moves[0].BatchID)
	assert.Equal(t, -3, moves[0].Quantity)
	assert.Equal(t, "b2", moves[1].BatchID)
	assert.Equal(t, -2, moves[1].Quantity)
	env.assertBalanced(t, "milk")
}

func TestCreateSaleFlagsExpiredBatches(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutBatch(domain.ProductBatch{ID: "b0", StoreID: "s1", ProductID: "milk", BatchNumber: "B0",
		ExpirationDate: day(1, 10), InitialQuantity: 1, CurrentQuantity: 1, CreatedAt: testNow.Add(-3 * time.Hour)})
	p := env.product(t, "milk")
	p.InitialStock, p.CurrentStock = 14, 14
	env.store.PutProduct(p)

	res, err := env.svc.CreateSale(context.Background(), cashSale(
		SaleLine{ProductID: "widget", Quantity: 1},
		SaleLine{ProductID: "milk", Quantity: 2},
	))
	require.NoError(t, err)

	require.Len(t, res.ExpiredBatches, 1)
	assert.Equal(t, 2, res.ExpiredBatches[0].Line)
	assert.Equal(t, "b0", res.ExpiredBatches[0].BatchID)
	assert.Equal(t, 1, res.ExpiredBatches[0].Quantity)
	assert.Equal(t, 0, env.batchQty(t, "b0"))
	assert.Equal(t, 2, env.batchQty(t, "b1"))

	logs, err := env.svc.ListAuditLogs(context.Background(), "s1", "owner", domain.AuditExpiredSold, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, res.SaleID, logs[0].Details["sale_id"])
}

func TestAuditLogsRestrictedToManagers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, viewer := range []string{"cashier", "keeper", "gone", "stranger"} {
		_, err := env.svc.ListAuditLogs(ctx, "s1", viewer, "", 10)
		var na *domain.OperatorNotAuthorizedError
		assert.ErrorAs(t, err, &na, viewer)
	}

	_, err := env.svc.ListAuditLogs(ctx, "s1", "owner", "", 10)
	assert.NoError(t, err)
}

func TestCreateSaleInsufficientStockNamesLine(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateSale(context.Background(), cashSale(
		SaleLine{ProductID: "widget", Quantity: 3},
		SaleLine{ProductID: "widget", Quantity: 3},
	))

	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Line)
	assert.Equal(t, "Widget", stockErr.ProductName)
	assert.Equal(t, 2, stockErr.Available)
	assert.Equal(t, 3, stockErr.Requested)
	assert.True(t, domain.IsBusiness(err))
	assert.Equal(t, 5, env.product(t, "widget").CurrentStock)
}

func TestCreateSaleRollsBackWhenBatchesRunShort(t *testing.T) {
	env := newTestEnv(t)
	// Product level says 13 but batches hold less.
	require.NoError(t, env.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateBatch(context.Background(), "b2", 1, false)
	}))

	_, err := env.svc.CreateSale(context.Background(), cashSale(
		SaleLine{ProductID: "widget", Quantity: 2},
		SaleLine{ProductID: "milk", Quantity: 6},
	))

	var batchErr *domain.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 4, batchErr.Available)
	assert.Equal(t, 2, batchErr.Line)
	assert.Contains(t, err.Error(), "line 2:")
	assert.Equal(t, 5, env.product(t, "widget").CurrentStock)
	assert.Equal(t, 13, env.product(t, "milk").CurrentStock)
	assert.Equal(t, 3, env.batchQty(t, "b1"))

	moves, err := env.svc.Movements(context.Background(), "s1", "widget", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, moves)
}

func TestCreateSaleRejections(t *testing.T) {
	cases := []struct {
		name  string
		req   CreateSaleRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "unknown product",
			req:  cashSale(SaleLine{ProductID: "widget", Quantity: 1}, SaleLine{ProductID: "ghost", Quantity: 1}),
			check: func(t *testing.T, err error) {
				var nf *domain.ProductNotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, 2, nf.Line)
			},
		},
		{
			name: "inactive product",
			req:  cashSale(SaleLine{ProductID: "retired", Quantity: 1}),
			check: func(t *testing.T, err error) {
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, 1, verr.Line)
			},
		},
		{
			name: "zero quantity",
			req:  cashSale(SaleLine{ProductID: "widget", Quantity: 0}),
			check: func(t *testing.T, err error) {
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "quantity", verr.Field)
			},
		},
		{
			name: "empty cart",
			req:  cashSale(),
			check: func(t *testing.T, err error) {
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
			},
		},
		{
			name: "line discount above amount",
			req:  cashSale(SaleLine{ProductID: "widget", Quantity: 1, Discount: dec("10.01")}),
			check: func(t *testing.T, err error) {
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "discount", verr.Field)
			},
		},
		{
			name: "inactive operator",
			req: func() CreateSaleRequest {
				r := cashSale(SaleLine{ProductID: "widget", Quantity: 1})
				r.OperatorID = "gone"
				return r
			}(),
			check: func(t *testing.T, err error) {
				var na *domain.OperatorNotAuthorizedError
				require.ErrorAs(t, err, &na)
			},
		},
		{
			name: "stock keeper cannot sell",
			req: func() CreateSaleRequest {
				r := cashSale(SaleLine{ProductID: "widget", Quantity: 1})
				r.OperatorID = "keeper"
				return r
			}(),
			check: func(t *testing.T, err error) {
				var na *domain.OperatorNotAuthorizedError
				require.ErrorAs(t, err, &na)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.CreateSale(context.Background(), tc.req)
			require.Error(t, err)
			tc.check(t, err)
			assert.Equal(t, 5, env.product(t, "widget").CurrentStock)
		})
	}
}

func TestCreateSaleOwnerMayOperate(t *testing.T) {
	env := newTestEnv(t)
	req := cashSale(SaleLine{ProductID: "bag", Quantity: 4})
	req.OperatorID = "owner"

	res, err := env.svc.CreateSale(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "4.00", res.Total.StringFixed(2))

	moves, err := env.svc.Movements(context.Background(), "s1", "bag", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, moves, "untracked products leave no movements")
}

func sellWidgets(t *testing.T, env *testEnv, qty int) *SaleResult {
	t.Helper()
	res, err := env.svc.CreateSale(context.Background(), cashSale(SaleLine{ProductID: "widget", Quantity: qty}))
	require.NoError(t, err)
	return res
}

func widgetReturn(saleID, itemID string, qty int, restock bool) CreateReturnRequest {
	return CreateReturnRequest{
		StoreID:       "s1",
		SaleID:        saleID,
		ProcessedByID: "cashier",
		OperatorID:    "cashier",
		Lines:         []ReturnLine{{SaleItemID: itemID, Quantity: qty, RestockItem: restock}},
		RefundMethod:  domain.RefundCash,
		RefundAmount:  dec("11.60"),
	}
}

func TestReturnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sale := sellWidgets(t, env, 2)
	item := sale.Items[0].ID

	res, err := env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, item, 1, true))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, res.NewSaleStatus)
	assert.Equal(t, "11.60", res.ComputedRefund.StringFixed(2))
	assert.Equal(t, 1, res.Restocked)
	assert.Equal(t, 4, env.product(t, "widget").CurrentStock)

	_, err = env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, item, 2, true))
	var exceeded *domain.ReturnQuantityExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 1, exceeded.Returnable)
	assert.Equal(t, 2, exceeded.Requested)

	res, err = env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, item, 1, false))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusRefunded, res.NewSaleStatus)
	assert.Equal(t, 0, res.Restocked)
	assert.Equal(t, 4, env.product(t, "widget").CurrentStock, "unrestocked line leaves stock alone")

	_, err = env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, item, 1, true))
	var notReturnable *domain.SaleNotReturnableError
	require.ErrorAs(t, err, &notReturnable)
	assert.Equal(t, domain.SaleStatusRefunded, notReturnable.Status)

	detail, err := env.svc.ListReturns(ctx, "s1", sale.SaleID)
	require.NoError(t, err)
	assert.Len(t, detail.Returns, 2)
	assert.Equal(t, 2, detail.Items[0].Returned)
	assert.Equal(t, 0, detail.Items[0].Returnable)
	env.assertBalanced(t, "widget")
}

func TestPartialReturnsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sale := sellWidgets(t, env, 4)
	item := sale.Items[0].ID
	assert.Equal(t, 1, env.product(t, "widget").CurrentStock)

	_, err := env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, item, 1, true))
	require.NoError(t, err)
	res, err := env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, item, 2, false))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, res.NewSaleStatus)
	assert.Equal(t, "23.20", res.ComputedRefund.StringFixed(2))

	detail, err := env.svc.GetSale(ctx, "s1", sale.SaleID)
	require.NoError(t, err)
	assert.Equal(t, 3, detail.Items[0].Returned)
	assert.Equal(t, 1, detail.Items[0].Returnable)
	assert.Equal(t, 2, env.product(t, "widget").CurrentStock)
	env.assertBalanced(t, "widget")
}

func TestReturnCountsDuplicateLinesTogether(t *testing.T) {
	env := newTestEnv(t)
	sale := sellWidgets(t, env, 2)
	item := sale.Items[0].ID

	req := widgetReturn(sale.SaleID, item, 1, true)
	req.Lines = append(req.Lines, ReturnLine{SaleItemID: item, Quantity: 2, RestockItem: true})
	_, err := env.svc.CreateReturn(context.Background(), req)

	var exceeded *domain.ReturnQuantityExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 2, exceeded.Line)
	assert.Equal(t, 1, exceeded.Returnable)
	assert.Equal(t, 3, env.product(t, "widget").CurrentStock)
}

func TestReturnRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sale := sellWidgets(t, env, 1)
	item := sale.Items[0].ID

	req := widgetReturn(sale.SaleID, item, 1, true)
	req.RefundAmount = decimal.Zero
	_, err := env.svc.CreateReturn(ctx, req)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "refund_amount", verr.Field)

	_, err = env.svc.CreateReturn(ctx, widgetReturn(sale.SaleID, "item_other", 1, true))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Line)
	assert.Equal(t, "sale_item_id", verr.Field)

	_, err = env.svc.CreateReturn(ctx, widgetReturn("sale_missing", item, 1, true))
	assert.ErrorIs(t, err, store.ErrNotFound)

	req = widgetReturn(sale.SaleID, item, 1, true)
	req.OperatorID = "keeper"
	_, err = env.svc.CreateReturn(ctx, req)
	var na *domain.OperatorNotAuthorizedError
	require.ErrorAs(t, err, &na)

	assert.Equal(t, 4, env.product(t, "widget").CurrentStock)
}

func TestMoneyInputsRoundToCents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := cashSale(SaleLine{ProductID: "widget", Quantity: 2})
	req.AmountPaid = dec("30.005")
	sale, err := env.svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.True(t, sale.AmountPaid.Equal(dec("30.01")), sale.AmountPaid.String())
	assert.True(t, sale.Change.Equal(dec("6.81")), sale.Change.String())

	detail, err := env.svc.GetSale(ctx, "s1", sale.SaleID)
	require.NoError(t, err)
	assert.True(t, detail.Sale.AmountPaid.Equal(sale.AmountPaid))

	ret := widgetReturn(sale.SaleID, sale.Items[0].ID, 1, true)
	ret.RefundAmount = dec("0.004")
	_, err = env.svc.CreateReturn(ctx, ret)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "refund_amount", verr.Field)

	ret.RefundAmount = dec("11.604")
	res, err := env.svc.CreateReturn(ctx, ret)
	require.NoError(t, err)
	assert.True(t, res.RefundAmount.Equal(dec("11.60")), res.RefundAmount.String())
}

func TestReturnRestocksOriginalBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sale, err := env.svc.CreateSale(ctx, cashSale(SaleLine{ProductID: "milk", Quantity: 5}))
	require.NoError(t, err)

	req := widgetReturn(sale.SaleID, sale.Items[0].ID, 2, true)
	req.RefundAmount = dec("5.00")
	res, err := env.svc.CreateReturn(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.SaleStatusPartiallyRefunded, res.NewSaleStatus)
	assert.Equal(t, 0, env.batchQty(t, "b1"))
	assert.Equal(t, 10, env.batchQty(t, "b2"))
	assert.Equal(t, 10, env.product(t, "milk").CurrentStock)

	req.Lines[0].Quantity = 3
	_, err = env.svc.CreateReturn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, env.batchQty(t, "b1"))
	assert.Equal(t, 13, env.product(t, "milk").CurrentStock)
	env.assertBalanced(t, "milk")
}

func TestLedgerStaysBalancedAcrossOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s1 := sellWidgets(t, env, 2)
	m1, err := env.svc.CreateSale(ctx, cashSale(SaleLine{ProductID: "milk", Quantity: 4}, SaleLine{ProductID: "widget", Quantity: 1}))
	require.NoError(t, err)
	_, err = env.svc.ReceiveBatch(ctx, ReceiveBatchRequest{
		StoreID: "s1", ProductID: "milk", UserID: "keeper", BatchNumber: "B3",
		ExpirationDate: day(4, 1), Quantity: 6, UnitCost: dec("1.10"),
	})
	require.NoError(t, err)
	_, err = env.svc.CreateReturn(ctx, widgetReturn(s1.SaleID, s1.Items[0].ID, 2, true))
	require.NoError(t, err)

	var milkItem string
	for _, it := range m1.Items {
		if it.ProductID == "milk" {
			milkItem = it.ID
		}
	}
	_, err = env.svc.CreateReturn(ctx, widgetReturn(m1.SaleID, milkItem, 1, true))
	require.NoError(t, err)
	_, err = env.svc.CreateSale(ctx, cashSale(SaleLine{ProductID: "widget", Quantity: 9}))
	require.Error(t, err)

	env.assertBalanced(t, "widget", "milk")
	assert.Equal(t, 4, env.product(t, "widget").CurrentStock)
	assert.Equal(t, 16, env.product(t, "milk").CurrentStock)

	batches, err := env.store.ListBatches(ctx, "s1", "milk", false)
	require.NoError(t, err)
	total := 0
	for _, b := range batches {
		total += b.CurrentQuantity
	}
	assert.Equal(t, 16, total)
}

func TestReceiveBatchRequiresStockRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.ReceiveBatch(context.Background(), ReceiveBatchRequest{
		StoreID: "s1", ProductID: "milk", UserID: "cashier", BatchNumber: "B9",
		ExpirationDate: day(5, 1), Quantity: 1,
	})
	var na *domain.OperatorNotAuthorizedError
	require.ErrorAs(t, err, &na)
}

func TestPlanBatchesPreviewsWithoutDebiting(t *testing.T) {
	env := newTestEnv(t)
	plan, err := env.svc.PlanBatches(context.Background(), "s1", "milk", 20)
	require.NoError(t, err)

	assert.Equal(t, 13, plan.Available)
	assert.Equal(t, 7, plan.Shortfall)
	require.NotNil(t, plan.NextExpiring)
	assert.Equal(t, "b1", plan.NextExpiring.ID)
	assert.Equal(t, 3, env.batchQty(t, "b1"))

	_, err = env.svc.PlanBatches(context.Background(), "s1", "ghost", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
