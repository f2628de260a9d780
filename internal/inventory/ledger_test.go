package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestAppendMovesStockAndKeepsLedgerBalanced(t *testing.T) {
	f := newFixture(t, domain.ProductBatch{ID: "a", ExpirationDate: date(2024, 2, 1), CurrentQuantity: 10})
	ctx := context.Background()

	for _, m := range []domain.StockMovement{
		{Type: domain.MovementSale, Quantity: -4},
		{Type: domain.MovementReturn, Quantity: 1},
		{Type: domain.MovementDamage, Quantity: -2},
		{Type: domain.MovementAdjustment, Quantity: 5},
	} {
		m.StoreID, m.ProductID = "s1", "milk"
		require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
			_, err := f.ledger.Append(ctx, tx, m)
			return err
		}))
	}

	rec, err := f.ledger.Reconcile(ctx, "s1", "milk")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.InitialStock)
	assert.Equal(t, 0, rec.LedgerSum)
	assert.Equal(t, 10, rec.CurrentStock)
	assert.True(t, rec.Balanced())
}

func TestAppendRejectsGoingNegative(t *testing.T) {
	f := newFixture(t, domain.ProductBatch{ID: "a", ExpirationDate: date(2024, 2, 1), CurrentQuantity: 2})
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		_, err := f.ledger.Append(ctx, tx, domain.StockMovement{StoreID: "s1", ProductID: "milk", Type: domain.MovementSale, Quantity: -3})
		return err
	})

	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Available)
	assert.Equal(t, 3, stockErr.Requested)
}

func TestAppendValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []domain.StockMovement{
		{StoreID: "s1", ProductID: "milk", Type: "BOGUS", Quantity: 1},
		{StoreID: "s1", ProductID: "milk", Type: domain.MovementAdjustment, Quantity: 0},
		{StoreID: "s1", Type: domain.MovementAdjustment, Quantity: 1},
	}
	for _, m := range cases {
		err := f.store.InTx(ctx, func(tx store.Tx) error {
			_, err := f.ledger.Append(ctx, tx, m)
			return err
		})
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	}
}

func TestQueryFiltersByRange(t *testing.T) {
	f := newFixture(t, domain.ProductBatch{ID: "a", ExpirationDate: date(2024, 2, 1), CurrentQuantity: 10})
	ctx := context.Background()

	stamps := []time.Time{date(2024, 1, 1), date(2024, 1, 5), date(2024, 1, 10)}
	for _, at := range stamps {
		require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
			_, err := f.ledger.Append(ctx, tx, domain.StockMovement{
				StoreID: "s1", ProductID: "milk", Type: domain.MovementAdjustment, Quantity: 1, CreatedAt: at,
			})
			return err
		}))
	}

	got, err := f.ledger.Query(ctx, "s1", "milk", date(2024, 1, 2), date(2024, 1, 10))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, date(2024, 1, 5), got[0].CreatedAt)

	all, err := f.ledger.Query(ctx, "s1", "milk", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.ledger.Query(ctx, "s1", "milk", date(2024, 2, 1), date(2024, 1, 1))
	assert.Error(t, err)
}
