package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// Store keeps everything in process. Transactions are fully serialized: InTx
// works on a copy of the state and swaps it in only when fn succeeds and the
// context is still live, so a failed or abandoned transaction leaves nothing
// behind.
type Store struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	stores         map[string]domain.StoreSettings
	products       map[string]domain.Product
	batches        map[string]domain.ProductBatch
	batchOrder     []string
	movements      []domain.StockMovement
	batchMovements []domain.BatchStockMovement
	sales          map[string]domain.Sale
	saleItems      map[string][]domain.SaleItem
	returns        map[string][]domain.SaleReturnRecord
	employments    map[string]domain.Employment
	shifts         []domain.EmployeeShift
	pinAttempts    map[string]domain.PinAttempts
	auditLogs      []domain.AuditLog
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.AttemptStore = (*Store)(nil)
)

func New() *Store {
	return &Store{state: &state{
		stores:      map[string]domain.StoreSettings{},
		products:    map[string]domain.Product{},
		batches:     map[string]domain.ProductBatch{},
		sales:       map[string]domain.Sale{},
		saleItems:   map[string][]domain.SaleItem{},
		returns:     map[string][]domain.SaleReturnRecord{},
		employments: map[string]domain.Employment{},
		pinAttempts: map[string]domain.PinAttempts{},
	}}
}

func (s *state) clone() *state {
	c := &state{
		stores:         maps.Clone(s.stores),
		products:       maps.Clone(s.products),
		batches:        maps.Clone(s.batches),
		batchOrder:     slices.Clone(s.batchOrder),
		movements:      slices.Clone(s.movements),
		batchMovements: slices.Clone(s.batchMovements),
		sales:          maps.Clone(s.sales),
		saleItems:      maps.Clone(s.saleItems),
		returns:        maps.Clone(s.returns),
		employments:    maps.Clone(s.employments),
		shifts:         slices.Clone(s.shifts),
		pinAttempts:    maps.Clone(s.pinAttempts),
		auditLogs:      slices.Clone(s.auditLogs),
	}
	// Per-sale slices are appended to inside a transaction.
	for k, v := range c.saleItems {
		c.saleItems[k] = slices.Clone(v)
	}
	for k, v := range c.returns {
		c.returns[k] = slices.Clone(v)
	}
	return c
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(&memTx{st: draft}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// Seeding helpers. They bypass the ledger and are meant for fixtures.

func (s *Store) PutStore(settings domain.StoreSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.stores[settings.ID] = settings
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
}

func (s *Store) PutBatch(b domain.ProductBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.batches[b.ID]; !exists {
		s.state.batchOrder = append(s.state.batchOrder, b.ID)
	}
	s.state.batches[b.ID] = b
}

func (s *Store) PutEmployment(e domain.Employment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.employments[e.ID] = e
}

func (s *Store) PutShift(sh domain.EmployeeShift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.shifts = append(s.state.shifts, sh)
}

func (s *Store) GetStoreSettings(_ context.Context, storeID string) (*domain.StoreSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.storeSettings(storeID)
}

func (s *Store) GetProduct(_ context.Context, storeID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.products[productID]
	if !ok || p.StoreID != storeID {
		return nil, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) ListBatches(_ context.Context, storeID string, productID string, onlyAvailable bool) ([]domain.ProductBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.state.fefoBatches(storeID, productID)
	if !onlyAvailable {
		return all, nil
	}
	out := all[:0]
	for _, b := range all {
		if b.CurrentQuantity > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) ListStockMovements(_ context.Context, storeID string, productID string, from time.Time, to time.Time) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockMovement, 0)
	for _, m := range s.state.movements {
		if m.StoreID != storeID || m.ProductID != productID {
			continue
		}
		if !from.IsZero() && m.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !m.CreatedAt.Before(to) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) SumStockMovements(_ context.Context, storeID string, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := 0
	for _, m := range s.state.movements {
		if m.StoreID == storeID && m.ProductID == productID {
			sum += m.Quantity
		}
	}
	return sum, nil
}

func (s *Store) ListBatchMovements(_ context.Context, storeID string, productID string) ([]domain.BatchStockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BatchStockMovement, 0)
	for _, m := range s.state.batchMovements {
		if m.StoreID == storeID && m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetSale(_ context.Context, storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.sale(storeID, saleID)
}

func (s *Store) ListSaleReturns(_ context.Context, saleID string) ([]domain.SaleReturnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.state.returns[saleID]
	out := make([]domain.SaleReturnRecord, 0, len(records))
	for _, r := range records {
		r.Items = slices.Clone(r.Items)
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) FindEmployment(_ context.Context, storeID string, employmentID string) (*domain.Employment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.employments[employmentID]
	if !ok || e.StoreID != storeID {
		return nil, fmt.Errorf("employment %s: %w", employmentID, store.ErrNotFound)
	}
	return &e, nil
}

func (s *Store) FindEmploymentByUser(_ context.Context, storeID string, userID string) (*domain.Employment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.employmentByUser(storeID, userID)
}

func (s *Store) FindShift(_ context.Context, storeID string, employeeID string, date time.Time) (*domain.EmployeeShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	y, m, d := date.Date()
	for _, sh := range s.state.shifts {
		sy, sm, sd := sh.Date.Date()
		if sh.StoreID == storeID && sh.EmployeeID == employeeID && sy == y && sm == m && sd == d {
			return &sh, nil
		}
	}
	return nil, fmt.Errorf("shift for %s: %w", employeeID, store.ErrNotFound)
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.auditLogs = append(s.state.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, eventType domain.AuditEventType, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0)
	for i := len(s.state.auditLogs) - 1; i >= 0; i-- {
		entry := s.state.auditLogs[i]
		if entry.StoreID != storeID || (eventType != "" && entry.EventType != eventType) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SetEmploymentPin(_ context.Context, storeID string, employmentID string, pinHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.employments[employmentID]
	if !ok || e.StoreID != storeID {
		return fmt.Errorf("employment %s: %w", employmentID, store.ErrNotFound)
	}
	e.PinHash = pinHash
	e.RequiresPin = true
	s.state.employments[employmentID] = e
	return nil
}

func (s *Store) UpdatePinAttempts(ctx context.Context, employmentID string, fn func(*domain.PinAttempts) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.state.pinAttempts[employmentID]
	if !ok {
		current = domain.PinAttempts{EmploymentID: employmentID}
	}
	if err := fn(&current); err != nil {
		return err
	}
	s.state.pinAttempts[employmentID] = current
	return nil
}

// state lookups shared by Store and memTx.

func (s *state) storeSettings(storeID string) (*domain.StoreSettings, error) {
	settings, ok := s.stores[storeID]
	if !ok {
		return nil, fmt.Errorf("store %s: %w", storeID, store.ErrNotFound)
	}
	return &settings, nil
}

func (s *state) employmentByUser(storeID string, userID string) (*domain.Employment, error) {
	for _, e := range s.employments {
		if e.StoreID == storeID && e.UserID == userID {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("employment of %s: %w", userID, store.ErrNotFound)
}

func (s *state) sale(storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error) {
	sale, ok := s.sales[saleID]
	if !ok || sale.StoreID != storeID {
		return nil, nil, fmt.Errorf("sale %s: %w", saleID, store.ErrNotFound)
	}
	return &sale, slices.Clone(s.saleItems[saleID]), nil
}

func (s *state) fefoBatches(storeID string, productID string) []domain.ProductBatch {
	out := make([]domain.ProductBatch, 0)
	for _, id := range s.batchOrder {
		b := s.batches[id]
		if b.StoreID == storeID && b.ProductID == productID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpirationDate.Equal(out[j].ExpirationDate) {
			return out[i].ExpirationDate.Before(out[j].ExpirationDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type memTx struct {
	st *state
}

func (t *memTx) GetStoreSettings(_ context.Context, storeID string) (*domain.StoreSettings, error) {
	return t.st.storeSettings(storeID)
}

func (t *memTx) FindEmploymentByUser(_ context.Context, storeID string, userID string) (*domain.Employment, error) {
	return t.st.employmentByUser(storeID, userID)
}

func (t *memTx) LockProducts(_ context.Context, storeID string, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.st.products[id]; ok && p.StoreID == storeID {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) AdjustProductStock(_ context.Context, storeID string, productID string, delta int) (int, error) {
	p, ok := t.st.products[productID]
	if !ok || p.StoreID != storeID {
		return 0, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	p.CurrentStock += delta
	t.st.products[productID] = p
	return p.CurrentStock, nil
}

func (t *memTx) InsertStockMovement(_ context.Context, m domain.StockMovement) error {
	t.st.movements = append(t.st.movements, m)
	return nil
}

func (t *memTx) LockBatches(_ context.Context, storeID string, productID string) ([]domain.ProductBatch, error) {
	return t.st.fefoBatches(storeID, productID), nil
}

func (t *memTx) InsertBatch(_ context.Context, b domain.ProductBatch) error {
	if _, exists := t.st.batches[b.ID]; exists {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	t.st.batches[b.ID] = b
	t.st.batchOrder = append(t.st.batchOrder, b.ID)
	return nil
}

func (t *memTx) UpdateBatch(_ context.Context, batchID string, currentQuantity int, isExpired bool) error {
	b, ok := t.st.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	if currentQuantity < 0 {
		return fmt.Errorf("batch %s: quantity would become negative", batchID)
	}
	b.CurrentQuantity = currentQuantity
	b.IsExpired = isExpired
	t.st.batches[batchID] = b
	return nil
}

func (t *memTx) InsertBatchMovement(_ context.Context, m domain.BatchStockMovement) error {
	t.st.batchMovements = append(t.st.batchMovements, m)
	return nil
}

func (t *memTx) ListBatchMovementsForSaleItem(_ context.Context, saleItemID string) ([]domain.BatchStockMovement, error) {
	out := make([]domain.BatchStockMovement, 0)
	for _, m := range t.st.batchMovements {
		if m.SaleItemID == saleItemID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.st.sales[sale.ID]; exists {
		return fmt.Errorf("sale %s already exists", sale.ID)
	}
	t.st.sales[sale.ID] = sale
	return nil
}

func (t *memTx) InsertSaleItems(_ context.Context, items []domain.SaleItem) error {
	for _, item := range items {
		if _, ok := t.st.sales[item.SaleID]; !ok {
			return fmt.Errorf("sale %s: %w", item.SaleID, store.ErrNotFound)
		}
		t.st.saleItems[item.SaleID] = append(t.st.saleItems[item.SaleID], item)
	}
	return nil
}

func (t *memTx) UpdateSaleStatus(_ context.Context, saleID string, status domain.SaleStatus, completedAt *time.Time, at time.Time) error {
	sale, ok := t.st.sales[saleID]
	if !ok {
		return fmt.Errorf("sale %s: %w", saleID, store.ErrNotFound)
	}
	sale.Status = status
	sale.UpdatedAt = at
	if completedAt != nil {
		sale.CompletedAt = completedAt
	}
	t.st.sales[saleID] = sale
	return nil
}

func (t *memTx) LockSale(_ context.Context, storeID string, saleID string) (*domain.Sale, []domain.SaleItem, error) {
	return t.st.sale(storeID, saleID)
}

func (t *memTx) ReturnedQuantities(_ context.Context, saleID string) (map[string]int, error) {
	out := make(map[string]int)
	for _, r := range t.st.returns[saleID] {
		for _, item := range r.Items {
			out[item.SaleItemID] += item.Quantity
		}
	}
	return out, nil
}

func (t *memTx) InsertSaleReturn(_ context.Context, ret domain.SaleReturn, items []domain.SaleReturnItem) error {
	if _, ok := t.st.sales[ret.SaleID]; !ok {
		return fmt.Errorf("sale %s: %w", ret.SaleID, store.ErrNotFound)
	}
	t.st.returns[ret.SaleID] = append(t.st.returns[ret.SaleID], domain.SaleReturnRecord{
		SaleReturn: ret,
		Items:      slices.Clone(items),
	})
	return nil
}
