package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"golang.org/x/sync/semaphore"
)

const exclusiveWeight = 1 << 30

var errExclusiveRequired = errors.New("operation requires an exclusive unit of work")

// InMemory implements Store in process memory.
//
// Row-scoped units of work take one unit of the gate semaphore and lock
// individual products; their writes are buffered and applied on commit.
// Exclusive units of work take the whole gate and operate on a private copy
// of the state that replaces the committed one on commit.
type InMemory struct {
	gate *semaphore.Weighted

	mu    sync.RWMutex
	state *memState

	rowsMu sync.Mutex
	rows   map[int64]chan struct{}
}

type memState struct {
	products      map[int64]Product
	sales         []Sale
	nextProductID int64
	nextSaleID    int64
}

func (s *memState) clone() *memState {
	return &memState{
		products:      maps.Clone(s.products),
		sales:         slices.Clone(s.sales),
		nextProductID: s.nextProductID,
		nextSaleID:    s.nextSaleID,
	}
}

// NewInMemoryStore creates an empty in-memory Store.
func NewInMemoryStore() *InMemory {
	return &InMemory{
		gate: semaphore.NewWeighted(exclusiveWeight),
		state: &memState{
			products:      make(map[int64]Product),
			nextProductID: 1,
			nextSaleID:    1,
		},
		rows: make(map[int64]chan struct{}),
	}
}

func (m *InMemory) Ping(_ context.Context) error {
	return nil
}

func (m *InMemory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionBegin, err)
	}
	defer m.gate.Release(1)

	tx := &memTx{
		m:       m,
		pending: make(map[int64]Product),
		locks:   make(map[int64]chan struct{}),
	}
	defer tx.unlockRows()

	if err := fn(tx); err != nil {
		return abortError(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionCommit, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range tx.pending {
		m.state.products[id] = p
	}
	for _, s := range tx.sales {
		i, _ := slices.BinarySearchFunc(m.state.sales, s.ID, func(e Sale, id int64) int { return cmp.Compare(e.ID, id) })
		m.state.sales = slices.Insert(m.state.sales, i, s)
	}
	return nil
}

func (m *InMemory) InExclusiveTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.gate.Acquire(ctx, exclusiveWeight); err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionBegin, err)
	}
	defer m.gate.Release(exclusiveWeight)

	m.mu.RLock()
	st := m.state.clone()
	m.mu.RUnlock()

	tx := &memTx{m: m, exclusive: st}
	if err := fn(tx); err != nil {
		return abortError(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionCommit, err)
	}

	m.mu.Lock()
	m.state = st
	m.mu.Unlock()

	// No row-scoped unit of work can be running while the whole gate is held.
	m.rowsMu.Lock()
	m.rows = make(map[int64]chan struct{})
	m.rowsMu.Unlock()
	return nil
}

func (m *InMemory) rowLock(id int64) chan struct{} {
	m.rowsMu.Lock()
	defer m.rowsMu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.rows[id] = l
	}
	return l
}

// memTx is a unit of work over InMemory. exclusive is set for table-scoped
// units of work; otherwise writes go to pending and sales.
type memTx struct {
	m         *InMemory
	exclusive *memState

	pending map[int64]Product
	sales   []Sale
	locks   map[int64]chan struct{}
}

func (t *memTx) Catalog() Catalog { return (*memCatalog)(t) }
func (t *memTx) Ledger() Ledger   { return (*memLedger)(t) }

func (t *memTx) lockRow(ctx context.Context, id int64) error {
	if t.exclusive != nil {
		return nil
	}
	if _, held := t.locks[id]; held {
		return nil
	}
	l := t.m.rowLock(id)
	select {
	case l <- struct{}{}:
		t.locks[id] = l
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for lock on product %d: %w", id, ctx.Err())
	}
}

func (t *memTx) unlockRows() {
	for id, l := range t.locks {
		<-l
		delete(t.locks, id)
	}
}

// product reads a product through the unit of work's view.
func (t *memTx) product(id int64) (Product, bool) {
	if t.exclusive != nil {
		p, ok := t.exclusive.products[id]
		return p, ok
	}
	if p, ok := t.pending[id]; ok {
		return p, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	p, ok := t.m.state.products[id]
	return p, ok
}

func (t *memTx) products() []Product {
	var merged map[int64]Product
	if t.exclusive != nil {
		merged = t.exclusive.products
	} else {
		t.m.mu.RLock()
		merged = maps.Clone(t.m.state.products)
		t.m.mu.RUnlock()
		maps.Copy(merged, t.pending)
	}
	list := slices.Collect(maps.Values(merged))
	slices.SortFunc(list, func(a, b Product) int { return cmp.Compare(a.ID, b.ID) })
	return list
}

func (t *memTx) allSales() []Sale {
	if t.exclusive != nil {
		return slices.Clone(t.exclusive.sales)
	}
	t.m.mu.RLock()
	list := slices.Clone(t.m.state.sales)
	t.m.mu.RUnlock()
	list = append(list, t.sales...)
	slices.SortFunc(list, func(a, b Sale) int { return cmp.Compare(a.ID, b.ID) })
	return list
}

func (t *memTx) nextID(product bool) int64 {
	st := t.exclusive
	if st == nil {
		t.m.mu.Lock()
		defer t.m.mu.Unlock()
		st = t.m.state
	}
	if product {
		id := st.nextProductID
		st.nextProductID++
		return id
	}
	id := st.nextSaleID
	st.nextSaleID++
	return id
}

type memCatalog memTx

func (c *memCatalog) tx() *memTx { return (*memTx)(c) }

func (c *memCatalog) Get(_ context.Context, id int64) (Product, error) {
	p, ok := c.tx().product(id)
	if !ok {
		return Product{}, perrors.ErrProductNotFound
	}
	return p, nil
}

func (c *memCatalog) GetForUpdate(ctx context.Context, id int64) (Product, error) {
	if err := c.tx().lockRow(ctx, id); err != nil {
		return Product{}, err
	}
	return c.Get(ctx, id)
}

func (c *memCatalog) ListAll(_ context.Context) ([]Product, error) {
	return c.tx().products(), nil
}

func (c *memCatalog) ListAvailable(ctx context.Context) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		for _, p := range c.tx().products() {
			if err := ctx.Err(); err != nil {
				yield(Product{}, err)
				return
			}
			if p.Quantity <= 0 {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (c *memCatalog) Create(_ context.Context, np NewProduct) (int64, error) {
	if err := validateNewProduct(np); err != nil {
		return 0, err
	}
	p := Product{
		ID:          c.tx().nextID(true),
		Name:        np.Name,
		Description: np.Description,
		Price:       np.Price,
		Quantity:    np.Quantity,
	}
	c.put(p)
	return p.ID, nil
}

func (c *memCatalog) put(p Product) {
	if c.exclusive != nil {
		c.exclusive.products[p.ID] = p
		return
	}
	c.pending[p.ID] = p
}

func (c *memCatalog) Update(ctx context.Context, p Product) error {
	if err := validateNewProduct(NewProduct{Price: p.Price, Quantity: p.Quantity}); err != nil {
		return err
	}
	if _, err := c.GetForUpdate(ctx, p.ID); err != nil {
		return err
	}
	c.put(p)
	return nil
}

func (c *memCatalog) DecrementQuantity(ctx context.Context, id int64, amount int32) error {
	p, err := c.GetForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if amount > p.Quantity {
		return perrors.ErrInsufficientStock
	}
	p.Quantity -= amount
	c.put(p)
	return nil
}

func (c *memCatalog) Delete(_ context.Context, id int64) error {
	if c.exclusive == nil {
		return errExclusiveRequired
	}
	if _, ok := c.exclusive.products[id]; !ok {
		return perrors.ErrProductNotFound
	}
	delete(c.exclusive.products, id)
	return nil
}

func (c *memCatalog) Renumber(_ context.Context, mapping map[int64]int64) error {
	if c.exclusive == nil {
		return errExclusiveRequired
	}
	for oldID := range mapping {
		if _, ok := c.exclusive.products[oldID]; !ok {
			return fmt.Errorf("renumber: product %d: %w", oldID, perrors.ErrProductNotFound)
		}
	}
	if err := checkBijection(slices.Collect(maps.Keys(c.exclusive.products)), mapping); err != nil {
		return err
	}
	renumbered := make(map[int64]Product, len(c.exclusive.products))
	for id, p := range c.exclusive.products {
		if newID, ok := mapping[id]; ok {
			p.ID = newID
		}
		renumbered[p.ID] = p
	}
	c.exclusive.products = renumbered
	return nil
}

func (c *memCatalog) ResetIDSequence(_ context.Context) error {
	if c.exclusive == nil {
		return errExclusiveRequired
	}
	var maxID int64
	for id := range c.exclusive.products {
		maxID = max(maxID, id)
	}
	c.exclusive.nextProductID = maxID + 1
	return nil
}

type memLedger memTx

func (l *memLedger) tx() *memTx { return (*memTx)(l) }

func (l *memLedger) Append(_ context.Context, ns NewSale) (int64, error) {
	s := Sale{
		ID:         l.tx().nextID(false),
		UserID:     ns.UserID,
		ProductID:  ns.ProductID,
		Quantity:   ns.Quantity,
		TotalPrice: ns.TotalPrice,
		SaleDate:   ns.SaleDate,
	}
	if l.exclusive != nil {
		l.exclusive.sales = append(l.exclusive.sales, s)
		return s.ID, nil
	}
	l.sales = append(l.sales, s)
	return s.ID, nil
}

func (l *memLedger) records(filter func(Sale) bool) []SaleRecord {
	names := make(map[int64]string)
	for _, p := range l.tx().products() {
		names[p.ID] = p.Name
	}
	var list []SaleRecord
	for _, s := range l.tx().allSales() {
		if !filter(s) {
			continue
		}
		r := SaleRecord{Sale: s}
		if !s.Retired {
			r.ProductName = names[s.ProductID]
		}
		list = append(list, r)
	}
	return list
}

func (l *memLedger) ListAll(_ context.Context) ([]SaleRecord, error) {
	return l.records(func(Sale) bool { return true }), nil
}

func (l *memLedger) ListForUser(_ context.Context, userID int64) ([]SaleRecord, error) {
	list := l.records(func(s Sale) bool { return s.UserID == userID })
	slices.SortStableFunc(list, func(a, b SaleRecord) int { return a.SaleDate.Compare(b.SaleDate) })
	return list, nil
}

func (l *memLedger) RemapProductIDs(_ context.Context, mapping map[int64]int64) error {
	if l.exclusive == nil {
		return errExclusiveRequired
	}
	for i, s := range l.exclusive.sales {
		if s.Retired {
			continue
		}
		if newID, ok := mapping[s.ProductID]; ok {
			l.exclusive.sales[i].ProductID = newID
		}
	}
	return nil
}

func (l *memLedger) RetireProductID(_ context.Context, productID int64) (int64, error) {
	if l.exclusive == nil {
		return 0, errExclusiveRequired
	}
	var retired int64
	for i, s := range l.exclusive.sales {
		if !s.Retired && s.ProductID == productID {
			l.exclusive.sales[i].Retired = true
			retired++
		}
	}
	return retired, nil
}
