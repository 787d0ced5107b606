// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every product chain sorted by position. A unit of work runs on
// a private copy of the data which replaces the shared copy on commit, so
// readers never see a half-replayed chain and a failed unit leaves nothing
// behind.
type Memory struct {
	writeMu sync.Mutex // one unit of work at a time
	mu      sync.RWMutex
	data    *dataset
}

type dataset struct {
	products      map[ledger.ProductID]ledger.Product
	skus          map[string]ledger.ProductID
	chains        map[ledger.ProductID][]ledger.Transaction
	nextProductID int64
	nextTxID      int64
}

func NewMemory() *Memory {
	return &Memory{data: &dataset{
		products: make(map[ledger.ProductID]ledger.Product),
		skus:     make(map[string]ledger.ProductID),
		chains:   make(map[ledger.ProductID][]ledger.Transaction),
	}}
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		products:      make(map[ledger.ProductID]ledger.Product, len(d.products)),
		skus:          make(map[string]ledger.ProductID, len(d.skus)),
		chains:        make(map[ledger.ProductID][]ledger.Transaction, len(d.chains)),
		nextProductID: d.nextProductID,
		nextTxID:      d.nextTxID,
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.skus {
		c.skus[k] = v
	}
	for k, v := range d.chains {
		c.chains[k] = append([]ledger.Transaction(nil), v...)
	}
	return c
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) CreateProduct(_ context.Context, p ledger.Product) (ledger.Product, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.data.skus[p.SKU]; taken {
		return ledger.Product{}, ledger.ErrDuplicateSKU
	}
	m.data.nextProductID++
	p.ID = ledger.ProductID(m.data.nextProductID)
	m.data.products[p.ID] = p
	m.data.skus[p.SKU] = p.ID
	return p, nil
}

func (m *Memory) Product(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.product(id)
}

func (m *Memory) ListProducts(_ context.Context, page ledger.Page) ([]ledger.Product, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]ledger.Product, 0, len(m.data.products))
	for _, p := range m.data.products {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page), len(all), nil
}

func (m *Memory) Transaction(_ context.Context, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.transaction(productID, id)
}

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.data.chains[filter.ProductID]
	matched := make([]ledger.Transaction, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if filter.Type == 0 || chain[i].Type == filter.Type {
			matched = append(matched, chain[i])
		}
	}
	return paginate(matched, filter.Page), len(matched), nil
}

func (m *Memory) Chain(_ context.Context, productID ledger.ProductID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Transaction(nil), m.data.chains[productID]...), nil
}

func paginate[T any](items []T, page ledger.Page) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a working copy that is swapped in
// on success and dropped on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	work := m.data.clone()
	m.mu.RUnlock()

	if err := fn(&txView{data: work}); err != nil {
		return err
	}

	m.mu.Lock()
	m.data = work
	m.mu.Unlock()
	return nil
}

type txView struct {
	data *dataset
}

func (v *txView) LockProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return v.data.product(id)
}

func (v *txView) UpdateProductState(_ context.Context, id ledger.ProductID, state ledger.RunningState) error {
	p, err := v.data.product(id)
	if err != nil {
		return err
	}
	v.data.products[id] = p.WithState(state)
	return nil
}

func (v *txView) Transaction(_ context.Context, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	return v.data.transaction(productID, id)
}

func (v *txView) Latest(_ context.Context, productID ledger.ProductID) (*ledger.Transaction, error) {
	chain := v.data.chains[productID]
	if len(chain) == 0 {
		return nil, nil
	}
	tx := chain[len(chain)-1]
	return &tx, nil
}

func (v *txView) Previous(_ context.Context, productID ledger.ProductID, pos ledger.Position) (*ledger.Transaction, error) {
	chain := v.data.chains[productID]
	i := sort.Search(len(chain), func(i int) bool { return !chain[i].Position().Less(pos) })
	if i == 0 {
		return nil, nil
	}
	tx := chain[i-1]
	return &tx, nil
}

func (v *txView) Next(_ context.Context, productID ledger.ProductID, pos ledger.Position) (*ledger.Transaction, error) {
	chain := v.data.chains[productID]
	i := firstAfter(chain, pos)
	if i == len(chain) {
		return nil, nil
	}
	tx := chain[i]
	return &tx, nil
}

func (v *txView) After(_ context.Context, productID ledger.ProductID, pos ledger.Position) ([]ledger.Transaction, error) {
	chain := v.data.chains[productID]
	return append([]ledger.Transaction(nil), chain[firstAfter(chain, pos):]...), nil
}

func (v *txView) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if _, err := v.data.product(tx.ProductID); err != nil {
		return ledger.Transaction{}, err
	}
	v.data.nextTxID++
	tx.ID = ledger.TransactionID(v.data.nextTxID)

	chain := v.data.chains[tx.ProductID]
	i := firstAfter(chain, tx.Position())
	chain = append(chain, ledger.Transaction{})
	copy(chain[i+1:], chain[i:])
	chain[i] = tx
	v.data.chains[tx.ProductID] = chain
	return tx, nil
}

func (v *txView) UpdateTransaction(_ context.Context, tx ledger.Transaction) error {
	chain := v.data.chains[tx.ProductID]
	i := v.data.index(tx.ProductID, tx.ID)
	if i < 0 {
		return ledger.ErrTransactionNotFound
	}
	stored := chain[i]
	stored.Quantity = tx.Quantity
	stored.UnitCost = tx.UnitCost
	stored.TotalCost = tx.TotalCost
	stored.QuantityBefore = tx.QuantityBefore
	stored.QuantityAfter = tx.QuantityAfter
	stored.WACBefore = tx.WACBefore
	stored.WACAfter = tx.WACAfter
	stored.UpdatedAt = tx.UpdatedAt
	chain[i] = stored
	return nil
}

func (v *txView) DeleteTransaction(_ context.Context, productID ledger.ProductID, id ledger.TransactionID) error {
	i := v.data.index(productID, id)
	if i < 0 {
		return ledger.ErrTransactionNotFound
	}
	chain := v.data.chains[productID]
	v.data.chains[productID] = append(chain[:i], chain[i+1:]...)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *dataset) product(id ledger.ProductID) (ledger.Product, error) {
	p, ok := d.products[id]
	if !ok {
		return ledger.Product{}, ledger.ErrProductNotFound
	}
	return p, nil
}

func (d *dataset) transaction(productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	i := d.index(productID, id)
	if i < 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return d.chains[productID][i], nil
}

func (d *dataset) index(productID ledger.ProductID, id ledger.TransactionID) int {
	for i, tx := range d.chains[productID] {
		if tx.ID == id {
			return i
		}
	}
	return -1
}

// firstAfter returns the index of the first row strictly after pos.
func firstAfter(chain []ledger.Transaction, pos ledger.Position) int {
	return sort.Search(len(chain), func(i int) bool { return pos.Less(chain[i].Position()) })
}
