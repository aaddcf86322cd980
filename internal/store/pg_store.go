package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/store/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	db *pgxpool.Pool
	q  *db.Queries
}

// NewPgStore creates a new instance of Store using a PostgreSQL connection pool.
func NewPgStore(dbp *pgxpool.Pool) *PgStore {
	return &PgStore{
		db: dbp,
		q:  db.New(dbp),
	}
}

func (p *PgStore) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return p.withTransaction(ctx, false, fn)
}

func (p *PgStore) InExclusiveTx(ctx context.Context, fn func(tx Tx) error) error {
	return p.withTransaction(ctx, true, fn)
}

func (p *PgStore) withTransaction(ctx context.Context, exclusive bool, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionBegin, err)
	}
	qtx := p.q.WithTx(tx)

	err = func() error {
		if exclusive {
			if err := qtx.LockCatalogAndLedger(ctx); err != nil {
				return fmt.Errorf("failed to lock tables: %w", err)
			}
		}
		return fn(&pgTx{q: qtx})
	}()
	if err != nil {
		// the request context may already be done; the rollback must still reach the server
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return wrapAbort(ctx, perrors.ErrTransactionRollback, errors.Join(err, rbErr))
		}
		return abortError(ctx, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionCommit, err)
	}

	return nil
}

type pgTx struct {
	q *db.Queries
}

func (t *pgTx) Catalog() Catalog { return &pgCatalog{q: t.q} }
func (t *pgTx) Ledger() Ledger   { return &pgLedger{q: t.q} }

type pgCatalog struct {
	q *db.Queries
}

func fromDBProduct(p db.Product) Product {
	return Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Quantity:    p.Quantity,
	}
}

func (c *pgCatalog) Get(ctx context.Context, id int64) (Product, error) {
	p, err := c.q.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, perrors.ErrProductNotFound
		}
		return Product{}, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return fromDBProduct(p), nil
}

func (c *pgCatalog) GetForUpdate(ctx context.Context, id int64) (Product, error) {
	p, err := c.q.GetProductForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, perrors.ErrProductNotFound
		}
		return Product{}, fmt.Errorf("failed to lock product %d: %w", id, err)
	}
	return fromDBProduct(p), nil
}

func (c *pgCatalog) ListAll(ctx context.Context) ([]Product, error) {
	rows, err := c.q.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	list := make([]Product, 0, len(rows))
	for _, p := range rows {
		list = append(list, fromDBProduct(p))
	}
	return list, nil
}

func (c *pgCatalog) ListAvailable(ctx context.Context) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		for p, err := range c.q.ListAvailableProducts(ctx) {
			if err != nil {
				yield(Product{}, fmt.Errorf("failed to list available products: %w", err))
				return
			}
			if !yield(fromDBProduct(p), nil) {
				return
			}
		}
	}
}

func (c *pgCatalog) Create(ctx context.Context, np NewProduct) (int64, error) {
	if err := validateNewProduct(np); err != nil {
		return 0, err
	}
	id, err := c.q.CreateProduct(ctx, db.CreateProductParams{
		Name:        np.Name,
		Description: np.Description,
		Price:       np.Price,
		Quantity:    np.Quantity,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create product: %w", err)
	}
	return id, nil
}

func (c *pgCatalog) Update(ctx context.Context, p Product) error {
	if err := validateNewProduct(NewProduct{Price: p.Price, Quantity: p.Quantity}); err != nil {
		return err
	}
	n, err := c.q.UpdateProduct(ctx, db.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Quantity:    p.Quantity,
	})
	if err != nil {
		return fmt.Errorf("failed to update product %d: %w", p.ID, err)
	}
	if n == 0 {
		return perrors.ErrProductNotFound
	}
	return nil
}

func (c *pgCatalog) DecrementQuantity(ctx context.Context, id int64, amount int32) error {
	n, err := c.q.DecrementProductQuantity(ctx, db.DecrementProductQuantityParams{ID: id, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to decrement quantity of product %d: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	// Nothing matched: either the product is gone or it has too little stock.
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	return perrors.ErrInsufficientStock
}

func (c *pgCatalog) Delete(ctx context.Context, id int64) error {
	n, err := c.q.DeleteProduct(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete product %d: %w", id, err)
	}
	if n == 0 {
		return perrors.ErrProductNotFound
	}
	return nil
}

func (c *pgCatalog) Renumber(ctx context.Context, mapping map[int64]int64) error {
	if len(mapping) == 0 {
		return nil
	}
	oldIDs, newIDs := splitMapping(mapping)
	moved, err := c.q.NegateProductIDs(ctx, db.RenumberParams{OldIds: oldIDs, NewIds: newIDs})
	if err != nil {
		return fmt.Errorf("failed to renumber products: %w", err)
	}
	if moved != int64(len(oldIDs)) {
		return fmt.Errorf("failed to renumber products: %d of %d rows matched", moved, len(oldIDs))
	}
	if _, err := c.q.RestoreProductIDs(ctx); err != nil {
		return fmt.Errorf("failed to renumber products: %w", err)
	}
	return nil
}

func (c *pgCatalog) ResetIDSequence(ctx context.Context) error {
	if err := c.q.ResetProductIDSequence(ctx); err != nil {
		return fmt.Errorf("failed to reset product id sequence: %w", err)
	}
	return nil
}

type pgLedger struct {
	q *db.Queries
}

func fromDBSaleRow(r db.SaleRow) SaleRecord {
	return SaleRecord{
		Sale: Sale{
			ID:         r.ID,
			UserID:     r.UserID,
			ProductID:  r.ProductID,
			Retired:    r.Retired,
			Quantity:   r.Quantity,
			TotalPrice: r.TotalPrice,
			SaleDate:   r.SaleDate,
		},
		ProductName: r.ProductName,
	}
}

func (l *pgLedger) Append(ctx context.Context, s NewSale) (int64, error) {
	id, err := l.q.CreateSale(ctx, db.CreateSaleParams{
		UserID:     s.UserID,
		ProductID:  s.ProductID,
		Quantity:   s.Quantity,
		TotalPrice: s.TotalPrice,
		SaleDate:   s.SaleDate,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append sale: %w", err)
	}
	return id, nil
}

func (l *pgLedger) ListAll(ctx context.Context) ([]SaleRecord, error) {
	rows, err := l.q.ListSales(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	list := make([]SaleRecord, 0, len(rows))
	for _, r := range rows {
		list = append(list, fromDBSaleRow(r))
	}
	return list, nil
}

func (l *pgLedger) ListForUser(ctx context.Context, userID int64) ([]SaleRecord, error) {
	rows, err := l.q.ListSalesByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales of user %d: %w", userID, err)
	}
	list := make([]SaleRecord, 0, len(rows))
	for _, r := range rows {
		list = append(list, fromDBSaleRow(r))
	}
	return list, nil
}

func (l *pgLedger) RemapProductIDs(ctx context.Context, mapping map[int64]int64) error {
	if len(mapping) == 0 {
		return nil
	}
	oldIDs, newIDs := splitMapping(mapping)
	if _, err := l.q.RemapSaleProductIDs(ctx, db.RenumberParams{OldIds: oldIDs, NewIds: newIDs}); err != nil {
		return fmt.Errorf("failed to remap sales: %w", err)
	}
	return nil
}

func (l *pgLedger) RetireProductID(ctx context.Context, productID int64) (int64, error) {
	n, err := l.q.RetireSaleProductID(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to retire sales of product %d: %w", productID, err)
	}
	return n, nil
}
