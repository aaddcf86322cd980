package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// MySQLStore implements Store on InnoDB. Row-scoped units of work rely on
// locking reads; exclusive units of work take locking reads over both tables
// before doing anything else.
type MySQLStore struct {
	db *sqlx.DB
}

func NewMySQLStore(db *sqlx.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (m *MySQLStore) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.withTransaction(ctx, false, fn)
}

func (m *MySQLStore) InExclusiveTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.withTransaction(ctx, true, fn)
}

func (m *MySQLStore) withTransaction(ctx context.Context, exclusive bool, fn func(tx Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionBegin, err)
	}

	err = func() error {
		if exclusive {
			if err := lockMySQLTables(ctx, tx); err != nil {
				return err
			}
		}
		return fn(&mysqlTx{tx: tx})
	}()
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return wrapAbort(ctx, perrors.ErrTransactionRollback, errors.Join(err, rbErr))
		}
		return abortError(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return wrapAbort(ctx, perrors.ErrTransactionCommit, err)
	}
	return nil
}

// lockMySQLTables takes next-key locks on every row of both tables, which also
// blocks inserts until the transaction ends. LOCK TABLES is not used because it
// implicitly commits.
func lockMySQLTables(ctx context.Context, tx *sqlx.Tx) error {
	var ids []int64
	if err := tx.SelectContext(ctx, &ids, `SELECT id FROM products FOR UPDATE`); err != nil {
		return fmt.Errorf("failed to lock products: %w", err)
	}
	ids = ids[:0]
	if err := tx.SelectContext(ctx, &ids, `SELECT id FROM sales FOR UPDATE`); err != nil {
		return fmt.Errorf("failed to lock sales: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t *mysqlTx) Catalog() Catalog { return &mysqlCatalog{tx: t.tx} }
func (t *mysqlTx) Ledger() Ledger   { return &mysqlLedger{tx: t.tx} }

type productRow struct {
	ID          int64           `db:"id"`
	Name        string          `db:"name"`
	Description string          `db:"description"`
	Price       decimal.Decimal `db:"price"`
	Quantity    int32           `db:"quantity"`
}

func (r productRow) toProduct() Product {
	return Product{ID: r.ID, Name: r.Name, Description: r.Description, Price: r.Price, Quantity: r.Quantity}
}

const selectProductColumns = `SELECT id, name, description, price, quantity FROM products`

type mysqlCatalog struct {
	tx *sqlx.Tx
}

func (c *mysqlCatalog) get(ctx context.Context, query string, id int64) (Product, error) {
	var row productRow
	if err := c.tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, perrors.ErrProductNotFound
		}
		return Product{}, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return row.toProduct(), nil
}

func (c *mysqlCatalog) Get(ctx context.Context, id int64) (Product, error) {
	return c.get(ctx, selectProductColumns+` WHERE id = ?`, id)
}

func (c *mysqlCatalog) GetForUpdate(ctx context.Context, id int64) (Product, error) {
	return c.get(ctx, selectProductColumns+` WHERE id = ? FOR UPDATE`, id)
}

func (c *mysqlCatalog) ListAll(ctx context.Context) ([]Product, error) {
	var rows []productRow
	if err := c.tx.SelectContext(ctx, &rows, selectProductColumns+` ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	list := make([]Product, 0, len(rows))
	for _, r := range rows {
		list = append(list, r.toProduct())
	}
	return list, nil
}

func (c *mysqlCatalog) ListAvailable(ctx context.Context) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		rows, err := c.tx.QueryxContext(ctx, selectProductColumns+` WHERE quantity > 0 ORDER BY id`)
		if err != nil {
			yield(Product{}, fmt.Errorf("failed to list available products: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var row productRow
			if err := rows.StructScan(&row); err != nil {
				yield(Product{}, fmt.Errorf("failed to scan product: %w", err))
				return
			}
			if !yield(row.toProduct(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Product{}, fmt.Errorf("failed to list available products: %w", err))
		}
	}
}

func (c *mysqlCatalog) Create(ctx context.Context, np NewProduct) (int64, error) {
	if err := validateNewProduct(np); err != nil {
		return 0, err
	}
	res, err := c.tx.NamedExecContext(ctx,
		`INSERT INTO products (name, description, price, quantity) VALUES (:name, :description, :price, :quantity)`,
		productRow{Name: np.Name, Description: np.Description, Price: np.Price, Quantity: np.Quantity})
	if err != nil {
		return 0, fmt.Errorf("failed to create product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create product: %w", err)
	}
	return id, nil
}

func (c *mysqlCatalog) Update(ctx context.Context, p Product) error {
	if err := validateNewProduct(NewProduct{Price: p.Price, Quantity: p.Quantity}); err != nil {
		return err
	}
	// RowsAffected is 0 for an unchanged row, so existence is checked with a locking read.
	if _, err := c.GetForUpdate(ctx, p.ID); err != nil {
		return err
	}
	_, err := c.tx.NamedExecContext(ctx,
		`UPDATE products SET name = :name, description = :description, price = :price, quantity = :quantity WHERE id = :id`,
		productRow{ID: p.ID, Name: p.Name, Description: p.Description, Price: p.Price, Quantity: p.Quantity})
	if err != nil {
		return fmt.Errorf("failed to update product %d: %w", p.ID, err)
	}
	return nil
}

func (c *mysqlCatalog) DecrementQuantity(ctx context.Context, id int64, amount int32) error {
	res, err := c.tx.ExecContext(ctx,
		`UPDATE products SET quantity = quantity - ? WHERE id = ? AND quantity >= ?`, amount, id, amount)
	if err != nil {
		return fmt.Errorf("failed to decrement quantity of product %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to decrement quantity of product %d: %w", id, err)
	}
	if n == 1 || amount == 0 {
		return nil
	}
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	return perrors.ErrInsufficientStock
}

func (c *mysqlCatalog) Delete(ctx context.Context, id int64) error {
	res, err := c.tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete product %d: %w", id, err)
	}
	if n == 0 {
		return perrors.ErrProductNotFound
	}
	return nil
}

// caseMapping builds "CASE col WHEN ? THEN ? ... END" and its arguments.
func caseMapping(column string, mapping map[int64]int64) (string, []any, []int64) {
	oldIDs, newIDs := splitMapping(mapping)
	var b strings.Builder
	args := make([]any, 0, 2*len(oldIDs))
	b.WriteString("CASE " + column)
	for i := range oldIDs {
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, oldIDs[i], newIDs[i])
	}
	b.WriteString(" END")
	return b.String(), args, oldIDs
}

func (c *mysqlCatalog) Renumber(ctx context.Context, mapping map[int64]int64) error {
	if len(mapping) == 0 {
		return nil
	}
	caseExpr, args, oldIDs := caseMapping("id", mapping)
	query, args, err := sqlx.In(`UPDATE products SET id = -(`+caseExpr+`) WHERE id IN (?)`, append(args, oldIDs)...)
	if err != nil {
		return fmt.Errorf("failed to build renumber query: %w", err)
	}
	res, err := c.tx.ExecContext(ctx, c.tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to renumber products: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renumber products: %w", err)
	}
	if n != int64(len(oldIDs)) {
		return fmt.Errorf("failed to renumber products: %d of %d rows matched", n, len(oldIDs))
	}
	if _, err := c.tx.ExecContext(ctx, `UPDATE products SET id = -id WHERE id < 0`); err != nil {
		return fmt.Errorf("failed to renumber products: %w", err)
	}
	return nil
}

// ResetIDSequence is a no-op: ALTER TABLE ... AUTO_INCREMENT implicitly commits.
// The counter keeps its value, so after deleting the last-numbered product the next
// insert skips an id until a later resequence or a server restart closes the gap.
func (c *mysqlCatalog) ResetIDSequence(_ context.Context) error {
	return nil
}

type saleRow struct {
	ID          int64           `db:"id"`
	UserID      int64           `db:"user_id"`
	ProductID   int64           `db:"product_id"`
	Retired     bool            `db:"retired"`
	Quantity    int32           `db:"quantity"`
	TotalPrice  decimal.Decimal `db:"total_price"`
	SaleDate    time.Time       `db:"sale_date"`
	ProductName string          `db:"product_name"`
}

func (r saleRow) toRecord() SaleRecord {
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

const selectSaleRecords = `
SELECT s.id, s.user_id, COALESCE(s.product_id, s.retired_product_id) AS product_id,
       s.retired_product_id IS NOT NULL AS retired, s.quantity, s.total_price, s.sale_date,
       COALESCE(p.name, '') AS product_name
FROM sales s
LEFT JOIN products p ON p.id = s.product_id`

type mysqlLedger struct {
	tx *sqlx.Tx
}

func (l *mysqlLedger) Append(ctx context.Context, s NewSale) (int64, error) {
	res, err := l.tx.ExecContext(ctx,
		`INSERT INTO sales (user_id, product_id, quantity, total_price, sale_date) VALUES (?, ?, ?, ?, ?)`,
		s.UserID, s.ProductID, s.Quantity, s.TotalPrice, s.SaleDate.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to append sale: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to append sale: %w", err)
	}
	return id, nil
}

func (l *mysqlLedger) list(ctx context.Context, query string, args ...any) ([]SaleRecord, error) {
	var rows []saleRow
	if err := l.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	list := make([]SaleRecord, 0, len(rows))
	for _, r := range rows {
		list = append(list, r.toRecord())
	}
	return list, nil
}

func (l *mysqlLedger) ListAll(ctx context.Context) ([]SaleRecord, error) {
	return l.list(ctx, selectSaleRecords+` ORDER BY s.id`)
}

func (l *mysqlLedger) ListForUser(ctx context.Context, userID int64) ([]SaleRecord, error) {
	return l.list(ctx, selectSaleRecords+` WHERE s.user_id = ? ORDER BY s.sale_date, s.id`, userID)
}

func (l *mysqlLedger) RemapProductIDs(ctx context.Context, mapping map[int64]int64) error {
	if len(mapping) == 0 {
		return nil
	}
	caseExpr, args, oldIDs := caseMapping("product_id", mapping)
	query, args, err := sqlx.In(`UPDATE sales SET product_id = `+caseExpr+` WHERE product_id IN (?)`, append(args, oldIDs)...)
	if err != nil {
		return fmt.Errorf("failed to build remap query: %w", err)
	}
	if _, err := l.tx.ExecContext(ctx, l.tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to remap sales: %w", err)
	}
	return nil
}

func (l *mysqlLedger) RetireProductID(ctx context.Context, productID int64) (int64, error) {
	res, err := l.tx.ExecContext(ctx,
		`UPDATE sales SET retired_product_id = product_id, product_id = NULL WHERE product_id = ?`, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to retire sales of product %d: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to retire sales of product %d: %w", productID, err)
	}
	return n, nil
}
