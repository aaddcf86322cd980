package db

import (
	"context"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const getProduct = `-- name: GetProduct :one
SELECT id, name, description, price, quantity FROM products
WHERE id = $1
`

func (q *Queries) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := q.db.QueryRow(ctx, getProduct, id)
	var i Product
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Description,
		&i.Price,
		&i.Quantity,
	)
	return i, err
}

const getProductForUpdate = `-- name: GetProductForUpdate :one
SELECT id, name, description, price, quantity FROM products
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	row := q.db.QueryRow(ctx, getProductForUpdate, id)
	var i Product
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Description,
		&i.Price,
		&i.Quantity,
	)
	return i, err
}

const listProducts = `-- name: ListProducts :many
SELECT id, name, description, price, quantity FROM products
ORDER BY id
`

func (q *Queries) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := q.db.Query(ctx, listProducts)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanProduct)
}

const listAvailableProducts = `-- name: ListAvailableProducts :iter
SELECT id, name, description, price, quantity FROM products
WHERE quantity > 0
ORDER BY id
`

// ListAvailableProducts streams in-stock products without buffering the result set.
func (q *Queries) ListAvailableProducts(ctx context.Context) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		rows, err := q.db.Query(ctx, listAvailableProducts)
		if err != nil {
			yield(Product{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			i, err := scanProduct(rows)
			if !yield(i, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Product{}, err)
		}
	}
}

func scanProduct(row pgx.CollectableRow) (Product, error) {
	var i Product
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Description,
		&i.Price,
		&i.Quantity,
	)
	return i, err
}

const createProduct = `-- name: CreateProduct :one
INSERT INTO products (name, description, price, quantity)
VALUES ($1, $2, $3, $4)
RETURNING id
`

type CreateProductParams struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Quantity    int32
}

func (q *Queries) CreateProduct(ctx context.Context, arg CreateProductParams) (int64, error) {
	row := q.db.QueryRow(ctx, createProduct,
		arg.Name,
		arg.Description,
		arg.Price,
		arg.Quantity,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const updateProduct = `-- name: UpdateProduct :execrows
UPDATE products
SET name = $2, description = $3, price = $4, quantity = $5
WHERE id = $1
`

func (q *Queries) UpdateProduct(ctx context.Context, arg Product) (int64, error) {
	result, err := q.db.Exec(ctx, updateProduct,
		arg.ID,
		arg.Name,
		arg.Description,
		arg.Price,
		arg.Quantity,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const decrementProductQuantity = `-- name: DecrementProductQuantity :execrows
UPDATE products
SET quantity = quantity - $2
WHERE id = $1 AND quantity >= $2
`

type DecrementProductQuantityParams struct {
	ID     int64
	Amount int32
}

func (q *Queries) DecrementProductQuantity(ctx context.Context, arg DecrementProductQuantityParams) (int64, error) {
	result, err := q.db.Exec(ctx, decrementProductQuantity, arg.ID, arg.Amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteProduct = `-- name: DeleteProduct :execrows
DELETE FROM products
WHERE id = $1
`

func (q *Queries) DeleteProduct(ctx context.Context, id int64) (int64, error) {
	result, err := q.db.Exec(ctx, deleteProduct, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const negateProductIDs = `-- name: NegateProductIDs :execrows
UPDATE products AS p
SET id = -m.new_id
FROM unnest($1::bigint[], $2::bigint[]) AS m(old_id, new_id)
WHERE p.id = m.old_id
`

type RenumberParams struct {
	OldIds []int64
	NewIds []int64
}

// NegateProductIDs moves every mapped product to the negated target id. The
// primary key is checked per row, so renumbering goes through negative ids to
// avoid transient collisions between old and new values.
func (q *Queries) NegateProductIDs(ctx context.Context, arg RenumberParams) (int64, error) {
	result, err := q.db.Exec(ctx, negateProductIDs, arg.OldIds, arg.NewIds)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const restoreProductIDs = `-- name: RestoreProductIDs :execrows
UPDATE products
SET id = -id
WHERE id < 0
`

func (q *Queries) RestoreProductIDs(ctx context.Context) (int64, error) {
	result, err := q.db.Exec(ctx, restoreProductIDs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const resetProductIDSequence = `-- name: ResetProductIDSequence :exec
SELECT setval(pg_get_serial_sequence('products', 'id'), COALESCE(MAX(id), 0) + 1, false)
FROM products
`

func (q *Queries) ResetProductIDSequence(ctx context.Context) error {
	_, err := q.db.Exec(ctx, resetProductIDSequence)
	return err
}

const lockCatalogAndLedger = `-- name: LockCatalogAndLedger :exec
LOCK TABLE products, sales IN EXCLUSIVE MODE
`

// LockCatalogAndLedger blocks every concurrent writer and row lock on both
// tables until the transaction ends. Plain SELECTs are not blocked.
func (q *Queries) LockCatalogAndLedger(ctx context.Context) error {
	_, err := q.db.Exec(ctx, lockCatalogAndLedger)
	return err
}
