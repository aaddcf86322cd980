package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const createSale = `-- name: CreateSale :one
INSERT INTO sales (user_id, product_id, quantity, total_price, sale_date)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`

type CreateSaleParams struct {
	UserID     int64
	ProductID  int64
	Quantity   int32
	TotalPrice decimal.Decimal
	SaleDate   time.Time
}

func (q *Queries) CreateSale(ctx context.Context, arg CreateSaleParams) (int64, error) {
	row := q.db.QueryRow(ctx, createSale,
		arg.UserID,
		arg.ProductID,
		arg.Quantity,
		arg.TotalPrice,
		arg.SaleDate,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const listSales = `-- name: ListSales :many
SELECT s.id, s.user_id, COALESCE(s.product_id, s.retired_product_id), s.retired_product_id IS NOT NULL,
       s.quantity, s.total_price, s.sale_date, COALESCE(p.name, '')
FROM sales s
LEFT JOIN products p ON p.id = s.product_id
ORDER BY s.id
`

func (q *Queries) ListSales(ctx context.Context) ([]SaleRow, error) {
	rows, err := q.db.Query(ctx, listSales)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanSaleRow)
}

const listSalesByUserID = `-- name: ListSalesByUserID :many
SELECT s.id, s.user_id, COALESCE(s.product_id, s.retired_product_id), s.retired_product_id IS NOT NULL,
       s.quantity, s.total_price, s.sale_date, COALESCE(p.name, '')
FROM sales s
LEFT JOIN products p ON p.id = s.product_id
WHERE s.user_id = $1
ORDER BY s.sale_date, s.id
`

func (q *Queries) ListSalesByUserID(ctx context.Context, userID int64) ([]SaleRow, error) {
	rows, err := q.db.Query(ctx, listSalesByUserID, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanSaleRow)
}

func scanSaleRow(row pgx.CollectableRow) (SaleRow, error) {
	var i SaleRow
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.ProductID,
		&i.Retired,
		&i.Quantity,
		&i.TotalPrice,
		&i.SaleDate,
		&i.ProductName,
	)
	return i, err
}

const remapSaleProductIDs = `-- name: RemapSaleProductIDs :execrows
UPDATE sales AS s
SET product_id = m.new_id
FROM unnest($1::bigint[], $2::bigint[]) AS m(old_id, new_id)
WHERE s.product_id = m.old_id
`

// RemapSaleProductIDs rewrites every live product reference in a single
// statement, so each sale is matched against its pre-update value only once.
func (q *Queries) RemapSaleProductIDs(ctx context.Context, arg RenumberParams) (int64, error) {
	result, err := q.db.Exec(ctx, remapSaleProductIDs, arg.OldIds, arg.NewIds)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const retireSaleProductID = `-- name: RetireSaleProductID :execrows
UPDATE sales
SET retired_product_id = product_id, product_id = NULL
WHERE product_id = $1
`

func (q *Queries) RetireSaleProductID(ctx context.Context, productID int64) (int64, error) {
	result, err := q.db.Exec(ctx, retireSaleProductID, productID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
