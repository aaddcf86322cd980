package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          int64
	Name        string
	Description string
	Price       decimal.Decimal
	Quantity    int32
}

type SaleRow struct {
	ID          int64
	UserID      int64
	ProductID   int64
	Retired     bool
	Quantity    int32
	TotalPrice  decimal.Decimal
	SaleDate    time.Time
	ProductName string
}
