// Package store provides the catalog and sales ledger storage of the inventory engine.
//
// Both relations are only ever touched through a unit of work opened with
// Store.InTx or Store.InExclusiveTx; the Catalog and Ledger handed to the callback
// are bound to that unit of work and must not be retained after it returns.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       decimal.Decimal
	Quantity    int32
}

// NewProduct holds the fields of a product that does not have an id yet.
type NewProduct struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Quantity    int32
}

// Sale is a ledger entry. TotalPrice is the unit price at purchase time times Quantity.
// A retired sale references the id of a product that has since been deleted; the id is
// kept as a historical value and is never joined against the live catalog.
type Sale struct {
	ID         int64
	UserID     int64
	ProductID  int64
	Retired    bool
	Quantity   int32
	TotalPrice decimal.Decimal
	SaleDate   time.Time
}

// NewSale holds the fields of a sale that does not have an id yet.
type NewSale struct {
	UserID     int64
	ProductID  int64
	Quantity   int32
	TotalPrice decimal.Decimal
	SaleDate   time.Time
}

// SaleRecord is the reporting view of a sale joined with the current product name.
// ProductName is empty for retired sales.
type SaleRecord struct {
	Sale
	ProductName string
}

// Catalog is the product relation as seen from inside a unit of work.
type Catalog interface {
	// Get retrieves a product by id.
	// Returns ErrProductNotFound if no product exists with the given id.
	Get(ctx context.Context, id int64) (Product, error)

	// GetForUpdate retrieves a product and locks it until the unit of work ends.
	// Returns ErrProductNotFound if no product exists with the given id.
	GetForUpdate(ctx context.Context, id int64) (Product, error)

	// ListAll returns every product ordered by id ascending.
	ListAll(ctx context.Context) ([]Product, error)

	// ListAvailable lazily yields products with a positive quantity, ordered by id.
	ListAvailable(ctx context.Context) iter.Seq2[Product, error]

	// Create adds a product and returns its id.
	// Returns a validation error if price or quantity is negative.
	Create(ctx context.Context, p NewProduct) (int64, error)

	// Update overwrites every field of an existing product.
	// Returns ErrProductNotFound if no product exists with p.ID.
	Update(ctx context.Context, p Product) error

	// DecrementQuantity lowers the stock of a product.
	// Returns ErrInsufficientStock if amount exceeds the current quantity.
	DecrementQuantity(ctx context.Context, id int64, amount int32) error

	// Delete removes a product.
	// Returns ErrProductNotFound if no product exists with the given id.
	Delete(ctx context.Context, id int64) error

	// Renumber moves every product whose id is a key of mapping to the mapped id.
	Renumber(ctx context.Context, mapping map[int64]int64) error

	// ResetIDSequence makes the next created product get max(id)+1 where the
	// backend allows it inside a unit of work. MySQL does not: ids there are
	// contiguous right after a resequence, and a later insert may leave a gap.
	ResetIDSequence(ctx context.Context) error
}

// Ledger is the sales relation as seen from inside a unit of work.
type Ledger interface {
	// Append records a sale and returns its id.
	Append(ctx context.Context, s NewSale) (int64, error)

	// ListAll returns every sale ordered by id ascending.
	ListAll(ctx context.Context) ([]SaleRecord, error)

	// ListForUser returns the sales of one user ordered by sale date ascending.
	ListForUser(ctx context.Context, userID int64) ([]SaleRecord, error)

	// RemapProductIDs rewrites the product id of every non-retired sale whose
	// current product id is a key of mapping.
	RemapProductIDs(ctx context.Context, mapping map[int64]int64) error

	// RetireProductID marks every non-retired sale of a product as retired.
	// Returns the number of sales retired.
	RetireProductID(ctx context.Context, productID int64) (int64, error)
}

// Tx gives access to both relations inside one unit of work.
type Tx interface {
	Catalog() Catalog
	Ledger() Ledger
}

// Store opens units of work over the catalog and the ledger.
// A callback error rolls the unit of work back; a nil error commits it.
// Caller-facing errors (not found, insufficient stock, validation) are returned
// unchanged, every other failure matches ErrTransactionAborted.
type Store interface {
	// InTx runs fn with row-scoped isolation: rows read with GetForUpdate stay locked
	// until the unit of work ends, and units of work touching different rows run in parallel.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// InExclusiveTx runs fn with table-scoped isolation: no other unit of work may
	// lock or write either relation until it ends, and nobody observes its
	// intermediate state.
	InExclusiveTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks that the underlying storage is reachable.
	Ping(ctx context.Context) error
}
