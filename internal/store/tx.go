package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/shopspring/decimal"
)

// Prices live in a NUMERIC(12,2) column.
const priceScale = 2

var maxPrice = decimal.New(1, 10)

// PriceFits reports whether d is a non-negative amount the price column holds exactly.
func PriceFits(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThan(maxPrice) && d.Equal(d.Truncate(priceScale))
}

// abortError classifies a failed unit of work. Caller-facing errors pass through
// unchanged, a deadline maps to ErrTransactionTimeout and anything else is an abort.
func abortError(ctx context.Context, err error) error {
	if perrors.IsDomain(err) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", perrors.ErrTransactionTimeout, err)
	}
	return fmt.Errorf("%w: %w", perrors.ErrTransactionAborted, err)
}

// wrapAbort attaches a transaction stage error (begin, commit, rollback) to its cause.
func wrapAbort(ctx context.Context, stage error, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %w", perrors.ErrTransactionTimeout, stage, cause)
	}
	return fmt.Errorf("%w: %w", stage, cause)
}

func validateNewProduct(p NewProduct) error {
	if p.Price.IsNegative() {
		return perrors.NewValidationError("price", "must not be negative")
	}
	if !PriceFits(p.Price) {
		return perrors.NewValidationError("price", fmt.Sprintf("must have at most %d decimal places and be below %s", priceScale, maxPrice))
	}
	if p.Quantity < 0 {
		return perrors.NewValidationError("quantity", "must not be negative")
	}
	return nil
}

// splitMapping returns the old and new ids of mapping as parallel slices ordered by old id.
func splitMapping(mapping map[int64]int64) ([]int64, []int64) {
	oldIDs := slices.Sorted(maps.Keys(mapping))
	newIDs := make([]int64, len(oldIDs))
	for i, id := range oldIDs {
		newIDs[i] = mapping[id]
	}
	return oldIDs, newIDs
}

// checkBijection rejects a mapping that would move two products to the same id
// or onto an id that stays in place.
func checkBijection(existing []int64, mapping map[int64]int64) error {
	target := make(map[int64]int64, len(existing))
	for _, id := range existing {
		newID := id
		if m, ok := mapping[id]; ok {
			newID = m
		}
		if newID <= 0 {
			return fmt.Errorf("renumber: product %d mapped to non-positive id %d", id, newID)
		}
		if prev, dup := target[newID]; dup {
			return fmt.Errorf("renumber: products %d and %d both map to id %d", prev, id, newID)
		}
		target[newID] = id
	}
	return nil
}
