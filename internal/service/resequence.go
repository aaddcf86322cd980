package service

import (
	"context"
	"errors"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/store"
	"github.com/abgdnv/storefront/pkg/messaging/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeleteProduct removes a product and closes the gap it leaves in the id sequence.
//
// Inside one exclusive unit of work the product is deleted, its sales are retired,
// the survivors are renumbered to 1..N in their prior order, every live sale is
// remapped to the new ids and the id allocator restarts at N+1.
func (s *Service) DeleteProduct(ctx context.Context, id int64) (*ResequenceResultDto, error) {
	ctx, span := s.tracer.Start(ctx, "Service.DeleteProduct", trace.WithAttributes(
		attribute.Int64("product.id", id),
	))
	defer span.End()

	if id <= 0 {
		err := perrors.NewValidationError("id", "failed on rule: gt")
		recordError(span, err)
		return nil, err
	}

	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	result := ResequenceResultDto{DeletedID: id}
	err := s.store.InExclusiveTx(txCtx, func(tx store.Tx) error {
		catalog, ledger := tx.Catalog(), tx.Ledger()

		if _, err := catalog.Get(txCtx, id); err != nil {
			return err
		}
		if err := catalog.Delete(txCtx, id); err != nil {
			return err
		}
		retired, err := ledger.RetireProductID(txCtx, id)
		if err != nil {
			return err
		}

		survivors, err := catalog.ListAll(txCtx)
		if err != nil {
			return err
		}
		mapping := resequenceMapping(survivors)

		if err := catalog.Renumber(txCtx, mapping); err != nil {
			return err
		}
		if err := ledger.RemapProductIDs(txCtx, mapping); err != nil {
			return err
		}
		if err := catalog.ResetIDSequence(txCtx); err != nil {
			return err
		}

		result.Mapping = mapping
		result.RetiredSales = retired
		return nil
	})
	if err != nil {
		recordError(span, err)
		if errors.Is(err, perrors.ErrProductNotFound) {
			s.logger.WarnContext(ctx, "Product not found for deletion", "product_id", id)
		} else {
			s.logger.ErrorContext(ctx, "Product deletion aborted", "product_id", id, "error", err)
		}
		return nil, err
	}

	s.resequencesCounter.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("resequence.renumbered", len(result.Mapping)),
		attribute.Int64("resequence.retired_sales", result.RetiredSales),
	)
	s.logger.InfoContext(ctx, "Product deleted and catalog resequenced", "product_id", id,
		"renumbered", len(result.Mapping), "retired_sales", result.RetiredSales)

	s.publish(ctx, events.NewProductsResequencedEvent(id, result.Mapping, result.RetiredSales, s.now().UTC()))

	return &result, nil
}

// resequenceMapping maps the id of every product not already at its position
// in the ascending survivor list to that position, counting from 1.
func resequenceMapping(survivors []store.Product) map[int64]int64 {
	mapping := make(map[int64]int64)
	for i, p := range survivors {
		if want := int64(i + 1); p.ID != want {
			mapping[p.ID] = want
		}
	}
	return mapping
}
