package service

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/store"
	"github.com/abgdnv/storefront/pkg/messaging/events"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Purchase buys quantity units of a product for a user.
// The product row is locked for the whole unit of work, so concurrent purchases of the
// same product serialize and stock never goes below zero.
func (s *Service) Purchase(ctx context.Context, purchase PurchaseDto) (*SaleDto, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Purchase", trace.WithAttributes(
		attribute.Int64("purchase.user_id", purchase.UserID),
		attribute.Int64("purchase.product_id", purchase.ProductID),
		attribute.Int("purchase.quantity", int(purchase.Quantity)),
	))
	defer span.End()

	if err := s.validateStruct(purchase); err != nil {
		recordError(span, err)
		return nil, err
	}

	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	var record store.SaleRecord
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		product, err := tx.Catalog().GetForUpdate(txCtx, purchase.ProductID)
		if err != nil {
			return err
		}
		if product.Quantity < purchase.Quantity {
			return fmt.Errorf("product %d: available %d, requested %d: %w",
				product.ID, product.Quantity, purchase.Quantity, perrors.ErrInsufficientStock)
		}

		sale := store.NewSale{
			UserID:     purchase.UserID,
			ProductID:  product.ID,
			Quantity:   purchase.Quantity,
			TotalPrice: product.Price.Mul(decimal.NewFromInt32(purchase.Quantity)),
			SaleDate:   s.now().UTC(),
		}
		id, err := tx.Ledger().Append(txCtx, sale)
		if err != nil {
			return err
		}
		if err := tx.Catalog().DecrementQuantity(txCtx, product.ID, purchase.Quantity); err != nil {
			return err
		}

		record = store.SaleRecord{
			Sale: store.Sale{
				ID:         id,
				UserID:     sale.UserID,
				ProductID:  sale.ProductID,
				Quantity:   sale.Quantity,
				TotalPrice: sale.TotalPrice,
				SaleDate:   sale.SaleDate,
			},
			ProductName: product.Name,
		}
		return nil
	})
	if err != nil {
		recordError(span, err)
		switch {
		case errors.Is(err, perrors.ErrInsufficientStock):
			s.rejectedCounter.Add(ctx, 1)
			s.logger.WarnContext(ctx, "Purchase rejected", "product_id", purchase.ProductID, "error", err)
		case errors.Is(err, perrors.ErrProductNotFound):
			s.logger.WarnContext(ctx, "Purchase of unknown product", "product_id", purchase.ProductID)
		default:
			s.logger.ErrorContext(ctx, "Purchase aborted", "product_id", purchase.ProductID, "error", err)
		}
		return nil, err
	}

	s.salesCounter.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("sale.id", record.ID))
	s.logger.InfoContext(ctx, "Purchase committed", "sale_id", record.ID, "product_id", record.ProductID,
		"quantity", record.Quantity, "total_price", record.TotalPrice.String())

	s.publish(ctx, events.SaleRecordedEvent{
		SaleID:     record.ID,
		UserID:     record.UserID,
		ProductID:  record.ProductID,
		Quantity:   record.Quantity,
		TotalPrice: record.TotalPrice,
		SaleDate:   record.SaleDate,
	})

	dto := toSaleDto(record)
	return &dto, nil
}
