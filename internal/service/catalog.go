package service

import (
	"context"
	"fmt"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AddProduct creates a new product and returns it as a ProductDto.
func (s *Service) AddProduct(ctx context.Context, product ProductCreateDto) (*ProductDto, error) {
	ctx, span := s.tracer.Start(ctx, "Service.AddProduct")
	defer span.End()

	if err := s.validateStruct(product); err != nil {
		recordError(span, err)
		return nil, err
	}

	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	var stored store.Product
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		id, err := tx.Catalog().Create(txCtx, store.NewProduct{
			Name:        product.Name,
			Description: product.Description,
			Price:       product.Price,
			Quantity:    product.Quantity,
		})
		if err != nil {
			return err
		}
		stored, err = tx.Catalog().Get(txCtx, id)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	span.SetAttributes(attribute.Int64("product.id", stored.ID))
	s.logger.InfoContext(ctx, "Product created", "product_id", stored.ID, "name", stored.Name)
	dto := toProductDto(stored)
	return &dto, nil
}

// UpdateProduct overwrites an existing product and returns the stored state.
// The row is locked first so the update never interleaves with a purchase of the same product.
func (s *Service) UpdateProduct(ctx context.Context, product ProductDto) (*ProductDto, error) {
	ctx, span := s.tracer.Start(ctx, "Service.UpdateProduct", trace.WithAttributes(
		attribute.Int64("product.id", product.ID),
	))
	defer span.End()

	if err := s.validateStruct(product); err != nil {
		recordError(span, err)
		return nil, err
	}

	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	var stored store.Product
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		if _, err := tx.Catalog().GetForUpdate(txCtx, product.ID); err != nil {
			return err
		}
		err := tx.Catalog().Update(txCtx, store.Product{
			ID:          product.ID,
			Name:        product.Name,
			Description: product.Description,
			Price:       product.Price,
			Quantity:    product.Quantity,
		})
		if err != nil {
			return err
		}
		stored, err = tx.Catalog().Get(txCtx, product.ID)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to update product %d: %w", product.ID, err)
	}

	s.logger.InfoContext(ctx, "Product updated", "product_id", product.ID)
	updated := toProductDto(stored)
	return &updated, nil
}

// GetProduct retrieves a product by its id.
func (s *Service) GetProduct(ctx context.Context, id int64) (*ProductDto, error) {
	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	var product store.Product
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		var err error
		product, err = tx.Catalog().Get(txCtx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch product %d: %w", id, err)
	}

	dto := toProductDto(product)
	return &dto, nil
}

// ListProducts returns every product ordered by id.
func (s *Service) ListProducts(ctx context.Context) ([]ProductDto, error) {
	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	var products []store.Product
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		var err error
		products, err = tx.Catalog().ListAll(txCtx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}

	list := make([]ProductDto, 0, len(products))
	for _, p := range products {
		list = append(list, toProductDto(p))
	}
	return list, nil
}

// ListAvailableProducts returns the products with a positive quantity, ordered by id.
func (s *Service) ListAvailableProducts(ctx context.Context) ([]ProductDto, error) {
	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	list := make([]ProductDto, 0)
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		for p, err := range tx.Catalog().ListAvailable(txCtx) {
			if err != nil {
				return err
			}
			list = append(list, toProductDto(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch available products: %w", err)
	}
	return list, nil
}

// ListSales returns the whole ledger ordered by sale id.
func (s *Service) ListSales(ctx context.Context) ([]SaleDto, error) {
	return s.listSales(ctx, func(ctx context.Context, l store.Ledger) ([]store.SaleRecord, error) {
		return l.ListAll(ctx)
	})
}

// ListSalesForUser returns the sales of one user ordered by sale date.
func (s *Service) ListSalesForUser(ctx context.Context, userID int64) ([]SaleDto, error) {
	if userID <= 0 {
		return nil, perrors.NewValidationError("user_id", "failed on rule: gt")
	}
	return s.listSales(ctx, func(ctx context.Context, l store.Ledger) ([]store.SaleRecord, error) {
		return l.ListForUser(ctx, userID)
	})
}

func (s *Service) listSales(ctx context.Context, read func(context.Context, store.Ledger) ([]store.SaleRecord, error)) ([]SaleDto, error) {
	txCtx, cancel := s.withTxTimeout(ctx)
	defer cancel()

	var records []store.SaleRecord
	err := s.store.InTx(txCtx, func(tx store.Tx) error {
		var err error
		records, err = read(txCtx, tx.Ledger())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sales: %w", err)
	}

	list := make([]SaleDto, 0, len(records))
	for _, r := range records {
		list = append(list, toSaleDto(r))
	}
	return list, nil
}
