// Package service implements the inventory engine: purchases, catalog administration
// and product deletion with id resequencing, each as a single unit of work.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/store"
	"github.com/abgdnv/storefront/pkg/messaging"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/abgdnv/storefront/internal/service"

// InventoryService defines the operations of the inventory engine.
type InventoryService interface {
	// Purchase decrements the stock of a product and records the sale atomically.
	// Returns ErrProductNotFound, ErrInsufficientStock or ErrValidation; nothing
	// changes in either case.
	Purchase(ctx context.Context, purchase PurchaseDto) (*SaleDto, error)

	// DeleteProduct removes a product, renumbers the remaining products to 1..N
	// and remaps every sale that referenced a renumbered product.
	// Returns ErrProductNotFound if no product exists with the given id.
	DeleteProduct(ctx context.Context, id int64) (*ResequenceResultDto, error)

	// AddProduct creates a product and returns it with its id.
	AddProduct(ctx context.Context, product ProductCreateDto) (*ProductDto, error)

	// UpdateProduct overwrites an existing product.
	// Returns ErrProductNotFound if no product exists with product.ID.
	UpdateProduct(ctx context.Context, product ProductDto) (*ProductDto, error)

	// GetProduct retrieves a product by id.
	// Returns ErrProductNotFound if no product exists with the given id.
	GetProduct(ctx context.Context, id int64) (*ProductDto, error)

	// ListProducts returns every product ordered by id.
	ListProducts(ctx context.Context) ([]ProductDto, error)

	// ListAvailableProducts returns the products that are in stock, ordered by id.
	ListAvailableProducts(ctx context.Context) ([]ProductDto, error)

	// ListSales returns the whole ledger ordered by sale id.
	ListSales(ctx context.Context) ([]SaleDto, error)

	// ListSalesForUser returns the sales of one user ordered by sale date.
	ListSalesForUser(ctx context.Context, userID int64) ([]SaleDto, error)
}

// Service implements InventoryService on top of a store.Store.
type Service struct {
	store     store.Store
	publisher messaging.Publisher
	validate  *validator.Validate
	txTimeout time.Duration
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer

	salesCounter       metric.Int64Counter
	rejectedCounter    metric.Int64Counter
	resequencesCounter metric.Int64Counter
}

// NewService creates a new Service. Every unit of work it opens is bounded by txTimeout;
// a zero txTimeout leaves the caller's deadline in charge.
func NewService(st store.Store, publisher messaging.Publisher, txTimeout time.Duration, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter(instrumentationName)
	salesCounter, err := meter.Int64Counter("storefront_sales_recorded", metric.WithDescription("Total number of committed purchases"))
	if err != nil {
		panic(fmt.Sprintf("failed to create storefront_sales_recorded counter: %v", err))
	}
	rejectedCounter, err := meter.Int64Counter("storefront_purchases_rejected", metric.WithDescription("Purchases rejected for insufficient stock"))
	if err != nil {
		panic(fmt.Sprintf("failed to create storefront_purchases_rejected counter: %v", err))
	}
	resequencesCounter, err := meter.Int64Counter("storefront_products_resequenced", metric.WithDescription("Product deletions that renumbered the catalog"))
	if err != nil {
		panic(fmt.Sprintf("failed to create storefront_products_resequenced counter: %v", err))
	}

	return &Service{
		store:              st,
		publisher:          publisher,
		validate:           newValidator(),
		txTimeout:          txTimeout,
		now:                time.Now,
		logger:             logger.With("component", "service"),
		tracer:             otel.Tracer(instrumentationName),
		salesCounter:       salesCounter,
		rejectedCounter:    rejectedCounter,
		resequencesCounter: resequencesCounter,
	}
}

// ProductCreateDto represents the data transfer object for creating a new product.
type ProductCreateDto struct {
	Name        string          `json:"name"        validate:"required,max=100"`
	Description string          `json:"description" validate:"max=1000"`
	Price       decimal.Decimal `json:"price"       validate:"money"`
	Quantity    int32           `json:"quantity"    validate:"gte=0"`
}

// ProductDto represents the data transfer object for a product.
type ProductDto struct {
	ID          int64           `json:"id"          validate:"gt=0"`
	Name        string          `json:"name"        validate:"required,max=100"`
	Description string          `json:"description" validate:"max=1000"`
	Price       decimal.Decimal `json:"price"       validate:"money"`
	Quantity    int32           `json:"quantity"    validate:"gte=0"`
}

// PurchaseDto represents a customer's request to buy a product.
type PurchaseDto struct {
	UserID    int64 `json:"user_id"    validate:"gt=0"`
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Quantity  int32 `json:"quantity"   validate:"gt=0"`
}

// SaleDto represents a ledger entry. ProductName is empty for retired sales.
type SaleDto struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Retired     bool            `json:"retired"`
	Quantity    int32           `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	SaleDate    time.Time       `json:"sale_date"`
}

// ResequenceResultDto describes what a product deletion changed.
// Mapping holds the old->new id of every product that was renumbered.
type ResequenceResultDto struct {
	DeletedID    int64           `json:"deleted_id"`
	Mapping      map[int64]int64 `json:"mapping"`
	RetiredSales int64           `json:"retired_sales"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	// money accepts only amounts the price column stores exactly
	if err := v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && store.PriceFits(d)
	}); err != nil {
		panic(err)
	}
	return v
}

// validateStruct turns validator failures into a *ValidationError keyed by json field name.
func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %w", perrors.ErrValidation, err)
	}
	fields := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields[fieldErr.Field()] = "failed on rule: " + fieldErr.Tag()
	}
	return &perrors.ValidationError{Fields: fields}
}

func (s *Service) withTxTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.txTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.txTimeout)
}

// publish sends an event after commit. A failure is logged, the committed state stands.
func (s *Service) publish(ctx context.Context, event messaging.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event", "subject", event.Subject(), "error", err)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func toProductDto(p store.Product) ProductDto {
	return ProductDto{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Quantity:    p.Quantity,
	}
}

func toSaleDto(r store.SaleRecord) SaleDto {
	return SaleDto{
		ID:          r.ID,
		UserID:      r.UserID,
		ProductID:   r.ProductID,
		ProductName: r.ProductName,
		Retired:     r.Retired,
		Quantity:    r.Quantity,
		TotalPrice:  r.TotalPrice,
		SaleDate:    r.SaleDate,
	}
}
