// Package rest exposes the inventory engine over JSON/HTTP.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/service"
	"github.com/abgdnv/storefront/pkg/web"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service     service.InventoryService
	idempotency web.IdempotencyStore
	logger      *slog.Logger
}

// NewHandler creates a new Handler. idempotency may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(service service.InventoryService, idempotency web.IdempotencyStore, logger *slog.Logger) *Handler {
	return &Handler{
		service:     service,
		idempotency: idempotency,
		logger:      logger.With("component", "rest"),
	}
}

// RegisterRoutes registers the HTTP routes of the storefront.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.AddProduct)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetProduct)
				r.Put("/", h.UpdateProduct)
				r.Delete("/", h.DeleteProduct)

				r.Group(func(r chi.Router) {
					r.Use(web.UserIdentity)
					if h.idempotency != nil {
						r.Use(web.Idempotency(h.idempotency, h.logger))
					}
					r.Post("/purchase", h.Purchase)
				})
			})
		})

		r.Get("/sales", h.ListSales)
		r.With(web.UserIdentity).Get("/users/me/sales", h.ListMySales)
	})

	r.Get("/healthz", h.HealthCheck)
}

// purchaseRequest is the body of a purchase; product and user come from the path and header.
type purchaseRequest struct {
	Quantity int32 `json:"quantity"`
}

// ListProducts returns the catalog, or only the products in stock when ?available=true.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	available, ok := web.ParseOptionalBool(r, w, h.logger, "available")
	if !ok {
		return
	}

	var list []service.ProductDto
	var err error
	if available {
		list, err = h.service.ListAvailableProducts(r.Context())
	} else {
		list, err = h.service.ListProducts(r.Context())
	}
	if err != nil {
		h.respondServiceError(w, r, err, "Failed to fetch products")
		return
	}
	h.logger.DebugContext(r.Context(), "Successfully retrieved product list", "count", len(list), "available", available)
	web.RespondJSON(w, h.logger, http.StatusOK, list)
}

// AddProduct handles the creation of a new product.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	var dto service.ProductCreateDto
	if !h.decode(w, r, &dto) {
		return
	}

	created, err := h.service.AddProduct(r.Context(), dto)
	if err != nil {
		h.respondServiceError(w, r, err, "Failed to create product")
		return
	}
	h.logger.InfoContext(r.Context(), "Product created successfully", "product_id", created.ID, "name", created.Name)
	web.RespondJSON(w, h.logger, http.StatusCreated, created)
}

// GetProduct retrieves a product by its ID.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := web.ParseID(w, r, h.logger)
	if !ok {
		return
	}

	found, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, fmt.Sprintf("Failed to retrieve product with ID %d", id))
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, found)
}

// UpdateProduct overwrites the product identified by the path.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := web.ParseID(w, r, h.logger)
	if !ok {
		return
	}
	var dto service.ProductDto
	if !h.decode(w, r, &dto) {
		return
	}
	dto.ID = id

	updated, err := h.service.UpdateProduct(r.Context(), dto)
	if err != nil {
		h.respondServiceError(w, r, err, fmt.Sprintf("Failed to update product with ID %d", id))
		return
	}
	h.logger.InfoContext(r.Context(), "Product updated successfully", "product_id", updated.ID)
	web.RespondJSON(w, h.logger, http.StatusOK, updated)
}

// DeleteProduct removes a product and reports how the remaining ids were renumbered.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := web.ParseID(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.service.DeleteProduct(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, fmt.Sprintf("Failed to delete product with ID %d", id))
		return
	}
	h.logger.InfoContext(r.Context(), "Product deleted successfully", "product_id", id, "renumbered", len(result.Mapping))
	web.RespondJSON(w, h.logger, http.StatusOK, result)
}

// Purchase buys the product identified by the path on behalf of the X-User-Id caller.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	id, ok := web.ParseID(w, r, h.logger)
	if !ok {
		return
	}
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	sale, err := h.service.Purchase(r.Context(), service.PurchaseDto{UserID: userID, ProductID: id, Quantity: req.Quantity})
	if err != nil {
		h.respondServiceError(w, r, err, fmt.Sprintf("Failed to purchase product with ID %d", id))
		return
	}
	web.RespondJSON(w, h.logger, http.StatusCreated, sale)
}

// ListSales returns the whole sales ledger.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListSales(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, "Failed to fetch sales")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, list)
}

// ListMySales returns the sales of the X-User-Id caller.
func (h *Handler) ListMySales(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}

	list, err := h.service.ListSalesForUser(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err, "Failed to fetch sales")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, list)
}

// HealthCheck is a simple liveness endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.WarnContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondServiceError maps an engine error to its HTTP status.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error, failure string) {
	ctx := r.Context()
	var validationErr *perrors.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.logger.WarnContext(ctx, "Validation errors occurred", "errors", validationErr.Fields)
		web.RespondValidationError(w, h.logger, validationErr.Fields)
	case errors.Is(err, perrors.ErrValidation):
		h.logger.WarnContext(ctx, "Invalid request", "error", err)
		web.RespondError(w, h.logger, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, perrors.ErrProductNotFound):
		h.logger.WarnContext(ctx, "Product not found", "error", err)
		web.RespondError(w, h.logger, http.StatusNotFound, "Product not found")
	case errors.Is(err, perrors.ErrInsufficientStock):
		h.logger.WarnContext(ctx, "Insufficient stock", "error", err)
		web.RespondError(w, h.logger, http.StatusConflict, "Insufficient stock")
	case errors.Is(err, perrors.ErrTransactionAborted):
		h.logger.ErrorContext(ctx, failure, "error", err)
		w.Header().Set("Retry-After", "1")
		web.RespondError(w, h.logger, http.StatusServiceUnavailable, failure+": transaction aborted, retry later")
	default:
		h.logger.ErrorContext(ctx, failure, "error", err)
		web.RespondError(w, h.logger, http.StatusInternalServerError, failure)
	}
}
