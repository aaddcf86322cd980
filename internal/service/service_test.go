package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/abgdnv/storefront/internal/store"
	"github.com/abgdnv/storefront/pkg/messaging"
	"github.com/abgdnv/storefront/pkg/messaging/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher is a hand-written Publisher that keeps every event it receives.
type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event messaging.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) published() []messaging.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messaging.Event(nil), p.events...)
}

// failingStore opens no unit of work and reports err for every call.
type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) InTx(context.Context, func(tx store.Tx) error) error {
	f.calls++
	return f.err
}

func (f *failingStore) InExclusiveTx(context.Context, func(tx store.Tx) error) error {
	f.calls++
	return f.err
}

func (f *failingStore) Ping(context.Context) error { return f.err }

var saleTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, st store.Store, pub messaging.Publisher) *Service {
	t.Helper()
	svc := NewService(st, pub, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return saleTime }
	return svc
}

func addProducts(t *testing.T, svc *Service, products ...ProductCreateDto) {
	t.Helper()
	for _, p := range products {
		_, err := svc.AddProduct(context.Background(), p)
		require.NoError(t, err)
	}
}

func jewellery(name string, price string, quantity int32) ProductCreateDto {
	return ProductCreateDto{Name: name, Price: decimal.RequireFromString(price), Quantity: quantity}
}

func Test_Service_DeleteProduct_ResequencesCatalogAndLedger(t *testing.T) {
	// given
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := newTestService(t, store.NewInMemoryStore(), pub)
	addProducts(t, svc, jewellery("Ring", "10.00", 5), jewellery("Chain", "20.00", 5), jewellery("Bangle", "30.00", 5))
	_, err := svc.Purchase(ctx, PurchaseDto{UserID: 7, ProductID: 3, Quantity: 1})
	require.NoError(t, err)

	// when
	result, err := svc.DeleteProduct(ctx, 2)

	// then
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.DeletedID)
	assert.Equal(t, map[int64]int64{3: 2}, result.Mapping)
	assert.Zero(t, result.RetiredSales)

	products, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, int64(1), products[0].ID)
	assert.Equal(t, "Ring", products[0].Name)
	assert.Equal(t, int64(2), products[1].ID)
	assert.Equal(t, "Bangle", products[1].Name)

	sales, err := svc.ListSales(ctx)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, int64(2), sales[0].ProductID)
	assert.Equal(t, "Bangle", sales[0].ProductName)
	assert.False(t, sales[0].Retired)

	added, err := svc.AddProduct(ctx, jewellery("Brooch", "5.00", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), added.ID)

	published := pub.published()
	require.Len(t, published, 2)
	resequenced, ok := published[1].(events.ProductsResequencedEvent)
	require.True(t, ok)
	assert.Equal(t, map[string]int64{"3": 2}, resequenced.Mapping)
}

func Test_Service_DeleteProduct_RetiresSalesOfDeletedProduct(t *testing.T) {
	// given
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)
	addProducts(t, svc, jewellery("Ring", "10.00", 5), jewellery("Chain", "20.00", 5), jewellery("Bangle", "30.00", 5))
	_, err := svc.Purchase(ctx, PurchaseDto{UserID: 7, ProductID: 2, Quantity: 2})
	require.NoError(t, err)

	// when
	result, err := svc.DeleteProduct(ctx, 2)

	// then
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RetiredSales)

	sales, err := svc.ListSalesForUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.True(t, sales[0].Retired)
	assert.Equal(t, int64(2), sales[0].ProductID)
	assert.Empty(t, sales[0].ProductName, "retired sale must not be attributed to the product now numbered 2")
	assert.True(t, decimal.RequireFromString("40").Equal(sales[0].TotalPrice))
}

func Test_Service_DeleteProduct_LastProductNeedsNoRenumbering(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)
	addProducts(t, svc, jewellery("Ring", "10.00", 1), jewellery("Chain", "20.00", 1))

	result, err := svc.DeleteProduct(ctx, 2)

	require.NoError(t, err)
	assert.Empty(t, result.Mapping)
	added, err := svc.AddProduct(ctx, jewellery("Bangle", "30.00", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), added.ID)
}

func Test_Service_DeleteProduct_Errors(t *testing.T) {
	testCases := []struct {
		name        string
		id          int64
		expectError error
	}{
		{name: "Error - product not found", id: 99, expectError: perrors.ErrProductNotFound},
		{name: "Error - non-positive id", id: 0, expectError: perrors.ErrValidation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			ctx := context.Background()
			pub := &recordingPublisher{}
			svc := newTestService(t, store.NewInMemoryStore(), pub)
			addProducts(t, svc, jewellery("Ring", "10.00", 1))

			// when
			result, err := svc.DeleteProduct(ctx, tc.id)

			// then
			assert.ErrorIs(t, err, tc.expectError)
			assert.Nil(t, result)
			products, err := svc.ListProducts(ctx)
			require.NoError(t, err)
			assert.Len(t, products, 1)
			assert.Empty(t, pub.published())
		})
	}
}

func Test_Service_Purchase_ConcurrentPurchasesOfLastUnits(t *testing.T) {
	// given
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)
	addProducts(t, svc, jewellery("Ring", "100.00", 3))

	// when
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Purchase(ctx, PurchaseDto{UserID: int64(i + 1), ProductID: 1, Quantity: 2})
		}()
	}
	wg.Wait()

	// then
	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], perrors.ErrInsufficientStock)

	product, err := svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), product.Quantity)

	sales, err := svc.ListSales(ctx)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.True(t, decimal.RequireFromString("200.00").Equal(sales[0].TotalPrice))
	assert.Equal(t, saleTime, sales[0].SaleDate)
}

func Test_Service_Purchase_NeverOversells(t *testing.T) {
	// given
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)
	const initial = 40
	addProducts(t, svc, jewellery("Ring", "1.50", initial), jewellery("Chain", "2.00", initial))

	// when
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := map[int64]int32{}
	for i := range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			productID := int64(i%2 + 1)
			quantity := int32(i%3 + 1)
			if _, err := svc.Purchase(ctx, PurchaseDto{UserID: 1, ProductID: productID, Quantity: quantity}); err != nil {
				assert.ErrorIs(t, err, perrors.ErrInsufficientStock)
				return
			}
			mu.Lock()
			committed[productID] += quantity
			mu.Unlock()
		}()
	}
	wg.Wait()

	// then
	products, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	sales, err := svc.ListSales(ctx)
	require.NoError(t, err)
	sold := map[int64]int32{}
	for _, s := range sales {
		sold[s.ProductID] += s.Quantity
	}
	for _, p := range products {
		assert.GreaterOrEqual(t, p.Quantity, int32(0))
		assert.Equal(t, int32(initial)-committed[p.ID], p.Quantity)
		assert.Equal(t, committed[p.ID], sold[p.ID])
	}
}

func Test_Service_Purchase_RejectedLeavesNoTrace(t *testing.T) {
	testCases := []struct {
		name        string
		purchase    PurchaseDto
		expectError error
		fields      []string
	}{
		{name: "Error - unknown product", purchase: PurchaseDto{UserID: 1, ProductID: 99, Quantity: 1}, expectError: perrors.ErrProductNotFound},
		{name: "Error - insufficient stock", purchase: PurchaseDto{UserID: 1, ProductID: 1, Quantity: 4}, expectError: perrors.ErrInsufficientStock},
		{name: "Error - missing user", purchase: PurchaseDto{ProductID: 1, Quantity: 1}, expectError: perrors.ErrValidation, fields: []string{"user_id"}},
		{name: "Error - zero quantity", purchase: PurchaseDto{UserID: 1, ProductID: 1}, expectError: perrors.ErrValidation, fields: []string{"quantity"}},
		{name: "Error - everything invalid", purchase: PurchaseDto{Quantity: -1}, expectError: perrors.ErrValidation, fields: []string{"user_id", "product_id", "quantity"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			ctx := context.Background()
			pub := &recordingPublisher{}
			svc := newTestService(t, store.NewInMemoryStore(), pub)
			addProducts(t, svc, jewellery("Ring", "100.00", 3))

			// when
			sale, err := svc.Purchase(ctx, tc.purchase)

			// then
			assert.ErrorIs(t, err, tc.expectError)
			assert.Nil(t, sale)
			var validationErr *perrors.ValidationError
			if len(tc.fields) > 0 {
				require.ErrorAs(t, err, &validationErr)
				for _, f := range tc.fields {
					assert.Contains(t, validationErr.Fields, f)
				}
			}
			product, err := svc.GetProduct(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int32(3), product.Quantity)
			sales, err := svc.ListSales(ctx)
			require.NoError(t, err)
			assert.Empty(t, sales)
			assert.Empty(t, pub.published())
		})
	}
}

func Test_Service_Purchase_PublishesSaleRecorded(t *testing.T) {
	// given
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(t, store.NewInMemoryStore(), pub)
	addProducts(t, svc, jewellery("Ring", "12.50", 3))

	// when
	sale, err := svc.Purchase(context.Background(), PurchaseDto{UserID: 4, ProductID: 1, Quantity: 2})

	// then
	require.NoError(t, err, "a publishing failure must not undo a committed purchase")
	assert.Equal(t, "Ring", sale.ProductName)
	assert.True(t, decimal.RequireFromString("25").Equal(sale.TotalPrice))
	published := pub.published()
	require.Len(t, published, 1)
	event, ok := published[0].(events.SaleRecordedEvent)
	require.True(t, ok)
	assert.Equal(t, sale.ID, event.SaleID)
	assert.Equal(t, int64(4), event.UserID)
}

func Test_Service_Purchase_TimesOutBehindLockedRow(t *testing.T) {
	// given
	st := store.NewInMemoryStore()
	svc := NewService(st, nil, 50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	addProducts(t, svc, jewellery("Ring", "1.00", 3))
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.InTx(context.Background(), func(tx store.Tx) error {
			_, err := tx.Catalog().GetForUpdate(context.Background(), 1)
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	// when
	_, err := svc.Purchase(context.Background(), PurchaseDto{UserID: 1, ProductID: 1, Quantity: 1})
	close(release)
	<-done

	// then
	assert.ErrorIs(t, err, perrors.ErrTransactionAborted)
	assert.ErrorIs(t, err, perrors.ErrTransactionTimeout)
}

func Test_Service_AbortedUnitOfWork(t *testing.T) {
	abort := errors.Join(perrors.ErrTransactionCommit, errors.New("connection reset"))
	testCases := []struct {
		name string
		call func(svc *Service) error
	}{
		{name: "purchase", call: func(svc *Service) error {
			_, err := svc.Purchase(context.Background(), PurchaseDto{UserID: 1, ProductID: 1, Quantity: 1})
			return err
		}},
		{name: "delete", call: func(svc *Service) error {
			_, err := svc.DeleteProduct(context.Background(), 1)
			return err
		}},
		{name: "add", call: func(svc *Service) error {
			_, err := svc.AddProduct(context.Background(), jewellery("Ring", "1.00", 1))
			return err
		}},
		{name: "list sales", call: func(svc *Service) error {
			_, err := svc.ListSales(context.Background())
			return err
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			st := &failingStore{err: abort}
			pub := &recordingPublisher{}
			svc := newTestService(t, st, pub)

			// when
			err := tc.call(svc)

			// then
			assert.ErrorIs(t, err, perrors.ErrTransactionAborted)
			assert.Equal(t, 1, st.calls)
			assert.Empty(t, pub.published())
		})
	}
}

func Test_Service_ProductRoundTrip(t *testing.T) {
	// given
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)
	created, err := svc.AddProduct(ctx, ProductCreateDto{
		Name:        "Ring",
		Description: "silver",
		Price:       decimal.RequireFromString("19.99"),
		Quantity:    4,
	})
	require.NoError(t, err)

	// when
	found, err := svc.GetProduct(ctx, created.ID)

	// then
	require.NoError(t, err)
	assert.Equal(t, *created, *found)

	// when
	update := ProductDto{ID: created.ID, Name: "Gold ring", Price: decimal.RequireFromString("99.00"), Quantity: 0}
	updated, err := svc.UpdateProduct(ctx, update)
	require.NoError(t, err)
	found, err = svc.GetProduct(ctx, created.ID)

	// then
	require.NoError(t, err)
	assert.Equal(t, *updated, *found)
	available, err := svc.ListAvailableProducts(ctx)
	require.NoError(t, err)
	assert.Empty(t, available)
}

func Test_Service_AddProduct_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		product ProductCreateDto
		fields  []string
	}{
		{name: "missing name", product: ProductCreateDto{Price: decimal.NewFromInt(1)}, fields: []string{"name"}},
		{name: "negative price", product: ProductCreateDto{Name: "Ring", Price: decimal.RequireFromString("-0.01")}, fields: []string{"price"}},
		{name: "sub-cent price", product: ProductCreateDto{Name: "Ring", Price: decimal.RequireFromString("10.005")}, fields: []string{"price"}},
		{name: "price beyond column", product: ProductCreateDto{Name: "Ring", Price: decimal.RequireFromString("100000000000")}, fields: []string{"price"}},
		{name: "negative quantity", product: ProductCreateDto{Name: "Ring", Quantity: -1}, fields: []string{"quantity"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t, store.NewInMemoryStore(), nil)

			created, err := svc.AddProduct(context.Background(), tc.product)

			assert.Nil(t, created)
			var validationErr *perrors.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.ErrorIs(t, err, perrors.ErrValidation)
			assert.Len(t, validationErr.Fields, len(tc.fields))
			for _, f := range tc.fields {
				assert.Contains(t, validationErr.Fields, f)
			}
		})
	}
}

func Test_Service_UpdateProduct_NotFound(t *testing.T) {
	svc := newTestService(t, store.NewInMemoryStore(), nil)

	updated, err := svc.UpdateProduct(context.Background(), ProductDto{ID: 5, Name: "Ring"})

	assert.ErrorIs(t, err, perrors.ErrProductNotFound)
	assert.Nil(t, updated)
}

func Test_Service_ListSalesForUser(t *testing.T) {
	// given
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)
	addProducts(t, svc, jewellery("Ring", "1.00", 10))
	for i, user := range []int64{1, 2, 1} {
		svc.now = func() time.Time { return saleTime.Add(-time.Duration(i) * time.Hour) }
		_, err := svc.Purchase(ctx, PurchaseDto{UserID: user, ProductID: 1, Quantity: 1})
		require.NoError(t, err)
	}

	// when
	sales, err := svc.ListSalesForUser(ctx, 1)

	// then
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, int64(3), sales[0].ID, "ordered by sale date, not id")
	assert.Equal(t, int64(1), sales[1].ID)

	_, err = svc.ListSalesForUser(ctx, 0)
	assert.ErrorIs(t, err, perrors.ErrValidation)
}

func Test_resequenceMapping(t *testing.T) {
	testCases := []struct {
		name     string
		ids      []int64
		expected map[int64]int64
	}{
		{name: "gap in the middle", ids: []int64{1, 3, 4}, expected: map[int64]int64{3: 2, 4: 3}},
		{name: "gap at the start", ids: []int64{2, 3}, expected: map[int64]int64{2: 1, 3: 2}},
		{name: "already contiguous", ids: []int64{1, 2}, expected: map[int64]int64{}},
		{name: "empty catalog", ids: nil, expected: map[int64]int64{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			survivors := make([]store.Product, 0, len(tc.ids))
			for _, id := range tc.ids {
				survivors = append(survivors, store.Product{ID: id})
			}

			assert.Equal(t, tc.expected, resequenceMapping(survivors))
		})
	}
}

func Test_Service_UpdateProduct_RejectsUnstorablePrice(t *testing.T) {
	// given
	ctx := context.Background()
	st := store.NewInMemoryStore()
	svc := newTestService(t, st, nil)
	created, err := svc.AddProduct(ctx, jewellery("Ring", "10.50", 1))
	require.NoError(t, err)

	// when
	updated, err := svc.UpdateProduct(ctx, ProductDto{ID: created.ID, Name: "Ring", Price: decimal.RequireFromString("10.005"), Quantity: 1})

	// then
	assert.Nil(t, updated)
	var validationErr *perrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Fields, "price")
	found, err := svc.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.5").Equal(found.Price))
}

func Test_Service_AddProduct_ReturnsStoredProduct(t *testing.T) {
	// given
	ctx := context.Background()
	svc := newTestService(t, store.NewInMemoryStore(), nil)

	// when
	created, err := svc.AddProduct(ctx, jewellery("Ring", "9999999999.99", 2))

	// then
	require.NoError(t, err)
	found, err := svc.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, *found, *created)
	assert.Equal(t, "9999999999.99", created.Price.String())
}
