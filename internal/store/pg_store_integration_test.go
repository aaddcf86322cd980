package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	perrors "github.com/abgdnv/storefront/internal/errors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const skipIntegrationTests = "STOREFRONT_SKIP_INTEGRATION_TESTS"

// PgStoreSuite runs the Store contract against a real PostgreSQL instance.
type PgStoreSuite struct {
	suite.Suite
	pgContainer *postgres.PostgresContainer
	dbPool      *pgxpool.Pool
	store       Store
	logger      *slog.Logger
	ctx         context.Context
}

func (s *PgStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error
	s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// 1. Start a PostgreSQL container and wait until it accepts connections.
	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:17.5-alpine",
		postgres.WithDatabase("storefront_db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to run PostgreSQL container")

	connStr, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err, "Failed to get connection string from container")

	s.dbPool, err = pgxpool.New(s.ctx, connStr)
	require.NoError(s.T(), err, "Failed to create pgxpool")

	for i := range 10 {
		s.logger.Info("Pinging PostgreSQL database", "attempt", i+1)
		if err = s.dbPool.Ping(s.ctx); err == nil {
			break
		}
		time.Sleep(time.Second * 2)
	}
	require.NoError(s.T(), err, "Failed to connect to PostgreSQL after retries")

	// 2. Apply migrations.
	wd, _ := os.Getwd()
	sourceURL := "file://" + filepath.Join(wd, "../../migrations/postgres")
	m, err := migrate.New(sourceURL, connStr)
	require.NoError(s.T(), err, "Failed to create migrate instance")
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_, _ = m.Close()
		require.NoError(s.T(), err, "Failed to apply migrations")
	}

	s.store = NewPgStore(s.dbPool)
}

func (s *PgStoreSuite) TearDownSuite() {
	if s.dbPool != nil {
		s.dbPool.Close()
	}
	if s.pgContainer != nil {
		if err := s.pgContainer.Terminate(s.ctx); err != nil {
			s.logger.Warn("failed to terminate PostgreSQL container", "error", err)
		}
	}
}

func (s *PgStoreSuite) SetupTest() {
	_, err := s.dbPool.Exec(s.ctx, "TRUNCATE TABLE sales, products RESTART IDENTITY")
	require.NoError(s.T(), err, "Failed to truncate tables")
}

func TestPgStoreIntegration(t *testing.T) {
	if os.Getenv(skipIntegrationTests) == "1" {
		t.Skip("Skipping integration tests based on " + skipIntegrationTests + " env var")
	}
	suite.Run(t, new(PgStoreSuite))
}

func (s *PgStoreSuite) createProducts(names ...string) []int64 {
	s.T().Helper()
	ids := make([]int64, 0, len(names))
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		for _, name := range names {
			id, err := tx.Catalog().Create(s.ctx, NewProduct{
				Name:     name,
				Price:    decimal.RequireFromString("100.00"),
				Quantity: 3,
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.NoError(s.T(), err, "createProducts helper failed")
	return ids
}

func (s *PgStoreSuite) appendSale(productID int64) {
	s.T().Helper()
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		_, err := tx.Ledger().Append(s.ctx, NewSale{
			UserID:     1,
			ProductID:  productID,
			Quantity:   1,
			TotalPrice: decimal.RequireFromString("100.00"),
			SaleDate:   time.Now(),
		})
		return err
	})
	require.NoError(s.T(), err, "appendSale helper failed")
}

func (s *PgStoreSuite) TestCreateAndGet() {
	// given
	ids := s.createProducts("Ring")

	// when
	var got Product
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		var err error
		got, err = tx.Catalog().Get(s.ctx, ids[0])
		return err
	})

	// then
	s.Require().NoError(err)
	s.Equal(int64(1), got.ID)
	s.Equal("Ring", got.Name)
	s.True(decimal.RequireFromString("100").Equal(got.Price))
	s.Equal(int32(3), got.Quantity)
}

func (s *PgStoreSuite) TestGet_NotFound() {
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		_, err := tx.Catalog().Get(s.ctx, 99)
		return err
	})

	s.ErrorIs(err, perrors.ErrProductNotFound)
}

func (s *PgStoreSuite) TestUpdate_NotFound() {
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		return tx.Catalog().Update(s.ctx, Product{ID: 99, Name: "ghost"})
	})

	s.ErrorIs(err, perrors.ErrProductNotFound)
}

func (s *PgStoreSuite) TestDecrementQuantity_Insufficient() {
	// given
	ids := s.createProducts("Ring")

	// when
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		return tx.Catalog().DecrementQuantity(s.ctx, ids[0], 4)
	})

	// then
	s.ErrorIs(err, perrors.ErrInsufficientStock)
}

func (s *PgStoreSuite) TestListAvailable() {
	// given
	ids := s.createProducts("Ring", "Chain")
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		return tx.Catalog().DecrementQuantity(s.ctx, ids[0], 3)
	})
	s.Require().NoError(err)

	// when
	var names []string
	err = s.store.InTx(s.ctx, func(tx Tx) error {
		for p, err := range tx.Catalog().ListAvailable(s.ctx) {
			if err != nil {
				return err
			}
			names = append(names, p.Name)
		}
		return nil
	})

	// then
	s.Require().NoError(err)
	s.Equal([]string{"Chain"}, names)
}

func (s *PgStoreSuite) TestRollbackLeavesNoTrace() {
	// given
	ids := s.createProducts("Ring")

	// when
	err := s.store.InTx(s.ctx, func(tx Tx) error {
		if err := tx.Catalog().DecrementQuantity(s.ctx, ids[0], 1); err != nil {
			return err
		}
		if _, err := tx.Ledger().Append(s.ctx, NewSale{UserID: 1, ProductID: ids[0], Quantity: 1, SaleDate: time.Now()}); err != nil {
			return err
		}
		return errors.New("boom")
	})

	// then
	s.ErrorIs(err, perrors.ErrTransactionAborted)
	_ = s.store.InTx(s.ctx, func(tx Tx) error {
		p, err := tx.Catalog().Get(s.ctx, ids[0])
		s.Require().NoError(err)
		s.Equal(int32(3), p.Quantity)
		sales, err := tx.Ledger().ListAll(s.ctx)
		s.Require().NoError(err)
		s.Empty(sales)
		return nil
	})
}

func (s *PgStoreSuite) TestDeleteRenumberRemapRetire() {
	// given
	s.createProducts("Ring", "Chain", "Bangle")
	s.appendSale(2)
	s.appendSale(3)

	// when
	err := s.store.InExclusiveTx(s.ctx, func(tx Tx) error {
		if err := tx.Catalog().Delete(s.ctx, 2); err != nil {
			return err
		}
		if _, err := tx.Ledger().RetireProductID(s.ctx, 2); err != nil {
			return err
		}
		if err := tx.Catalog().Renumber(s.ctx, map[int64]int64{3: 2}); err != nil {
			return err
		}
		if err := tx.Ledger().RemapProductIDs(s.ctx, map[int64]int64{3: 2}); err != nil {
			return err
		}
		return tx.Catalog().ResetIDSequence(s.ctx)
	})
	s.Require().NoError(err)

	// then
	_ = s.store.InTx(s.ctx, func(tx Tx) error {
		products, err := tx.Catalog().ListAll(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(products, 2)
		s.Equal("Ring", products[0].Name)
		s.Equal(int64(2), products[1].ID)
		s.Equal("Bangle", products[1].Name)

		sales, err := tx.Ledger().ListAll(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(sales, 2)
		s.True(sales[0].Retired)
		s.Equal(int64(2), sales[0].ProductID)
		s.Empty(sales[0].ProductName)
		s.False(sales[1].Retired)
		s.Equal(int64(2), sales[1].ProductID)
		s.Equal("Bangle", sales[1].ProductName)

		id, err := tx.Catalog().Create(s.ctx, NewProduct{Name: "Brooch"})
		s.Require().NoError(err)
		s.Equal(int64(3), id)
		return nil
	})
}

func (s *PgStoreSuite) TestConcurrentDecrementsNeverOversell() {
	// given
	ids := s.createProducts("Ring")
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, rejected int

	// when
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.InTx(s.ctx, func(tx Tx) error {
				p, err := tx.Catalog().GetForUpdate(s.ctx, ids[0])
				if err != nil {
					return err
				}
				if p.Quantity < 2 {
					return perrors.ErrInsufficientStock
				}
				return tx.Catalog().DecrementQuantity(s.ctx, ids[0], 2)
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, perrors.ErrInsufficientStock) {
				rejected++
			}
		}()
	}
	wg.Wait()

	// then
	s.Equal(1, succeeded)
	s.Equal(5, rejected)
}

func (s *PgStoreSuite) TestExclusiveTxTimesOutBehindRowLock() {
	// given
	ids := s.createProducts("Ring")
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.store.InTx(s.ctx, func(tx Tx) error {
			_, err := tx.Catalog().GetForUpdate(s.ctx, ids[0])
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	// when
	ctx, cancel := context.WithTimeout(s.ctx, 200*time.Millisecond)
	defer cancel()
	err := s.store.InExclusiveTx(ctx, func(tx Tx) error { return nil })
	close(release)
	<-done

	// then
	s.ErrorIs(err, perrors.ErrTransactionAborted)
}
