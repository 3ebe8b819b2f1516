package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
	"github.com/xtrntr/spotexchange/migrations"
)

var testDB *DB

func TestMain(m *testing.M) {
	url := os.Getenv("EXCHANGE_TEST_DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "EXCHANGE_TEST_DATABASE_URL not set, skipping postgres tests")
		os.Exit(0)
	}

	ctx := context.Background()
	db, err := NewDB(ctx, url, 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	scripts, err := migrations.Scripts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migrations: %v\n", err)
		os.Exit(1)
	}
	for _, script := range scripts {
		if err := db.Migrate(ctx, script); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
			os.Exit(1)
		}
	}

	testDB = db
	code := m.Run()
	db.Close(ctx)
	os.Exit(code)
}

func reset(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE trades, orders, assets, symbols, users RESTART IDENTITY CASCADE")
	require.NoError(t, err, "failed to clean up database")
}

// seed creates BTC and two funded users: seller (id 1) holding 1 BTC, buyer (id 2) holding 100000
func seed(t *testing.T) *models.Symbol {
	t.Helper()
	ctx := context.Background()
	reset(t)

	btc, err := testDB.CreateSymbol(ctx, "BTC", "Bitcoin")
	require.NoError(t, err)
	seller, err := testDB.CreateUser(ctx, "seller", "hash")
	require.NoError(t, err)
	buyer, err := testDB.CreateUser(ctx, "buyer", "hash")
	require.NoError(t, err)
	require.NoError(t, testDB.DepositAsset(ctx, seller.ID, btc.ID, ledger.MustParse("1")))
	require.NoError(t, testDB.Deposit(ctx, buyer.ID, ledger.MustParse("100000")))
	return btc
}

func TestDB_Users(t *testing.T) {
	reset(t)
	ctx := context.Background()

	alice, err := testDB.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.True(t, alice.Balance.IsZero())

	_, err = testDB.CreateUser(ctx, "alice", "hash")
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := testDB.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = testDB.GetUser(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, testDB.Deposit(ctx, alice.ID, ledger.MustParse("0.12345678")))
	got, err = testDB.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.12345678", ledger.Format(got.Balance))
	assert.ErrorIs(t, testDB.Deposit(ctx, 999, ledger.MustParse("1")), store.ErrNotFound)
}

func TestDB_Funding(t *testing.T) {
	reset(t)
	ctx := context.Background()

	btc, err := testDB.CreateSymbol(ctx, "BTC", "Bitcoin")
	require.NoError(t, err)
	_, err = testDB.CreateSymbol(ctx, "BTC", "Bitcoin")
	assert.ErrorIs(t, err, store.ErrDuplicate)

	u, err := testDB.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, testDB.DepositAsset(ctx, u.ID, btc.ID, ledger.MustParse("0.5")))
	require.NoError(t, testDB.DepositAsset(ctx, u.ID, btc.ID, ledger.MustParse("0.25")))
	assert.ErrorIs(t, testDB.DepositAsset(ctx, u.ID, 999, ledger.MustParse("1")), store.ErrNotFound)

	assets, err := testDB.GetUserAssets(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "0.75000000", ledger.Format(assets[0].Amount))

	symbols, err := testDB.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, 1)
}

func TestDB_WithTxRollsBack(t *testing.T) {
	btc := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := testDB.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(ctx, 2)
		if err != nil {
			return err
		}
		u.LockedBalance = ledger.MustParse("100")
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		if _, err := tx.CreateOpenOrder(ctx, 2, btc.ID, models.SideBuy, ledger.MustParse("100"), ledger.MustParse("1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, err := testDB.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.True(t, u.LockedBalance.IsZero())
	orders, err := testDB.GetUserOrders(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestDB_MarkStatusRequiresOpen(t *testing.T) {
	btc := seed(t)
	ctx := context.Background()

	var order *models.Order
	err := testDB.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.CreateOpenOrder(ctx, 1, btc.ID, models.SideSell, ledger.MustParse("1"), ledger.MustParse("1"))
		if err != nil {
			return err
		}
		return tx.MarkFilled(ctx, order)
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)

	err = testDB.WithTx(ctx, func(tx store.Tx) error {
		return tx.MarkCancelled(ctx, order)
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)
}

func TestDB_BuyTakerSettlement(t *testing.T) {
	btc := seed(t)
	ctx := context.Background()
	ex := exchange.NewExchange(testDB, exchange.Options{})

	sell, err := ex.PlaceSellOrder(ctx, 1, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, sell.Status)

	buy, err := ex.PlaceBuyOrder(ctx, 2, btc.ID, ledger.MustParse("55000"), ledger.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, buy.Status)

	trades, err := testDB.GetUserTrades(ctx, 2)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "50000.00000000", ledger.Format(trades[0].Price))
	assert.Equal(t, "50000.00000000", ledger.Format(trades[0].Total))
	assert.Equal(t, "0.01500000", ledger.Format(trades[0].Commission))

	buyer, _ := testDB.GetUser(ctx, 2)
	seller, _ := testDB.GetUser(ctx, 1)
	assert.Equal(t, "50000.00000000", ledger.Format(buyer.Balance))
	assert.Equal(t, "0.00000000", ledger.Format(buyer.LockedBalance))
	assert.Equal(t, "50000.00000000", ledger.Format(seller.Balance))

	buyerAssets, _ := testDB.GetUserAssets(ctx, 2)
	require.Len(t, buyerAssets, 1)
	assert.Equal(t, "0.98500000", ledger.Format(buyerAssets[0].Amount))

	open, err := testDB.ListOpenOrders(ctx, btc.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDB_FindBestCounterPriority(t *testing.T) {
	btc := seed(t)
	ctx := context.Background()
	require.NoError(t, testDB.DepositAsset(ctx, 1, btc.ID, ledger.MustParse("2")))
	ex := exchange.NewExchange(testDB, exchange.Options{})

	_, err := ex.PlaceSellOrder(ctx, 1, btc.ID, ledger.MustParse("51000"), ledger.MustParse("1"))
	require.NoError(t, err)
	first, err := ex.PlaceSellOrder(ctx, 1, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
	require.NoError(t, err)
	_, err = ex.PlaceSellOrder(ctx, 1, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
	require.NoError(t, err)

	_, err = ex.PlaceBuyOrder(ctx, 2, btc.ID, ledger.MustParse("52000"), ledger.MustParse("1"))
	require.NoError(t, err)

	trades, err := testDB.GetUserTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].SellOrderID)
}

func TestDB_CancelOrder_Concurrent(t *testing.T) {
	btc := seed(t)
	ctx := context.Background()
	ex := exchange.NewExchange(testDB, exchange.Options{})

	order, err := ex.PlaceBuyOrder(ctx, 2, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := ex.CancelOrder(ctx, order)
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, exchange.ErrOrderNotOpen)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount, "expected exactly 1 successful cancellation")

	got, err := testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	buyer, _ := testDB.GetUser(ctx, 2)
	assert.Equal(t, "0.00000000", ledger.Format(buyer.LockedBalance))
}

func TestDB_ConcurrentTakersFillOnce(t *testing.T) {
	btc := seed(t)
	ctx := context.Background()
	ex := exchange.NewExchange(testDB, exchange.Options{})

	_, err := ex.PlaceSellOrder(ctx, 1, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
	require.NoError(t, err)

	n := 5
	for i := 0; i < n; i++ {
		u, err := testDB.CreateUser(ctx, fmt.Sprintf("taker%d", i), "hash")
		require.NoError(t, err)
		require.NoError(t, testDB.Deposit(ctx, u.ID, ledger.MustParse("50000")))
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(userID int) {
			defer wg.Done()
			_, err := ex.PlaceBuyOrder(ctx, userID, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
			assert.NoError(t, err)
		}(3 + i)
	}
	wg.Wait()

	trades, err := testDB.GetUserTrades(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	seller, _ := testDB.GetUser(ctx, 1)
	assert.Equal(t, "50000.00000000", ledger.Format(seller.Balance))

	open, err := testDB.ListOpenOrders(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, open, n-1)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"Deadlock", fmt.Errorf("failed to lock user: %w", &pgconn.PgError{Code: deadlockDetected}), true},
		{"Serialization", fmt.Errorf("failed to commit transaction: %w", &pgconn.PgError{Code: serializationFailure}), true},
		{"UniqueViolation", &pgconn.PgError{Code: uniqueViolation}, false},
		{"Rejection", exchange.ErrInsufficientFunds, false},
		{"Nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, retryable(tt.err))
		})
	}
}

func TestDB_WithTxRetriesDeadlock(t *testing.T) {
	reset(t)
	ctx := context.Background()

	attempts := 0
	err := testDB.WithTx(ctx, func(tx store.Tx) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("failed to lock user: %w", &pgconn.PgError{Code: deadlockDetected})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = testDB.WithTx(ctx, func(tx store.Tx) error {
		attempts++
		return &pgconn.PgError{Code: serializationFailure}
	})
	assert.Equal(t, serializationFailure, pgCode(err))
	assert.Equal(t, maxTxAttempts, attempts)
}

// One user sells into one counterparty while buying from another. Both orders
// lock the acting user first, so neither may fail.
func TestDB_SameUserBuyAndSellConcurrently(t *testing.T) {
	for i := 0; i < 5; i++ {
		btc := seed(t)
		ctx := context.Background()
		ex := exchange.NewExchange(testDB, exchange.Options{})

		// user 1 bids 40000, user 3 offers at 50000, user 2 hits both at once
		require.NoError(t, testDB.Deposit(ctx, 1, ledger.MustParse("40000")))
		require.NoError(t, testDB.DepositAsset(ctx, 2, btc.ID, ledger.MustParse("1")))
		maker, err := testDB.CreateUser(ctx, "maker", "hash")
		require.NoError(t, err)
		require.NoError(t, testDB.DepositAsset(ctx, maker.ID, btc.ID, ledger.MustParse("1")))

		_, err = ex.PlaceBuyOrder(ctx, 1, btc.ID, ledger.MustParse("40000"), ledger.MustParse("1"))
		require.NoError(t, err)
		_, err = ex.PlaceSellOrder(ctx, maker.ID, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var sellErr, buyErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, sellErr = ex.PlaceSellOrder(ctx, 2, btc.ID, ledger.MustParse("40000"), ledger.MustParse("1"))
		}()
		go func() {
			defer wg.Done()
			_, buyErr = ex.PlaceBuyOrder(ctx, 2, btc.ID, ledger.MustParse("50000"), ledger.MustParse("1"))
		}()
		wg.Wait()
		require.NoError(t, sellErr)
		require.NoError(t, buyErr)

		trades, err := testDB.GetUserTrades(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, trades, 2)

		user, err := testDB.GetUser(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "90000.00000000", ledger.Format(user.Balance))
		assert.Equal(t, "0.00000000", ledger.Format(user.LockedBalance))
		assets, err := testDB.GetUserAssets(ctx, 2)
		require.NoError(t, err)
		require.Len(t, assets, 1)
		assert.Equal(t, "0.98500000", ledger.Format(assets[0].Amount))
		assert.Equal(t, "0.00000000", ledger.Format(assets[0].LockedAmount))

		open, err := testDB.ListOpenOrders(ctx, btc.ID)
		require.NoError(t, err)
		assert.Empty(t, open)
	}
}
