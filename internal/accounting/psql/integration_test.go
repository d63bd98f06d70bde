package psql_test

import (
	"context"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interledger/rafiki-sub008/internal/accounting"
	"github.com/interledger/rafiki-sub008/internal/accounting/accountingtest"
	"github.com/interledger/rafiki-sub008/internal/accounting/psql"
)

// testPool connects to the database named by TEST_DATABASE_URL and applies
// the schema, or skips the test when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, psql.Migrate(ctx, pool))
	return pool
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE ledger_transfers, ledger_accounts`)
	require.NoError(t, err)
}

func TestPostgresContract(t *testing.T) {
	pool := testPool(t)
	accountingtest.RunServiceTests(t, func(t *testing.T) accounting.AccountingService {
		truncate(t, pool)
		return psql.NewService(pool)
	})
}

func TestPostgresConcurrentTransfers(t *testing.T) {
	pool := testPool(t)
	truncate(t, pool)
	svc := psql.NewService(pool)
	ctx := context.Background()

	asset := accountingtest.NewAsset(t, svc, 1)
	src := accountingtest.NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	dst := accountingtest.NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	accountingtest.Fund(t, svc, src, 50)

	// Row locks serialize the validations; exactly 50 of the 100 racing
	// unit transfers may land.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(1),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, succeeded)
	balance, err := svc.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
}

func TestPostgresConcurrentOverdraw(t *testing.T) {
	pool := testPool(t)
	truncate(t, pool)
	svc := psql.NewService(pool)
	ctx := context.Background()

	asset := accountingtest.NewAsset(t, svc, 1)
	src := accountingtest.NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	dst := accountingtest.NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	accountingtest.Fund(t, svc, src, 50)

	// Two transfers of 40 against a balance of 50. The loser of the account
	// row lock must recompute the balance against a snapshot that includes
	// the winner's committed transfer, so it fails instead of overdrawing.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateTransfer(ctx, accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(40),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, accounting.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)

	balance, err := svc.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(10)))
}

func TestPostgresConcurrentResolution(t *testing.T) {
	pool := testPool(t)
	truncate(t, pool)
	svc := psql.NewService(pool)
	ctx := context.Background()

	asset := accountingtest.NewAsset(t, svc, 1)
	account := accountingtest.NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	accountingtest.Fund(t, svc, account, 100)

	withdrawalID := uuid.NewString()
	require.NoError(t, svc.CreateWithdrawal(ctx, accounting.Withdrawal{
		ID:      withdrawalID,
		Account: account,
		Amount:  big.NewInt(60),
		Timeout: time.Minute,
	}))

	// Racing posts and voids: exactly one transition wins, the rest see a
	// terminal-state error.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = svc.PostWithdrawal(ctx, withdrawalID)
			} else {
				err = svc.VoidWithdrawal(ctx, withdrawalID)
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestPostgresLargeAmounts(t *testing.T) {
	pool := testPool(t)
	truncate(t, pool)
	svc := psql.NewService(pool)
	ctx := context.Background()

	asset := accountingtest.NewAsset(t, svc, 1)
	account := accountingtest.NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)

	// Beyond uint64: NUMERIC storage must carry it unclipped.
	huge, ok := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	require.True(t, ok)
	require.NoError(t, svc.CreateDeposit(ctx, accounting.Deposit{
		ID:      uuid.NewString(),
		Account: account,
		Amount:  huge,
	}))

	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(huge))
}
