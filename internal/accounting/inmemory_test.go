package accounting

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*inMemoryLedger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	ledger := NewInMemory().(*inMemoryLedger)
	ledger.now = func() time.Time { return now }
	return ledger, &now
}

func seedAccounts(t *testing.T, svc AccountingService, asset Asset) (LiquidityAccount, LiquidityAccount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.CreateSettlementAccount(ctx, asset.Ledger))
	_, err := svc.CreateLiquidityAccount(ctx, LiquidityAccount{ID: asset.ID, Asset: asset}, LiquidityAccountTypeAsset)
	require.NoError(t, err)

	src := LiquidityAccount{ID: uuid.NewString(), Asset: asset}
	dst := LiquidityAccount{ID: uuid.NewString(), Asset: asset}
	_, err = svc.CreateLiquidityAccount(ctx, src, LiquidityAccountTypeIncoming)
	require.NoError(t, err)
	_, err = svc.CreateLiquidityAccount(ctx, dst, LiquidityAccountTypeOutgoing)
	require.NoError(t, err)
	return src, dst
}

func TestInMemoryLazyExpiry(t *testing.T) {
	ledger, now := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, dst := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(100),
	}))

	trx, err := ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(40),
		Timeout:            10 * time.Second,
	})
	require.NoError(t, err)

	balance, err := ledger.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(60)))

	// Past the timeout the reservation is inert without any sweeper having
	// touched it: the stored row still says PENDING, only the predicate
	// changed.
	*now = now.Add(11 * time.Second)

	balance, err = ledger.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(100)))

	require.ErrorIs(t, trx.Post(ctx), ErrTransferExpired)
	require.ErrorIs(t, trx.Void(ctx), ErrTransferExpired)

	transfers, err := ledger.GetAccountTransfers(ctx, src.ID, 0)
	require.NoError(t, err)
	assert.Len(t, transfers.Debits, 0, "expired reservations are not listed")
}

func TestInMemoryExpiredFundsReusable(t *testing.T) {
	ledger, now := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, dst := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(100),
	}))

	_, err := ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
		Timeout:            10 * time.Second,
	})
	require.NoError(t, err)

	// Fully reserved: nothing left to move.
	_, err = ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(1),
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	*now = now.Add(time.Minute)

	// The lapsed reservation no longer blocks new transfers.
	_, err = ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
	})
	require.NoError(t, err)
}

func TestInMemoryBatchAtomicity(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, dst := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(100),
	}))

	// Source covers the delivery leg but the liquidity account cannot fund
	// the 20-unit remainder, so the whole batch must abort.
	_, err := ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(50),
		DestinationAmount:  big.NewInt(70),
	})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	balance, err := ledger.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(100)))
	balance, err = ledger.GetBalance(ctx, dst.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
}

func TestInMemoryWithinBatchBalanceVisibility(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, dst := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(99),
	}))

	// 90 direct plus 10 spread, both debiting the source. Each leg fits the
	// opening balance of 99 on its own; only a validator that sees the first
	// leg's debit can catch the combined overdraw.
	_, err := ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
		DestinationAmount:  big.NewInt(90),
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err := ledger.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(99)))

	// With one more unit on deposit the same batch exactly fits.
	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(1),
	}))
	_, err = ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
		DestinationAmount:  big.NewInt(90),
	})
	require.NoError(t, err)

	balance, err = ledger.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
}

func TestInMemorySettlementAccountHidden(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, _ := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(100),
	}))

	// Settlement accounts are reachable only through GetSettlementBalance;
	// the ordinary-account read paths must not resolve their ids.
	settlementID := ledger.settlement[asset.Ledger]
	require.NotEmpty(t, settlementID)

	_, err := ledger.GetBalance(ctx, settlementID)
	assert.ErrorIs(t, err, ErrUnknownAccount)
	_, err = ledger.GetTotalSent(ctx, settlementID)
	assert.ErrorIs(t, err, ErrUnknownAccount)
	_, err = ledger.GetTotalReceived(ctx, settlementID)
	assert.ErrorIs(t, err, ErrUnknownAccount)
	_, err = ledger.GetAccountTransfers(ctx, settlementID, 0)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	balance, err := ledger.GetSettlementBalance(ctx, asset.Ledger)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(100)))
}

func TestInMemoryConcurrentTransfers(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, dst := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(50),
	}))

	// 100 goroutines race to move 1 unit each with only 50 available.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.CreateTransfer(ctx, TransferOptions{
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
	balance, err := ledger.GetBalance(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
	balance, err = ledger.GetBalance(ctx, dst.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(50)))
}

func TestInMemoryConservation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	asset := Asset{ID: uuid.NewString(), Ledger: 1}
	src, dst := seedAccounts(t, ledger, asset)

	require.NoError(t, ledger.CreateDeposit(ctx, Deposit{
		ID: uuid.NewString(), Account: src, Amount: big.NewInt(100),
	}))
	trx, err := ledger.CreateTransfer(ctx, TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(30),
		Timeout:            time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, trx.Post(ctx))

	withdrawalID := uuid.NewString()
	require.NoError(t, ledger.CreateWithdrawal(ctx, Withdrawal{
		ID: withdrawalID, Account: dst, Amount: big.NewInt(10),
	}))

	// Settlement owes exactly the sum of ordinary balances.
	var total big.Int
	for _, id := range []string{src.ID, dst.ID, asset.ID} {
		balance, err := ledger.GetBalance(ctx, id)
		require.NoError(t, err)
		total.Add(&total, balance)
	}
	settlement, err := ledger.GetSettlementBalance(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, settlement.Cmp(&total))
}
