// Package accountingtest holds the behavioral test suite every
// AccountingService backend must pass. Backend packages run it against their
// own construction and add backend-specific tests (locking, expiry clocks)
// alongside.
package accountingtest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// Factory builds a fresh, empty backend for one subtest.
type Factory func(t *testing.T) accounting.AccountingService

// NewAsset registers a new asset on the service: its settlement account and
// its liquidity account, which shares the asset's id.
func NewAsset(t *testing.T, svc accounting.AccountingService, ledger uint32) accounting.Asset {
	t.Helper()
	ctx := context.Background()
	asset := accounting.Asset{ID: uuid.NewString(), Ledger: ledger}
	require.NoError(t, svc.CreateSettlementAccount(ctx, ledger))
	_, err := svc.CreateLiquidityAccount(ctx, accounting.LiquidityAccount{ID: asset.ID, Asset: asset}, accounting.LiquidityAccountTypeAsset)
	require.NoError(t, err)
	return asset
}

// NewAccount creates an ordinary account for the asset.
func NewAccount(t *testing.T, svc accounting.AccountingService, asset accounting.Asset, accountType accounting.LiquidityAccountType) accounting.LiquidityAccount {
	t.Helper()
	account := accounting.LiquidityAccount{ID: uuid.NewString(), Asset: asset}
	_, err := svc.CreateLiquidityAccount(context.Background(), account, accountType)
	require.NoError(t, err)
	return account
}

// Fund deposits amount into the account from its settlement account.
func Fund(t *testing.T, svc accounting.AccountingService, account accounting.LiquidityAccount, amount int64) {
	t.Helper()
	require.NoError(t, svc.CreateDeposit(context.Background(), accounting.Deposit{
		ID:      uuid.NewString(),
		Account: account,
		Amount:  big.NewInt(amount),
	}))
}

func requireBalance(t *testing.T, svc accounting.AccountingService, accountID string, want int64) {
	t.Helper()
	balance, err := svc.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(want)), "balance = %s, want %d", balance, want)
}

// RunServiceTests exercises the full AccountingService contract against
// backends built by factory.
func RunServiceTests(t *testing.T, factory Factory) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, factory) })
	t.Run("Deposits", func(t *testing.T) { testDeposits(t, factory) })
	t.Run("SinglePhaseTransfer", func(t *testing.T) { testSinglePhaseTransfer(t, factory) })
	t.Run("TwoPhaseTransfer", func(t *testing.T) { testTwoPhaseTransfer(t, factory) })
	t.Run("TransferValidation", func(t *testing.T) { testTransferValidation(t, factory) })
	t.Run("SlippageSameAsset", func(t *testing.T) { testSlippageSameAsset(t, factory) })
	t.Run("CrossCurrencyTransfer", func(t *testing.T) { testCrossCurrencyTransfer(t, factory) })
	t.Run("InsufficientLiquidity", func(t *testing.T) { testInsufficientLiquidity(t, factory) })
	t.Run("Withdrawals", func(t *testing.T) { testWithdrawals(t, factory) })
	t.Run("BatchTotals", func(t *testing.T) { testBatchTotals(t, factory) })
	t.Run("AccountTransfers", func(t *testing.T) { testAccountTransfers(t, factory) })
}

func testAccountLifecycle(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)

	account := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	_, err := svc.CreateLiquidityAccount(ctx, account, accounting.LiquidityAccountTypeIncoming)
	require.ErrorIs(t, err, accounting.ErrAccountAlreadyExists)

	// Settlement account creation is idempotent.
	require.NoError(t, svc.CreateSettlementAccount(ctx, 1))

	requireBalance(t, svc, account.ID, 0)
	_, err = svc.GetBalance(ctx, uuid.NewString())
	require.ErrorIs(t, err, accounting.ErrUnknownAccount)
}

func testDeposits(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)
	account := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)

	depositID := uuid.NewString()
	require.NoError(t, svc.CreateDeposit(ctx, accounting.Deposit{
		ID:      depositID,
		Account: account,
		Amount:  big.NewInt(100),
	}))

	requireBalance(t, svc, account.ID, 100)
	received, err := svc.GetTotalReceived(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, received.Cmp(big.NewInt(100)))
	sent, err := svc.GetTotalSent(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, sent.Sign())

	// The settlement account owes exactly what was deposited.
	settlement, err := svc.GetSettlementBalance(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, settlement.Cmp(big.NewInt(100)))

	// Replays of the same transferRef are rejected, not re-applied.
	err = svc.CreateDeposit(ctx, accounting.Deposit{
		ID:      depositID,
		Account: account,
		Amount:  big.NewInt(100),
	})
	require.ErrorIs(t, err, accounting.ErrTransferExists)
	requireBalance(t, svc, account.ID, 100)

	err = svc.CreateDeposit(ctx, accounting.Deposit{ID: "not-a-uuid", Account: account, Amount: big.NewInt(1)})
	require.ErrorIs(t, err, accounting.ErrInvalidID)
	err = svc.CreateDeposit(ctx, accounting.Deposit{ID: uuid.NewString(), Account: account, Amount: big.NewInt(0)})
	require.ErrorIs(t, err, accounting.ErrInvalidAmount)
}

func testSinglePhaseTransfer(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)
	src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	Fund(t, svc, src, 100)

	trx, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(40),
	})
	require.NoError(t, err)

	// Without a timeout the transfer posts immediately.
	requireBalance(t, svc, src.ID, 60)
	requireBalance(t, svc, dst.ID, 40)
	require.ErrorIs(t, trx.Post(ctx), accounting.ErrAlreadyPosted)
}

func testTwoPhaseTransfer(t *testing.T, factory Factory) {
	t.Run("post", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
		dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, src, 100)

		trx, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
			SourceAccount:      src,
			DestinationAccount: dst,
			SourceAmount:       big.NewInt(40),
			Timeout:            time.Minute,
		})
		require.NoError(t, err)

		// Reserved funds are unavailable on the source and not yet
		// available on the destination.
		requireBalance(t, svc, src.ID, 60)
		requireBalance(t, svc, dst.ID, 0)

		require.NoError(t, trx.Post(ctx))
		requireBalance(t, svc, src.ID, 60)
		requireBalance(t, svc, dst.ID, 40)

		require.ErrorIs(t, trx.Void(ctx), accounting.ErrAlreadyPosted)
		require.ErrorIs(t, trx.Post(ctx), accounting.ErrAlreadyPosted)
	})

	t.Run("void", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
		dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, src, 100)

		trx, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
			SourceAccount:      src,
			DestinationAccount: dst,
			SourceAmount:       big.NewInt(40),
			Timeout:            time.Minute,
		})
		require.NoError(t, err)

		require.NoError(t, trx.Void(ctx))
		requireBalance(t, svc, src.ID, 100)
		requireBalance(t, svc, dst.ID, 0)
		require.ErrorIs(t, trx.Post(ctx), accounting.ErrAlreadyVoided)
	})

	t.Run("reservation blocks reuse", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
		dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, src, 100)

		_, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
			SourceAccount:      src,
			DestinationAccount: dst,
			SourceAmount:       big.NewInt(80),
			Timeout:            time.Minute,
		})
		require.NoError(t, err)

		// The pending debit already counts against the source.
		_, err = svc.CreateTransfer(ctx, accounting.TransferOptions{
			SourceAccount:      src,
			DestinationAccount: dst,
			SourceAmount:       big.NewInt(30),
			Timeout:            time.Minute,
		})
		require.ErrorIs(t, err, accounting.ErrInsufficientBalance)
	})
}

func testTransferValidation(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)
	src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	Fund(t, svc, src, 50)

	cases := []struct {
		name    string
		options accounting.TransferOptions
		want    error
	}{
		{
			name: "same accounts",
			options: accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: src,
				SourceAmount:       big.NewInt(10),
			},
			want: accounting.ErrSameAccounts,
		},
		{
			name: "zero amount",
			options: accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(0),
			},
			want: accounting.ErrInvalidAmount,
		},
		{
			name: "negative destination amount",
			options: accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(10),
				DestinationAmount:  big.NewInt(-1),
			},
			want: accounting.ErrInvalidAmount,
		},
		{
			name: "negative timeout",
			options: accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(10),
				Timeout:            -time.Second,
			},
			want: accounting.ErrInvalidTimeout,
		},
		{
			name: "unknown source",
			options: accounting.TransferOptions{
				SourceAccount:      accounting.LiquidityAccount{ID: uuid.NewString(), Asset: asset},
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(10),
			},
			want: accounting.ErrUnknownSourceAccount,
		},
		{
			name: "unknown destination",
			options: accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: accounting.LiquidityAccount{ID: uuid.NewString(), Asset: asset},
				SourceAmount:       big.NewInt(10),
			},
			want: accounting.ErrUnknownDestinationAccount,
		},
		{
			name: "overdraw",
			options: accounting.TransferOptions{
				SourceAccount:      src,
				DestinationAccount: dst,
				SourceAmount:       big.NewInt(51),
			},
			want: accounting.ErrInsufficientBalance,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTransfer(ctx, tc.options)
			require.ErrorIs(t, err, tc.want)
		})
	}

	// Failed attempts must leave balances untouched.
	requireBalance(t, svc, src.ID, 50)
	requireBalance(t, svc, dst.ID, 0)
}

func testSlippageSameAsset(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)
	src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	Fund(t, svc, src, 100)

	// Source pays 100, destination receives 90: the spread lands on the
	// asset's liquidity account.
	trx, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
		DestinationAmount:  big.NewInt(90),
		Timeout:            time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, trx.Post(ctx))

	requireBalance(t, svc, src.ID, 0)
	requireBalance(t, svc, dst.ID, 90)
	requireBalance(t, svc, asset.ID, 10)
}

func testCrossCurrencyTransfer(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	usd := NewAsset(t, svc, 1)
	eur := NewAsset(t, svc, 2)
	src := NewAccount(t, svc, usd, accounting.LiquidityAccountTypeIncoming)
	dst := NewAccount(t, svc, eur, accounting.LiquidityAccountTypeOutgoing)
	Fund(t, svc, src, 200)
	Fund(t, svc, accounting.LiquidityAccount{ID: eur.ID, Asset: eur}, 500)

	trx, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
		DestinationAmount:  big.NewInt(90),
		Timeout:            time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, trx.Post(ctx))

	requireBalance(t, svc, src.ID, 100)
	requireBalance(t, svc, dst.ID, 90)
	requireBalance(t, svc, usd.ID, 100)
	requireBalance(t, svc, eur.ID, 410)

	sent, err := svc.GetTotalSent(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, sent.Cmp(big.NewInt(100)))
	received, err := svc.GetTotalReceived(ctx, dst.ID)
	require.NoError(t, err)
	assert.Zero(t, received.Cmp(big.NewInt(90)))

	// A destination amount is mandatory across assets.
	_, err = svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(10),
	})
	require.ErrorIs(t, err, accounting.ErrInvalidAmount)
}

func testInsufficientLiquidity(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	usd := NewAsset(t, svc, 1)
	eur := NewAsset(t, svc, 2)
	src := NewAccount(t, svc, usd, accounting.LiquidityAccountTypeIncoming)
	dst := NewAccount(t, svc, eur, accounting.LiquidityAccountTypeOutgoing)
	Fund(t, svc, src, 200)

	// The EUR liquidity account has nothing to deliver with; the failure is
	// the system's, not the sender's.
	_, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(100),
		DestinationAmount:  big.NewInt(90),
		Timeout:            time.Minute,
	})
	require.ErrorIs(t, err, accounting.ErrInsufficientLiquidity)

	// Nothing from the aborted batch may stick.
	requireBalance(t, svc, src.ID, 200)
	requireBalance(t, svc, usd.ID, 0)
	requireBalance(t, svc, dst.ID, 0)
}

func testWithdrawals(t *testing.T, factory Factory) {
	t.Run("two-phase post", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		account := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, account, 100)

		withdrawalID := uuid.NewString()
		require.NoError(t, svc.CreateWithdrawal(ctx, accounting.Withdrawal{
			ID:      withdrawalID,
			Account: account,
			Amount:  big.NewInt(60),
			Timeout: time.Minute,
		}))
		requireBalance(t, svc, account.ID, 40)

		require.NoError(t, svc.PostWithdrawal(ctx, withdrawalID))
		requireBalance(t, svc, account.ID, 40)
		settlement, err := svc.GetSettlementBalance(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, settlement.Cmp(big.NewInt(40)))

		require.ErrorIs(t, svc.VoidWithdrawal(ctx, withdrawalID), accounting.ErrAlreadyPosted)
	})

	t.Run("two-phase void", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		account := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, account, 100)

		withdrawalID := uuid.NewString()
		require.NoError(t, svc.CreateWithdrawal(ctx, accounting.Withdrawal{
			ID:      withdrawalID,
			Account: account,
			Amount:  big.NewInt(60),
			Timeout: time.Minute,
		}))
		require.NoError(t, svc.VoidWithdrawal(ctx, withdrawalID))
		requireBalance(t, svc, account.ID, 100)
		require.ErrorIs(t, svc.PostWithdrawal(ctx, withdrawalID), accounting.ErrAlreadyVoided)
	})

	t.Run("single-phase", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		account := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, account, 100)

		require.NoError(t, svc.CreateWithdrawal(ctx, accounting.Withdrawal{
			ID:      uuid.NewString(),
			Account: account,
			Amount:  big.NewInt(100),
		}))
		requireBalance(t, svc, account.ID, 0)
	})

	t.Run("validation", func(t *testing.T) {
		svc := factory(t)
		ctx := context.Background()
		asset := NewAsset(t, svc, 1)
		account := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
		Fund(t, svc, account, 10)

		err := svc.CreateWithdrawal(ctx, accounting.Withdrawal{
			ID:      uuid.NewString(),
			Account: account,
			Amount:  big.NewInt(11),
		})
		require.ErrorIs(t, err, accounting.ErrInsufficientBalance)

		err = svc.CreateWithdrawal(ctx, accounting.Withdrawal{ID: "bad", Account: account, Amount: big.NewInt(1)})
		require.ErrorIs(t, err, accounting.ErrInvalidID)

		require.ErrorIs(t, svc.PostWithdrawal(ctx, "bad"), accounting.ErrInvalidID)
		require.ErrorIs(t, svc.PostWithdrawal(ctx, uuid.NewString()), accounting.ErrUnknownTransfer)
		require.ErrorIs(t, svc.VoidWithdrawal(ctx, uuid.NewString()), accounting.ErrUnknownTransfer)
	})
}

func testBatchTotals(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)
	first := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	second := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	Fund(t, svc, first, 30)
	Fund(t, svc, second, 70)

	received, err := svc.GetAccountsTotalReceived(ctx, []string{first.ID, second.ID})
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Zero(t, received[0].Cmp(big.NewInt(30)))
	assert.Zero(t, received[1].Cmp(big.NewInt(70)))

	sent, err := svc.GetAccountsTotalSent(ctx, []string{first.ID, second.ID})
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Zero(t, sent[0].Sign())
	assert.Zero(t, sent[1].Sign())

	_, err = svc.GetAccountsTotalSent(ctx, []string{first.ID, uuid.NewString()})
	require.ErrorIs(t, err, accounting.ErrUnknownAccount)
}

func testAccountTransfers(t *testing.T, factory Factory) {
	svc := factory(t)
	ctx := context.Background()
	asset := NewAsset(t, svc, 1)
	src := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeIncoming)
	dst := NewAccount(t, svc, asset, accounting.LiquidityAccountTypeOutgoing)
	Fund(t, svc, src, 100)

	trx, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(25),
	})
	require.NoError(t, err)
	_ = trx

	pending, err := svc.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      src,
		DestinationAccount: dst,
		SourceAmount:       big.NewInt(10),
		Timeout:            time.Hour,
	})
	require.NoError(t, err)
	_ = pending

	transfers, err := svc.GetAccountTransfers(ctx, src.ID, 0)
	require.NoError(t, err)
	require.Len(t, transfers.Credits, 1, "the deposit credits the source")
	require.Len(t, transfers.Debits, 2)
	assert.Zero(t, transfers.Credits[0].Amount.Cmp(big.NewInt(100)))

	// Newest first: the pending reservation precedes the posted transfer.
	assert.Equal(t, accounting.TransferStatePending, transfers.Debits[0].State)
	assert.Zero(t, transfers.Debits[0].Amount.Cmp(big.NewInt(10)))
	assert.Equal(t, accounting.TransferStatePosted, transfers.Debits[1].State)
	assert.Zero(t, transfers.Debits[1].Amount.Cmp(big.NewInt(25)))

	limited, err := svc.GetAccountTransfers(ctx, dst.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited.Credits, 1)

	_, err = svc.GetAccountTransfers(ctx, uuid.NewString(), 0)
	require.ErrorIs(t, err, accounting.ErrUnknownAccount)
}
