// Package accounting defines the double-entry ledger contract shared by the
// relational and ledger-engine backends, together with the balance rules and
// the two-phase transfer lifecycle.
package accounting

import (
	"context"
	"math/big"
	"time"
)

// Asset identifies a currency group. Ledger is the numeric discriminator
// shared by every account holding that asset; transfers are only valid
// between accounts on the same ledger. The asset id doubles as the accountRef
// of the asset's own liquidity account.
type Asset struct {
	ID     string
	Ledger uint32
}

// LiquidityAccount is an ordinary ledger account: it can never owe more than
// it has received.
type LiquidityAccount struct {
	ID    string
	Asset Asset
}

// LiquidityAccountType distinguishes the ordinary account sub-types. The
// class (ordinary vs settlement) is what drives balance rules; the sub-type
// is informational and feeds the engine backend's account code.
type LiquidityAccountType string

const (
	LiquidityAccountTypeAsset           LiquidityAccountType = "LIQUIDITY_ASSET"
	LiquidityAccountTypePeer            LiquidityAccountType = "LIQUIDITY_PEER"
	LiquidityAccountTypeIncoming        LiquidityAccountType = "LIQUIDITY_INCOMING"
	LiquidityAccountTypeOutgoing        LiquidityAccountType = "LIQUIDITY_OUTGOING"
	LiquidityAccountTypeWebMonetization LiquidityAccountType = "LIQUIDITY_WEB_MONETIZATION"
)

// TransferState is the transfer lifecycle state. PENDING transfers move to
// exactly one of the terminal states POSTED or VOIDED; a transfer created
// without a timeout is born POSTED.
type TransferState string

const (
	TransferStatePending TransferState = "PENDING"
	TransferStatePosted  TransferState = "POSTED"
	TransferStateVoided  TransferState = "VOIDED"
)

// TransferType records why a transfer was created. It never affects balance
// semantics.
type TransferType string

const (
	TransferTypeTransfer   TransferType = "TRANSFER"
	TransferTypeDeposit    TransferType = "DEPOSIT"
	TransferTypeWithdrawal TransferType = "WITHDRAWAL"
)

// LedgerTransfer is one recorded money movement between two accounts. Rows
// are append-only: state is the only field that ever changes, and only
// PENDING -> POSTED or PENDING -> VOIDED.
type LedgerTransfer struct {
	ID              string
	TransferRef     string
	CreditAccountID string
	DebitAccountID  string
	Ledger          uint32
	Amount          *big.Int
	State           TransferState
	Type            TransferType
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// Expired reports whether a pending transfer's expiry has passed. Expiry is a
// derived predicate, never a stored state: an expired PENDING transfer stays
// in place but cannot be posted, voided, or counted toward a balance.
func (t LedgerTransfer) Expired(now time.Time) bool {
	return t.State == TransferStatePending && t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// countable reports whether the transfer contributes to balances: POSTED
// always, PENDING only until expiry, VOIDED never.
func (t LedgerTransfer) countable(now time.Time) bool {
	switch t.State {
	case TransferStatePosted:
		return true
	case TransferStatePending:
		return !t.Expired(now)
	default:
		return false
	}
}

// AccountTransfers is an account's visible activity split by side. Voided and
// expired-pending transfers are excluded.
type AccountTransfers struct {
	Credits []LedgerTransfer
	Debits  []LedgerTransfer
}

// Deposit moves amount from the asset's settlement account into an ordinary
// account, single-phase. ID is the caller-supplied transferRef.
type Deposit struct {
	ID      string
	Account LiquidityAccount
	Amount  *big.Int
}

// Withdrawal moves amount from an ordinary account to the asset's settlement
// account. A non-zero Timeout makes it two-phase: the transfer stays PENDING
// until PostWithdrawal or VoidWithdrawal resolves it.
type Withdrawal struct {
	ID      string
	Account LiquidityAccount
	Amount  *big.Int
	Timeout time.Duration
}

// TransferOptions describes an inter-account reservation. The two amounts may
// differ; the ledger records whatever it is given on each side and routes the
// remainder through the asset's liquidity account.
type TransferOptions struct {
	SourceAccount      LiquidityAccount
	DestinationAccount LiquidityAccount
	SourceAmount       *big.Int
	DestinationAmount  *big.Int
	Timeout            time.Duration
}

// Transaction is the single-use handle over a reservation. Exactly one of
// Post or Void may ever succeed; the middleware holding the handle must never
// leave it unresolved.
type Transaction interface {
	Post(ctx context.Context) error
	Void(ctx context.Context) error
}

// AccountingService is the single entry point the rest of the platform uses
// to move money. Both backends implement it with identical semantics and the
// same error set.
type AccountingService interface {
	CreateLiquidityAccount(ctx context.Context, account LiquidityAccount, accountType LiquidityAccountType) (*LiquidityAccount, error)
	CreateSettlementAccount(ctx context.Context, ledger uint32) error

	GetBalance(ctx context.Context, accountID string) (*big.Int, error)
	GetTotalSent(ctx context.Context, accountID string) (*big.Int, error)
	GetAccountsTotalSent(ctx context.Context, accountIDs []string) ([]*big.Int, error)
	GetTotalReceived(ctx context.Context, accountID string) (*big.Int, error)
	GetAccountsTotalReceived(ctx context.Context, accountIDs []string) ([]*big.Int, error)
	GetSettlementBalance(ctx context.Context, ledger uint32) (*big.Int, error)
	GetAccountTransfers(ctx context.Context, accountID string, limit int) (*AccountTransfers, error)

	CreateTransfer(ctx context.Context, options TransferOptions) (Transaction, error)
	CreateDeposit(ctx context.Context, deposit Deposit) error
	CreateWithdrawal(ctx context.Context, withdrawal Withdrawal) error
	PostWithdrawal(ctx context.Context, withdrawalID string) error
	VoidWithdrawal(ctx context.Context, withdrawalID string) error
}
