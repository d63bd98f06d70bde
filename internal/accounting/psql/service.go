// Package psql is the embedded relational ledger backend. It reconstructs
// the engine's batch atomicity with explicit transactions and row locks:
// balances are recomputed inside the transaction that validates a batch, and
// state transitions lock the transfer row first.
package psql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// Service implements accounting.AccountingService on PostgreSQL.
type Service struct {
	db     *pgxpool.Pool
	cache  *redis.Client
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the Redis account-lookup cache. Account rows are
// immutable once created; balances are never cached.
func WithCache(cache *redis.Client) Option {
	return func(s *Service) { s.cache = cache }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService builds the relational backend over an existing pool.
func NewService(db *pgxpool.Pool, opts ...Option) *Service {
	s := &Service{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", "psql-accounting")
	return s
}

func (s *Service) CreateLiquidityAccount(ctx context.Context, account accounting.LiquidityAccount, accountType accounting.LiquidityAccountType) (*accounting.LiquidityAccount, error) {
	if !accounting.ValidTransferRef(account.ID) {
		return nil, accounting.ErrInvalidID
	}
	if _, err := s.createAccount(ctx, createAccountArgs{
		accountRef:  account.ID,
		ledger:      account.Asset.Ledger,
		accountType: string(accountType),
	}); err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) CreateSettlementAccount(ctx context.Context, ledger uint32) error {
	_, err := s.createAccount(ctx, createAccountArgs{
		accountRef:  newSettlementRef(),
		ledger:      ledger,
		accountType: accountTypeSettlement,
	})
	// The settlement account is a per-ledger singleton created lazily, so a
	// concurrent or repeated creation is not an error.
	if errors.Is(err, accounting.ErrAccountAlreadyExists) {
		return nil
	}
	return err
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (*big.Int, error) {
	account, err := s.getLiquidityAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balance, err := s.accountBalance(ctx, s.db, account.ID)
	if err != nil {
		return nil, err
	}
	return balance.Available(), nil
}

func (s *Service) GetTotalSent(ctx context.Context, accountID string) (*big.Int, error) {
	account, err := s.getLiquidityAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balance, err := s.accountBalance(ctx, s.db, account.ID)
	if err != nil {
		return nil, err
	}
	return balance.DebitsPosted, nil
}

func (s *Service) GetAccountsTotalSent(ctx context.Context, accountIDs []string) ([]*big.Int, error) {
	return s.fanOut(ctx, accountIDs, s.GetTotalSent)
}

func (s *Service) GetTotalReceived(ctx context.Context, accountID string) (*big.Int, error) {
	account, err := s.getLiquidityAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balance, err := s.accountBalance(ctx, s.db, account.ID)
	if err != nil {
		return nil, err
	}
	return balance.CreditsPosted, nil
}

func (s *Service) GetAccountsTotalReceived(ctx context.Context, accountIDs []string) ([]*big.Int, error) {
	return s.fanOut(ctx, accountIDs, s.GetTotalReceived)
}

// fanOut runs one balance query per account concurrently, preserving input
// order in the results.
func (s *Service) fanOut(ctx context.Context, accountIDs []string, query func(context.Context, string) (*big.Int, error)) ([]*big.Int, error) {
	totals := make([]*big.Int, len(accountIDs))
	g, gCtx := errgroup.WithContext(ctx)
	for i, id := range accountIDs {
		i, id := i, id
		g.Go(func() error {
			total, err := query(gCtx, id)
			if err != nil {
				return fmt.Errorf("account %s: %w", id, err)
			}
			totals[i] = total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Service) GetSettlementBalance(ctx context.Context, ledger uint32) (*big.Int, error) {
	account, err := s.getSettlementAccount(ctx, ledger)
	if err != nil {
		return nil, err
	}
	balance, err := s.accountBalance(ctx, s.db, account.ID)
	if err != nil {
		return nil, err
	}
	return balance.SettlementAvailable(), nil
}

func (s *Service) GetAccountTransfers(ctx context.Context, accountID string, limit int) (*accounting.AccountTransfers, error) {
	account, err := s.getLiquidityAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.getAccountTransfers(ctx, s.db, account.ID, limit)
}

func (s *Service) CreateTransfer(ctx context.Context, options accounting.TransferOptions) (accounting.Transaction, error) {
	legs, err := accounting.MakeTransferLegs(options)
	if err != nil {
		return nil, err
	}

	batch := make([]createTransferArgs, len(legs))
	for i, leg := range legs {
		debit, err := s.getLiquidityAccount(ctx, leg.DebitAccountID)
		if err != nil {
			if errors.Is(err, accounting.ErrUnknownAccount) {
				return nil, accounting.ErrUnknownSourceAccount
			}
			return nil, err
		}
		credit, err := s.getLiquidityAccount(ctx, leg.CreditAccountID)
		if err != nil {
			if errors.Is(err, accounting.ErrUnknownAccount) {
				return nil, accounting.ErrUnknownDestinationAccount
			}
			return nil, err
		}
		batch[i] = createTransferArgs{
			transferRef:   leg.TransferRef,
			debitAccount:  debit,
			creditAccount: credit,
			amount:        leg.Amount,
			timeout:       leg.Timeout,
			transferType:  accounting.TransferTypeTransfer,
		}
	}

	if _, cErrs := s.createTransfers(ctx, batch); len(cErrs) > 0 {
		return nil, accounting.MapLegError(legs, cErrs[0])
	}

	refs := accounting.TransferRefs(legs)
	return accounting.NewTransaction(
		func(ctx context.Context) error {
			return s.updateTransferState(ctx, refs, accounting.TransferStatePosted)
		},
		func(ctx context.Context) error {
			return s.updateTransferState(ctx, refs, accounting.TransferStateVoided)
		},
	), nil
}

func (s *Service) CreateDeposit(ctx context.Context, deposit accounting.Deposit) error {
	if !accounting.ValidTransferRef(deposit.ID) {
		return accounting.ErrInvalidID
	}
	if deposit.Amount == nil || deposit.Amount.Sign() <= 0 {
		return accounting.ErrInvalidAmount
	}

	settlement, err := s.getSettlementAccount(ctx, deposit.Account.Asset.Ledger)
	if err != nil {
		if errors.Is(err, accounting.ErrUnknownAccount) {
			return accounting.ErrUnknownSourceAccount
		}
		return err
	}
	account, err := s.getLiquidityAccount(ctx, deposit.Account.ID)
	if err != nil {
		if errors.Is(err, accounting.ErrUnknownAccount) {
			return accounting.ErrUnknownDestinationAccount
		}
		return err
	}

	_, cErrs := s.createTransfers(ctx, []createTransferArgs{{
		transferRef:   deposit.ID,
		debitAccount:  settlement,
		creditAccount: account,
		amount:        deposit.Amount,
		transferType:  accounting.TransferTypeDeposit,
	}})
	if len(cErrs) > 0 {
		return cErrs[0].Err
	}
	return nil
}

func (s *Service) CreateWithdrawal(ctx context.Context, withdrawal accounting.Withdrawal) error {
	if !accounting.ValidTransferRef(withdrawal.ID) {
		return accounting.ErrInvalidID
	}
	if withdrawal.Amount == nil || withdrawal.Amount.Sign() <= 0 {
		return accounting.ErrInvalidAmount
	}

	account, err := s.getLiquidityAccount(ctx, withdrawal.Account.ID)
	if err != nil {
		if errors.Is(err, accounting.ErrUnknownAccount) {
			return accounting.ErrUnknownSourceAccount
		}
		return err
	}
	settlement, err := s.getSettlementAccount(ctx, withdrawal.Account.Asset.Ledger)
	if err != nil {
		if errors.Is(err, accounting.ErrUnknownAccount) {
			return accounting.ErrUnknownDestinationAccount
		}
		return err
	}

	_, cErrs := s.createTransfers(ctx, []createTransferArgs{{
		transferRef:   withdrawal.ID,
		debitAccount:  account,
		creditAccount: settlement,
		amount:        withdrawal.Amount,
		timeout:       withdrawal.Timeout,
		transferType:  accounting.TransferTypeWithdrawal,
	}})
	if len(cErrs) > 0 {
		return cErrs[0].Err
	}
	return nil
}

func (s *Service) PostWithdrawal(ctx context.Context, withdrawalID string) error {
	return s.updateTransferState(ctx, []string{withdrawalID}, accounting.TransferStatePosted)
}

func (s *Service) VoidWithdrawal(ctx context.Context, withdrawalID string) error {
	return s.updateTransferState(ctx, []string{withdrawalID}, accounting.TransferStateVoided)
}
