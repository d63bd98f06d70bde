package metrics

import (
	"context"
	"math/big"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// InstrumentedService decorates any AccountingService with operation metrics.
type InstrumentedService struct {
	next accounting.AccountingService
}

// Instrument wraps svc.
func Instrument(svc accounting.AccountingService) *InstrumentedService {
	return &InstrumentedService{next: svc}
}

func (s *InstrumentedService) CreateLiquidityAccount(ctx context.Context, account accounting.LiquidityAccount, accountType accounting.LiquidityAccountType) (*accounting.LiquidityAccount, error) {
	timer := startTimer("create_liquidity_account")
	created, err := s.next.CreateLiquidityAccount(ctx, account, accountType)
	record("create_liquidity_account", timer, err)
	return created, err
}

func (s *InstrumentedService) CreateSettlementAccount(ctx context.Context, ledger uint32) error {
	timer := startTimer("create_settlement_account")
	err := s.next.CreateSettlementAccount(ctx, ledger)
	record("create_settlement_account", timer, err)
	return err
}

func (s *InstrumentedService) GetBalance(ctx context.Context, accountID string) (*big.Int, error) {
	timer := startTimer("get_balance")
	balance, err := s.next.GetBalance(ctx, accountID)
	record("get_balance", timer, err)
	return balance, err
}

func (s *InstrumentedService) GetTotalSent(ctx context.Context, accountID string) (*big.Int, error) {
	timer := startTimer("get_total_sent")
	total, err := s.next.GetTotalSent(ctx, accountID)
	record("get_total_sent", timer, err)
	return total, err
}

func (s *InstrumentedService) GetAccountsTotalSent(ctx context.Context, accountIDs []string) ([]*big.Int, error) {
	timer := startTimer("get_accounts_total_sent")
	totals, err := s.next.GetAccountsTotalSent(ctx, accountIDs)
	record("get_accounts_total_sent", timer, err)
	return totals, err
}

func (s *InstrumentedService) GetTotalReceived(ctx context.Context, accountID string) (*big.Int, error) {
	timer := startTimer("get_total_received")
	total, err := s.next.GetTotalReceived(ctx, accountID)
	record("get_total_received", timer, err)
	return total, err
}

func (s *InstrumentedService) GetAccountsTotalReceived(ctx context.Context, accountIDs []string) ([]*big.Int, error) {
	timer := startTimer("get_accounts_total_received")
	totals, err := s.next.GetAccountsTotalReceived(ctx, accountIDs)
	record("get_accounts_total_received", timer, err)
	return totals, err
}

func (s *InstrumentedService) GetSettlementBalance(ctx context.Context, ledger uint32) (*big.Int, error) {
	timer := startTimer("get_settlement_balance")
	balance, err := s.next.GetSettlementBalance(ctx, ledger)
	record("get_settlement_balance", timer, err)
	return balance, err
}

func (s *InstrumentedService) GetAccountTransfers(ctx context.Context, accountID string, limit int) (*accounting.AccountTransfers, error) {
	timer := startTimer("get_account_transfers")
	transfers, err := s.next.GetAccountTransfers(ctx, accountID, limit)
	record("get_account_transfers", timer, err)
	return transfers, err
}

func (s *InstrumentedService) CreateTransfer(ctx context.Context, options accounting.TransferOptions) (accounting.Transaction, error) {
	timer := startTimer("create_transfer")
	trx, err := s.next.CreateTransfer(ctx, options)
	record("create_transfer", timer, err)
	if err != nil {
		return nil, err
	}
	return &instrumentedTransaction{next: trx}, nil
}

func (s *InstrumentedService) CreateDeposit(ctx context.Context, deposit accounting.Deposit) error {
	timer := startTimer("create_deposit")
	err := s.next.CreateDeposit(ctx, deposit)
	record("create_deposit", timer, err)
	return err
}

func (s *InstrumentedService) CreateWithdrawal(ctx context.Context, withdrawal accounting.Withdrawal) error {
	timer := startTimer("create_withdrawal")
	err := s.next.CreateWithdrawal(ctx, withdrawal)
	record("create_withdrawal", timer, err)
	return err
}

func (s *InstrumentedService) PostWithdrawal(ctx context.Context, withdrawalID string) error {
	timer := startTimer("post_withdrawal")
	err := s.next.PostWithdrawal(ctx, withdrawalID)
	record("post_withdrawal", timer, err)
	return err
}

func (s *InstrumentedService) VoidWithdrawal(ctx context.Context, withdrawalID string) error {
	timer := startTimer("void_withdrawal")
	err := s.next.VoidWithdrawal(ctx, withdrawalID)
	record("void_withdrawal", timer, err)
	return err
}

// instrumentedTransaction times the resolution of a reservation handle.
type instrumentedTransaction struct {
	next accounting.Transaction
}

func (t *instrumentedTransaction) Post(ctx context.Context) error {
	timer := startTimer("post_transfer")
	err := t.next.Post(ctx)
	record("post_transfer", timer, err)
	return err
}

func (t *instrumentedTransaction) Void(ctx context.Context) error {
	timer := startTimer("void_transfer")
	err := t.next.Void(ctx)
	record("void_transfer", timer, err)
	return err
}
