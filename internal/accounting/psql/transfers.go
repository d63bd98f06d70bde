package psql

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// lockNotAvailable is SQLSTATE 55P03, raised by FOR UPDATE NOWAIT.
const lockNotAvailable = "55P03"

const (
	lockRetries    = 5
	lockRetryDelay = 25 * time.Millisecond
)

type createTransferArgs struct {
	transferRef   string
	creditAccount *ledgerAccount
	debitAccount  *ledgerAccount
	amount        *big.Int
	timeout       time.Duration
	transferType  accounting.TransferType
}

// createTransfers validates and persists a batch as one atomic unit. Shape
// errors are collected for every entry up front; balance checks and inserts
// then run entry-by-entry inside the transaction so each entry's validation
// sees the entries before it. Any failure rolls the whole batch back.
//
// Duplicate transferRefs are not pre-checked: the unique constraint reports
// them at insert time, closing the race between check and insert.
func (s *Service) createTransfers(ctx context.Context, batch []createTransferArgs) ([]accounting.LedgerTransfer, []accounting.CreateTransferError) {
	var errs []accounting.CreateTransferError
	for i, args := range batch {
		if err := validateTransferShape(args); err != nil {
			errs = append(errs, accounting.CreateTransferError{Index: i, Err: err})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	// Read committed, not repeatable read: each statement after the account
	// locks are acquired must take a fresh snapshot, so the balance sums see
	// transfers committed by the batch that held the locks before us.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, []accounting.CreateTransferError{{Index: -1, Err: fmt.Errorf("begin transfer batch: %w", err)}}
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := lockAccounts(ctx, tx, batch); err != nil {
		return nil, []accounting.CreateTransferError{{Index: -1, Err: err}}
	}

	results := make([]accounting.LedgerTransfer, 0, len(batch))
	for i, args := range batch {
		if err := s.validateTransferBalances(ctx, tx, args); err != nil {
			return nil, []accounting.CreateTransferError{{Index: i, Err: err}}
		}
		transfer, err := insertTransfer(ctx, tx, args)
		if err != nil {
			return nil, []accounting.CreateTransferError{{Index: i, Err: err}}
		}
		results = append(results, *transfer)
	}

	if err := tx.Commit(ctx); err != nil {
		// Partial application must be assumed possible; surface as fatal.
		return nil, []accounting.CreateTransferError{{Index: -1, Err: fmt.Errorf("commit transfer batch: %w", err)}}
	}
	return results, nil
}

func validateTransferShape(args createTransferArgs) error {
	if !accounting.ValidTransferRef(args.transferRef) {
		return accounting.ErrInvalidID
	}
	if args.amount == nil || args.amount.Sign() <= 0 {
		return accounting.ErrInvalidAmount
	}
	if args.timeout < 0 {
		return accounting.ErrInvalidTimeout
	}
	if args.creditAccount.ID == args.debitAccount.ID {
		return accounting.ErrSameAccounts
	}
	if args.creditAccount.Ledger != args.debitAccount.Ledger {
		return accounting.ErrDifferentAssets
	}
	return nil
}

// lockAccounts takes row locks on every account touched by the batch, in
// sorted id order so concurrent batches over the same accounts cannot
// deadlock. Holding the locks serializes balance validation with respect to
// other batches touching those accounts.
func lockAccounts(ctx context.Context, tx pgx.Tx, batch []createTransferArgs) error {
	seen := make(map[string]struct{}, len(batch)*2)
	ids := make([]string, 0, len(batch)*2)
	for _, args := range batch {
		for _, id := range []string{args.creditAccount.ID, args.debitAccount.ID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	rows, err := tx.Query(ctx, `
        SELECT id FROM ledger_accounts
        WHERE id = ANY($1)
        ORDER BY id
        FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	locked := 0
	for rows.Next() {
		locked++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	if locked != len(ids) {
		return accounting.ErrUnknownAccount
	}
	return nil
}

// validateTransferBalances recomputes both sides' balances inside the batch
// transaction: debit-side sufficiency first (settlement accounts are the
// liquidity source and are exempt), then settlement credit headroom.
func (s *Service) validateTransferBalances(ctx context.Context, tx pgx.Tx, args createTransferArgs) error {
	if !args.debitAccount.isSettlement() {
		balance, err := s.accountBalance(ctx, tx, args.debitAccount.ID)
		if err != nil {
			return err
		}
		if !balance.CanDebit(args.amount) {
			return accounting.ErrInsufficientBalance
		}
	}
	if args.creditAccount.isSettlement() {
		balance, err := s.accountBalance(ctx, tx, args.creditAccount.ID)
		if err != nil {
			return err
		}
		if !balance.CanCredit(args.amount) {
			return accounting.ErrInsufficientDebitBalance
		}
	}
	return nil
}

func insertTransfer(ctx context.Context, tx pgx.Tx, args createTransferArgs) (*accounting.LedgerTransfer, error) {
	transfer := accounting.LedgerTransfer{
		ID:              uuid.NewString(),
		TransferRef:     args.transferRef,
		CreditAccountID: args.creditAccount.ID,
		DebitAccountID:  args.debitAccount.ID,
		Ledger:          args.creditAccount.Ledger,
		Amount:          new(big.Int).Set(args.amount),
		State:           accounting.TransferStatePosted,
		Type:            args.transferType,
		CreatedAt:       time.Now(),
	}
	var expiresAt *time.Time
	if args.timeout > 0 {
		expiry := transfer.CreatedAt.Add(args.timeout)
		expiresAt = &expiry
		transfer.State = accounting.TransferStatePending
		transfer.ExpiresAt = &expiry
	}

	_, err := tx.Exec(ctx, `
        INSERT INTO ledger_transfers
            (id, transfer_ref, credit_account_id, debit_account_id, ledger, amount, state, type, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		transfer.ID, transfer.TransferRef, transfer.CreditAccountID, transfer.DebitAccountID,
		transfer.Ledger, numericFromBig(transfer.Amount), string(transfer.State), string(transfer.Type),
		expiresAt, transfer.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, accounting.ErrTransferExists
		}
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	return &transfer, nil
}

// updateTransferState transitions every transferRef to the target terminal
// state, all-or-nothing. Each row is locked FOR UPDATE NOWAIT; a row held by
// another caller fails fast and the whole batch is retried after a short
// delay rather than queueing behind the holder.
func (s *Service) updateTransferState(ctx context.Context, transferRefs []string, target accounting.TransferState) error {
	for _, ref := range transferRefs {
		if !accounting.ValidTransferRef(ref) {
			return accounting.ErrInvalidID
		}
	}

	var lastErr error
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(lockRetryDelay):
			}
		}

		err := s.tryUpdateTransferState(ctx, transferRefs, target)
		if err == nil || !isLockNotAvailable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transfer state update contended: %w", lastErr)
}

func (s *Service) tryUpdateTransferState(ctx context.Context, transferRefs []string, target accounting.TransferState) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin state update: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	now := time.Now()
	for _, ref := range transferRefs {
		var (
			id        string
			state     string
			expiresAt *time.Time
		)
		err := tx.QueryRow(ctx, `
            SELECT id, state, expires_at
            FROM ledger_transfers
            WHERE transfer_ref = $1
            FOR UPDATE NOWAIT`, ref).Scan(&id, &state, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return accounting.ErrUnknownTransfer
			}
			if isLockNotAvailable(err) {
				return err
			}
			return fmt.Errorf("lock transfer %s: %w", ref, err)
		}

		switch {
		case state == string(accounting.TransferStateVoided):
			return accounting.ErrAlreadyVoided
		case state == string(accounting.TransferStatePosted):
			return accounting.ErrAlreadyPosted
		case expiresAt != nil && !expiresAt.After(now):
			// Left in place as inert history.
			return accounting.ErrTransferExpired
		}

		if _, err := tx.Exec(ctx, `
            UPDATE ledger_transfers SET state = $1 WHERE id = $2`,
			string(target), id); err != nil {
			return fmt.Errorf("update transfer %s: %w", ref, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit state update: %w", err)
	}
	return nil
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable
}

// queryer lets balance and listing queries run either on the pool or inside
// a batch transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// getAccountTransfers lists an account's countable activity split by side,
// newest first: POSTED rows plus PENDING rows that have not expired. VOIDED
// rows never appear.
func (s *Service) getAccountTransfers(ctx context.Context, q queryer, accountID string, limit int) (*accounting.AccountTransfers, error) {
	sql := `
        SELECT id, transfer_ref, credit_account_id, debit_account_id, ledger, amount, state, type, expires_at, created_at
        FROM ledger_transfers
        WHERE (credit_account_id = $1 OR debit_account_id = $1)
          AND (state = 'POSTED' OR (state = 'PENDING' AND (expires_at IS NULL OR expires_at > now())))
        ORDER BY created_at DESC`
	args := []any{accountID}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query account transfers: %w", err)
	}
	defer rows.Close()

	out := &accounting.AccountTransfers{}
	for rows.Next() {
		var (
			transfer  accounting.LedgerTransfer
			amount    pgtype.Numeric
			state     string
			transferT *string
		)
		if err := rows.Scan(&transfer.ID, &transfer.TransferRef, &transfer.CreditAccountID,
			&transfer.DebitAccountID, &transfer.Ledger, &amount, &state, &transferT,
			&transfer.ExpiresAt, &transfer.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfer.State = accounting.TransferState(state)
		if transferT != nil {
			transfer.Type = accounting.TransferType(*transferT)
		}
		if transfer.Amount, err = bigFromNumeric(amount); err != nil {
			return nil, fmt.Errorf("transfer %s: %w", transfer.TransferRef, err)
		}
		if transfer.CreditAccountID == accountID {
			out.Credits = append(out.Credits, transfer)
		} else {
			out.Debits = append(out.Debits, transfer)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// accountBalance derives the four balance buckets as a pure function over the
// account's transfer rows. It runs on whatever queryer the caller is inside
// of, so validation always sums under the same locks as the mutation.
func (s *Service) accountBalance(ctx context.Context, q queryer, accountID string) (accounting.AccountBalance, error) {
	transfers, err := s.getAccountTransfers(ctx, q, accountID, 0)
	if err != nil {
		return accounting.AccountBalance{}, err
	}
	return accounting.CalculateBalance(*transfers, time.Now()), nil
}
