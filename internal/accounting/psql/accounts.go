package psql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

const (
	accountTypeSettlement = "SETTLEMENT"

	accountCachePrefix = "accounting:account:v1:"
	accountCacheTTL    = time.Hour
)

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

// ledgerAccount is a row of the ledger_accounts table. Rows are immutable
// after creation, which is what makes the lookup cache safe.
type ledgerAccount struct {
	ID         string `json:"id"`
	AccountRef string `json:"accountRef"`
	Ledger     uint32 `json:"ledger"`
	Type       string `json:"type"`
}

func (a *ledgerAccount) isSettlement() bool { return a.Type == accountTypeSettlement }

// newSettlementRef generates the accountRef for a settlement account. The
// per-ledger partial unique index, not the ref, is what enforces the
// singleton.
func newSettlementRef() string { return uuid.NewString() }

type createAccountArgs struct {
	accountRef  string
	ledger      uint32
	accountType string
}

// createAccount inserts a ledger account row. A uniqueness collision on
// (account_ref, type) or on the per-ledger settlement index surfaces as
// accounting.ErrAccountAlreadyExists.
func (s *Service) createAccount(ctx context.Context, args createAccountArgs) (*ledgerAccount, error) {
	account := &ledgerAccount{
		ID:         uuid.NewString(),
		AccountRef: args.accountRef,
		Ledger:     args.ledger,
		Type:       args.accountType,
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO ledger_accounts (id, account_ref, ledger, type)
        VALUES ($1, $2, $3, $4)`,
		account.ID, account.AccountRef, account.Ledger, account.Type)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, accounting.ErrAccountAlreadyExists
		}
		return nil, fmt.Errorf("insert ledger account: %w", err)
	}
	return account, nil
}

// getLiquidityAccount resolves an ordinary account by its caller-assigned
// reference, consulting the cache first.
func (s *Service) getLiquidityAccount(ctx context.Context, accountRef string) (*ledgerAccount, error) {
	if cached := s.cachedAccount(ctx, accountRef); cached != nil {
		return cached, nil
	}

	row := s.db.QueryRow(ctx, `
        SELECT id, account_ref, ledger, type
        FROM ledger_accounts
        WHERE account_ref = $1 AND type != $2`,
		accountRef, accountTypeSettlement)

	account, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, account)
	return account, nil
}

// getSettlementAccount resolves the per-ledger settlement singleton.
func (s *Service) getSettlementAccount(ctx context.Context, ledger uint32) (*ledgerAccount, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, account_ref, ledger, type
        FROM ledger_accounts
        WHERE ledger = $1 AND type = $2`,
		ledger, accountTypeSettlement)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*ledgerAccount, error) {
	var account ledgerAccount
	if err := row.Scan(&account.ID, &account.AccountRef, &account.Ledger, &account.Type); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, accounting.ErrUnknownAccount
		}
		return nil, fmt.Errorf("scan ledger account: %w", err)
	}
	return &account, nil
}

// Cache failures are never fatal; the database remains authoritative.

func (s *Service) cachedAccount(ctx context.Context, accountRef string) *ledgerAccount {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, accountCachePrefix+accountRef).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Debug("account cache read failed", "accountRef", accountRef, "error", err)
		}
		return nil
	}
	var account ledgerAccount
	if err := json.Unmarshal([]byte(raw), &account); err != nil {
		s.logger.Warn("account cache entry corrupt", "accountRef", accountRef, "error", err)
		return nil
	}
	return &account
}

func (s *Service) cacheAccount(ctx context.Context, account *ledgerAccount) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, accountCachePrefix+account.AccountRef, raw, accountCacheTTL).Err(); err != nil {
		s.logger.Debug("account cache write failed", "accountRef", account.AccountRef, "error", err)
	}
}
