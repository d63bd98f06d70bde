package tigerbeetle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// listBatchLimit is the engine's maximum result batch.
const listBatchLimit = 8190

var accountCodes = map[accounting.LiquidityAccountType]uint16{
	accounting.LiquidityAccountTypeAsset:           accountCodeLiquidityAsset,
	accounting.LiquidityAccountTypePeer:            accountCodeLiquidityPeer,
	accounting.LiquidityAccountTypeIncoming:        accountCodeLiquidityIncoming,
	accounting.LiquidityAccountTypeOutgoing:        accountCodeLiquidityOutgoing,
	accounting.LiquidityAccountTypeWebMonetization: accountCodeLiquidityWebMonetization,
}

// Service implements accounting.AccountingService on the ledger engine.
// Balance constraints and batch atomicity are enforced engine-side; this
// service maps the contract onto the engine protocol and its result codes.
type Service struct {
	client Client
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the clock used to judge reservation expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the engine backend over a connected client.
func NewService(client Client, opts ...Option) *Service {
	s := &Service{client: client, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", "tigerbeetle-accounting")
	return s
}

func (s *Service) CreateLiquidityAccount(_ context.Context, account accounting.LiquidityAccount, accountType accounting.LiquidityAccountType) (*accounting.LiquidityAccount, error) {
	id, err := idFromRef(account.ID)
	if err != nil {
		return nil, err
	}
	code, ok := accountCodes[accountType]
	if !ok {
		return nil, fmt.Errorf("unknown liquidity account type %q", accountType)
	}

	results, err := s.client.CreateAccounts([]types.Account{{
		ID:     id,
		Ledger: account.Asset.Ledger,
		Code:   code,
		// An ordinary account can never owe more than it has received.
		Flags: types.AccountFlags{DebitsMustNotExceedCredits: true}.ToUint16(),
	}})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	for _, result := range results {
		if err := mapAccountResult(result.Result); err != nil {
			return nil, err
		}
	}
	return &account, nil
}

func (s *Service) CreateSettlementAccount(_ context.Context, ledger uint32) error {
	results, err := s.client.CreateAccounts([]types.Account{{
		ID:     settlementAccountID(ledger),
		Ledger: ledger,
		Code:   accountCodeSettlement,
		// The settlement account's debits are money entering the system and
		// must cover everything credited out of it.
		Flags: types.AccountFlags{CreditsMustNotExceedDebits: true}.ToUint16(),
	}})
	if err != nil {
		return fmt.Errorf("create settlement account: %w", err)
	}
	for _, result := range results {
		mapped := mapAccountResult(result.Result)
		// Settlement accounts are created lazily; re-creation is fine.
		if mapped == accounting.ErrAccountAlreadyExists {
			continue
		}
		if mapped != nil {
			return mapped
		}
	}
	return nil
}

// balances reads the engine's running totals for the given account ids, in
// one round trip, preserving input order.
func (s *Service) balances(ids []types.Uint128) ([]accounting.AccountBalance, error) {
	found, err := s.client.LookupAccounts(ids)
	if err != nil {
		return nil, fmt.Errorf("lookup accounts: %w", err)
	}
	byID := make(map[types.Uint128]types.Account, len(found))
	for _, account := range found {
		byID[account.ID] = account
	}

	out := make([]accounting.AccountBalance, len(ids))
	for i, id := range ids {
		account, ok := byID[id]
		if !ok {
			return nil, accounting.ErrUnknownAccount
		}
		out[i] = accounting.AccountBalance{
			CreditsPosted:  amountFromUint128(account.CreditsPosted),
			CreditsPending: amountFromUint128(account.CreditsPending),
			DebitsPosted:   amountFromUint128(account.DebitsPosted),
			DebitsPending:  amountFromUint128(account.DebitsPending),
		}
	}
	return out, nil
}

func (s *Service) balanceForRef(accountID string) (accounting.AccountBalance, error) {
	id, err := idFromRef(accountID)
	if err != nil {
		return accounting.AccountBalance{}, accounting.ErrUnknownAccount
	}
	balances, err := s.balances([]types.Uint128{id})
	if err != nil {
		return accounting.AccountBalance{}, err
	}
	return balances[0], nil
}

func (s *Service) GetBalance(_ context.Context, accountID string) (*big.Int, error) {
	balance, err := s.balanceForRef(accountID)
	if err != nil {
		return nil, err
	}
	return balance.Available(), nil
}

func (s *Service) GetTotalSent(_ context.Context, accountID string) (*big.Int, error) {
	balance, err := s.balanceForRef(accountID)
	if err != nil {
		return nil, err
	}
	return balance.DebitsPosted, nil
}

func (s *Service) GetTotalReceived(_ context.Context, accountID string) (*big.Int, error) {
	balance, err := s.balanceForRef(accountID)
	if err != nil {
		return nil, err
	}
	return balance.CreditsPosted, nil
}

func (s *Service) GetAccountsTotalSent(_ context.Context, accountIDs []string) ([]*big.Int, error) {
	balances, err := s.balancesForRefs(accountIDs)
	if err != nil {
		return nil, err
	}
	totals := make([]*big.Int, len(balances))
	for i, balance := range balances {
		totals[i] = balance.DebitsPosted
	}
	return totals, nil
}

func (s *Service) GetAccountsTotalReceived(_ context.Context, accountIDs []string) ([]*big.Int, error) {
	balances, err := s.balancesForRefs(accountIDs)
	if err != nil {
		return nil, err
	}
	totals := make([]*big.Int, len(balances))
	for i, balance := range balances {
		totals[i] = balance.CreditsPosted
	}
	return totals, nil
}

func (s *Service) balancesForRefs(accountIDs []string) ([]accounting.AccountBalance, error) {
	ids := make([]types.Uint128, len(accountIDs))
	for i, ref := range accountIDs {
		id, err := idFromRef(ref)
		if err != nil {
			return nil, accounting.ErrUnknownAccount
		}
		ids[i] = id
	}
	return s.balances(ids)
}

func (s *Service) GetSettlementBalance(_ context.Context, ledger uint32) (*big.Int, error) {
	balances, err := s.balances([]types.Uint128{settlementAccountID(ledger)})
	if err != nil {
		return nil, err
	}
	return balances[0].SettlementAvailable(), nil
}

type transferSpec struct {
	transferRef     string
	debitAccountID  types.Uint128
	creditAccountID types.Uint128
	ledger          uint32
	amount          *big.Int
	timeout         time.Duration
	code            uint16
}

// createTransfers submits the batch as one linked chain: every row but the
// last carries the linked flag, so a failure anywhere aborts the whole chain
// engine-side.
func (s *Service) createTransfers(batch []transferSpec) []accounting.CreateTransferError {
	var errs []accounting.CreateTransferError
	for i, spec := range batch {
		if err := validateSpec(spec); err != nil {
			errs = append(errs, accounting.CreateTransferError{Index: i, Err: err})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	transfers := make([]types.Transfer, len(batch))
	for i, spec := range batch {
		id, err := idFromRef(spec.transferRef)
		if err != nil {
			return []accounting.CreateTransferError{{Index: i, Err: err}}
		}
		transfers[i] = types.Transfer{
			ID:              id,
			DebitAccountID:  spec.debitAccountID,
			CreditAccountID: spec.creditAccountID,
			Amount:          amountToUint128(spec.amount),
			Ledger:          spec.ledger,
			Code:            spec.code,
			Timeout:         timeoutSeconds(spec.timeout),
			Flags: types.TransferFlags{
				Pending: spec.timeout > 0,
				Linked:  i < len(batch)-1,
			}.ToUint16(),
		}
	}

	results, err := s.client.CreateTransfers(transfers)
	if err != nil {
		return []accounting.CreateTransferError{{Index: -1, Err: fmt.Errorf("create transfers: %w", err)}}
	}
	if cErr := firstChainError(results); cErr != nil {
		return []accounting.CreateTransferError{*cErr}
	}
	return nil
}

func validateSpec(spec transferSpec) error {
	if !accounting.ValidTransferRef(spec.transferRef) {
		return accounting.ErrInvalidID
	}
	if spec.amount == nil || spec.amount.Sign() <= 0 {
		return accounting.ErrInvalidAmount
	}
	if spec.timeout < 0 {
		return accounting.ErrInvalidTimeout
	}
	return nil
}

func (s *Service) CreateTransfer(_ context.Context, options accounting.TransferOptions) (accounting.Transaction, error) {
	legs, err := accounting.MakeTransferLegs(options)
	if err != nil {
		return nil, err
	}

	batch := make([]transferSpec, len(legs))
	for i, leg := range legs {
		debit, err := idFromRef(leg.DebitAccountID)
		if err != nil {
			return nil, accounting.ErrUnknownSourceAccount
		}
		credit, err := idFromRef(leg.CreditAccountID)
		if err != nil {
			return nil, accounting.ErrUnknownDestinationAccount
		}
		batch[i] = transferSpec{
			transferRef:     leg.TransferRef,
			debitAccountID:  debit,
			creditAccountID: credit,
			ledger:          leg.Ledger,
			amount:          leg.Amount,
			timeout:         leg.Timeout,
			code:            transferCodeTransfer,
		}
	}

	if cErrs := s.createTransfers(batch); len(cErrs) > 0 {
		return nil, accounting.MapLegError(legs, cErrs[0])
	}

	refs := accounting.TransferRefs(legs)
	return accounting.NewTransaction(
		func(ctx context.Context) error { return s.resolvePending(refs, true) },
		func(ctx context.Context) error { return s.resolvePending(refs, false) },
	), nil
}

func (s *Service) CreateDeposit(_ context.Context, deposit accounting.Deposit) error {
	if !accounting.ValidTransferRef(deposit.ID) {
		return accounting.ErrInvalidID
	}
	if deposit.Amount == nil || deposit.Amount.Sign() <= 0 {
		return accounting.ErrInvalidAmount
	}
	account, err := idFromRef(deposit.Account.ID)
	if err != nil {
		return accounting.ErrUnknownDestinationAccount
	}

	cErrs := s.createTransfers([]transferSpec{{
		transferRef:     deposit.ID,
		debitAccountID:  settlementAccountID(deposit.Account.Asset.Ledger),
		creditAccountID: account,
		ledger:          deposit.Account.Asset.Ledger,
		amount:          deposit.Amount,
		code:            transferCodeDeposit,
	}})
	if len(cErrs) > 0 {
		return cErrs[0].Err
	}
	return nil
}

func (s *Service) CreateWithdrawal(_ context.Context, withdrawal accounting.Withdrawal) error {
	if !accounting.ValidTransferRef(withdrawal.ID) {
		return accounting.ErrInvalidID
	}
	if withdrawal.Amount == nil || withdrawal.Amount.Sign() <= 0 {
		return accounting.ErrInvalidAmount
	}
	account, err := idFromRef(withdrawal.Account.ID)
	if err != nil {
		return accounting.ErrUnknownSourceAccount
	}

	cErrs := s.createTransfers([]transferSpec{{
		transferRef:     withdrawal.ID,
		debitAccountID:  account,
		creditAccountID: settlementAccountID(withdrawal.Account.Asset.Ledger),
		ledger:          withdrawal.Account.Asset.Ledger,
		amount:          withdrawal.Amount,
		timeout:         withdrawal.Timeout,
		code:            transferCodeWithdrawal,
	}})
	if len(cErrs) > 0 {
		return cErrs[0].Err
	}
	return nil
}

func (s *Service) PostWithdrawal(_ context.Context, withdrawalID string) error {
	return s.resolvePending([]string{withdrawalID}, true)
}

func (s *Service) VoidWithdrawal(_ context.Context, withdrawalID string) error {
	return s.resolvePending([]string{withdrawalID}, false)
}

// resolvePending posts or voids a set of pending transfers as one linked
// chain, so batched resolution is all-or-nothing like creation.
func (s *Service) resolvePending(transferRefs []string, post bool) error {
	ids := make([]types.Uint128, len(transferRefs))
	for i, ref := range transferRefs {
		id, err := idFromRef(ref)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	found, err := s.client.LookupTransfers(ids)
	if err != nil {
		return fmt.Errorf("lookup transfers: %w", err)
	}
	byID := make(map[types.Uint128]types.Transfer, len(found))
	for _, transfer := range found {
		byID[transfer.ID] = transfer
	}

	resolutions := make([]types.Transfer, len(ids))
	for i, id := range ids {
		pending, ok := byID[id]
		if !ok {
			return accounting.ErrUnknownTransfer
		}
		resolutions[i] = types.Transfer{
			ID:              types.BytesToUint128(uuid.New()),
			DebitAccountID:  pending.DebitAccountID,
			CreditAccountID: pending.CreditAccountID,
			Amount:          pending.Amount,
			PendingID:       pending.ID,
			Ledger:          pending.Ledger,
			Code:            pending.Code,
			Flags: types.TransferFlags{
				PostPendingTransfer: post,
				VoidPendingTransfer: !post,
				Linked:              i < len(ids)-1,
			}.ToUint16(),
		}
	}

	results, err := s.client.CreateTransfers(resolutions)
	if err != nil {
		return fmt.Errorf("resolve transfers: %w", err)
	}
	if cErr := firstChainError(results); cErr != nil {
		return cErr.Err
	}
	return nil
}

func (s *Service) GetAccountTransfers(_ context.Context, accountID string, limit int) (*accounting.AccountTransfers, error) {
	id, err := idFromRef(accountID)
	if err != nil {
		return nil, accounting.ErrUnknownAccount
	}
	if _, err := s.balances([]types.Uint128{id}); err != nil {
		return nil, err
	}

	fetch := uint32(listBatchLimit)
	records, err := s.client.GetAccountTransfers(types.AccountFilter{
		AccountID: id,
		Limit:     fetch,
		Flags: types.AccountFilterFlags{
			Debits:   true,
			Credits:  true,
			Reversed: true,
		}.ToUint32(),
	})
	if err != nil {
		return nil, fmt.Errorf("get account transfers: %w", err)
	}

	// Resolution records arrive before the pendings they resolve (newest
	// first), so collect them in a first pass.
	posted := make(map[types.Uint128]struct{})
	voided := make(map[types.Uint128]struct{})
	for _, record := range records {
		flags := record.TransferFlags()
		if flags.PostPendingTransfer {
			posted[record.PendingID] = struct{}{}
		} else if flags.VoidPendingTransfer {
			voided[record.PendingID] = struct{}{}
		}
	}

	now := s.now()
	out := &accounting.AccountTransfers{}
	count := 0
	for _, record := range records {
		if limit > 0 && count >= limit {
			break
		}
		flags := record.TransferFlags()
		if flags.PostPendingTransfer || flags.VoidPendingTransfer {
			continue
		}

		transfer := accounting.LedgerTransfer{
			ID:              refFromID(record.ID),
			TransferRef:     refFromID(record.ID),
			CreditAccountID: refFromID(record.CreditAccountID),
			DebitAccountID:  refFromID(record.DebitAccountID),
			Ledger:          record.Ledger,
			Amount:          amountFromUint128(record.Amount),
			State:           accounting.TransferStatePosted,
			Type:            transferTypeFromCode(record.Code),
			CreatedAt:       time.Unix(0, int64(record.Timestamp)),
		}
		if flags.Pending {
			if _, ok := voided[record.ID]; ok {
				continue
			}
			if _, ok := posted[record.ID]; !ok {
				expiresAt := transfer.CreatedAt.Add(time.Duration(record.Timeout) * time.Second)
				if record.Timeout > 0 && !expiresAt.After(now) {
					continue
				}
				transfer.State = accounting.TransferStatePending
				if record.Timeout > 0 {
					transfer.ExpiresAt = &expiresAt
				}
			}
		}

		if record.CreditAccountID == id {
			out.Credits = append(out.Credits, transfer)
		} else {
			out.Debits = append(out.Debits, transfer)
		}
		count++
	}
	return out, nil
}

func transferTypeFromCode(code uint16) accounting.TransferType {
	switch code {
	case transferCodeDeposit:
		return accounting.TransferTypeDeposit
	case transferCodeWithdrawal:
		return accounting.TransferTypeWithdrawal
	default:
		return accounting.TransferTypeTransfer
	}
}
