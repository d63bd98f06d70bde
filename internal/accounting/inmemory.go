package accounting

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryAccount struct {
	id         string
	ledger     uint32
	settlement bool
	accType    LiquidityAccountType
}

// inMemoryLedger is a concurrency-safe AccountingService holding the whole
// ledger in process memory. It implements the full contract (two-phase
// lifecycle, lazy expiry, all-or-nothing batches) and backs unit tests and
// dev mode.
type inMemoryLedger struct {
	mu         sync.Mutex
	accounts   map[string]*inMemoryAccount
	settlement map[uint32]string
	transfers  map[string]*LedgerTransfer
	order      []string

	now func() time.Time
}

// NewInMemory creates an in-memory ledger backend.
func NewInMemory() AccountingService {
	return &inMemoryLedger{
		accounts:   make(map[string]*inMemoryAccount),
		settlement: make(map[uint32]string),
		transfers:  make(map[string]*LedgerTransfer),
		now:        time.Now,
	}
}

func (l *inMemoryLedger) CreateLiquidityAccount(_ context.Context, account LiquidityAccount, accountType LiquidityAccountType) (*LiquidityAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[account.ID]; exists {
		return nil, ErrAccountAlreadyExists
	}
	l.accounts[account.ID] = &inMemoryAccount{
		id:      account.ID,
		ledger:  account.Asset.Ledger,
		accType: accountType,
	}
	return &account, nil
}

func (l *inMemoryLedger) CreateSettlementAccount(_ context.Context, ledger uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Settlement accounts are per-ledger singletons created lazily; a repeat
	// creation is not an error.
	if _, exists := l.settlement[ledger]; exists {
		return nil
	}
	id := uuid.NewString()
	l.accounts[id] = &inMemoryAccount{id: id, ledger: ledger, settlement: true}
	l.settlement[ledger] = id
	return nil
}

func (l *inMemoryLedger) GetBalance(_ context.Context, accountID string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[accountID]
	if !ok || account.settlement {
		return nil, ErrUnknownAccount
	}
	return l.balance(accountID).Available(), nil
}

func (l *inMemoryLedger) GetTotalSent(_ context.Context, accountID string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if account, ok := l.accounts[accountID]; !ok || account.settlement {
		return nil, ErrUnknownAccount
	}
	return l.balance(accountID).DebitsPosted, nil
}

func (l *inMemoryLedger) GetAccountsTotalSent(ctx context.Context, accountIDs []string) ([]*big.Int, error) {
	totals := make([]*big.Int, len(accountIDs))
	for i, id := range accountIDs {
		total, err := l.GetTotalSent(ctx, id)
		if err != nil {
			return nil, err
		}
		totals[i] = total
	}
	return totals, nil
}

func (l *inMemoryLedger) GetTotalReceived(_ context.Context, accountID string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if account, ok := l.accounts[accountID]; !ok || account.settlement {
		return nil, ErrUnknownAccount
	}
	return l.balance(accountID).CreditsPosted, nil
}

func (l *inMemoryLedger) GetAccountsTotalReceived(ctx context.Context, accountIDs []string) ([]*big.Int, error) {
	totals := make([]*big.Int, len(accountIDs))
	for i, id := range accountIDs {
		total, err := l.GetTotalReceived(ctx, id)
		if err != nil {
			return nil, err
		}
		totals[i] = total
	}
	return totals, nil
}

func (l *inMemoryLedger) GetSettlementBalance(_ context.Context, ledger uint32) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.settlement[ledger]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return l.balance(id).SettlementAvailable(), nil
}

func (l *inMemoryLedger) GetAccountTransfers(_ context.Context, accountID string, limit int) (*AccountTransfers, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Settlement accounts are internal; their activity is not listable, the
	// same as the relational backend's liquidity-only account lookup.
	if account, ok := l.accounts[accountID]; !ok || account.settlement {
		return nil, ErrUnknownAccount
	}

	now := l.now()
	out := &AccountTransfers{}
	// Newest first.
	for i := len(l.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out.Credits)+len(out.Debits) >= limit {
			break
		}
		t := l.transfers[l.order[i]]
		if !t.countable(now) {
			continue
		}
		if t.CreditAccountID == accountID {
			out.Credits = append(out.Credits, *t)
		} else if t.DebitAccountID == accountID {
			out.Debits = append(out.Debits, *t)
		}
	}
	return out, nil
}

func (l *inMemoryLedger) CreateTransfer(ctx context.Context, options TransferOptions) (Transaction, error) {
	legs, err := MakeTransferLegs(options)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if _, ok := l.accounts[options.SourceAccount.ID]; !ok {
		l.mu.Unlock()
		return nil, ErrUnknownSourceAccount
	}
	if _, ok := l.accounts[options.DestinationAccount.ID]; !ok {
		l.mu.Unlock()
		return nil, ErrUnknownDestinationAccount
	}

	args := make([]createTransferArgs, len(legs))
	for i, leg := range legs {
		args[i] = createTransferArgs{
			transferRef:     leg.TransferRef,
			debitAccountID:  leg.DebitAccountID,
			creditAccountID: leg.CreditAccountID,
			amount:          leg.Amount,
			timeout:         leg.Timeout,
			transferType:    TransferTypeTransfer,
		}
	}
	_, cErrs := l.createTransfersLocked(args)
	l.mu.Unlock()

	if len(cErrs) > 0 {
		return nil, MapLegError(legs, cErrs[0])
	}

	refs := TransferRefs(legs)
	return NewTransaction(
		func(ctx context.Context) error { return l.updateTransfers(refs, TransferStatePosted) },
		func(ctx context.Context) error { return l.updateTransfers(refs, TransferStateVoided) },
	), nil
}

func (l *inMemoryLedger) CreateDeposit(_ context.Context, deposit Deposit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	settlementID, ok := l.settlement[deposit.Account.Asset.Ledger]
	if !ok {
		return ErrUnknownSourceAccount
	}
	_, cErrs := l.createTransfersLocked([]createTransferArgs{{
		transferRef:     deposit.ID,
		debitAccountID:  settlementID,
		creditAccountID: deposit.Account.ID,
		amount:          deposit.Amount,
		transferType:    TransferTypeDeposit,
	}})
	if len(cErrs) > 0 {
		return cErrs[0].Err
	}
	return nil
}

func (l *inMemoryLedger) CreateWithdrawal(_ context.Context, withdrawal Withdrawal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	settlementID, ok := l.settlement[withdrawal.Account.Asset.Ledger]
	if !ok {
		return ErrUnknownDestinationAccount
	}
	_, cErrs := l.createTransfersLocked([]createTransferArgs{{
		transferRef:     withdrawal.ID,
		debitAccountID:  withdrawal.Account.ID,
		creditAccountID: settlementID,
		amount:          withdrawal.Amount,
		timeout:         withdrawal.Timeout,
		transferType:    TransferTypeWithdrawal,
	}})
	if len(cErrs) > 0 {
		return cErrs[0].Err
	}
	return nil
}

func (l *inMemoryLedger) PostWithdrawal(_ context.Context, withdrawalID string) error {
	return l.updateTransfers([]string{withdrawalID}, TransferStatePosted)
}

func (l *inMemoryLedger) VoidWithdrawal(_ context.Context, withdrawalID string) error {
	return l.updateTransfers([]string{withdrawalID}, TransferStateVoided)
}

type createTransferArgs struct {
	transferRef     string
	debitAccountID  string
	creditAccountID string
	amount          *big.Int
	timeout         time.Duration
	transferType    TransferType
}

// createTransfersLocked validates the whole batch and persists it atomically.
// Shape errors are collected for every entry; the first balance or uniqueness
// failure aborts. On any error nothing is persisted. Callers hold l.mu.
func (l *inMemoryLedger) createTransfersLocked(batch []createTransferArgs) ([]*LedgerTransfer, []CreateTransferError) {
	var errs []CreateTransferError
	for i, args := range batch {
		if err := l.validateShape(args); err != nil {
			errs = append(errs, CreateTransferError{Index: i, Err: err})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	now := l.now()
	staged := make([]*LedgerTransfer, 0, len(batch))
	stagedRefs := make(map[string]struct{}, len(batch))
	for i, args := range batch {
		if _, dup := l.transfers[args.transferRef]; dup {
			return nil, []CreateTransferError{{Index: i, Err: ErrTransferExists}}
		}
		if _, dup := stagedRefs[args.transferRef]; dup {
			return nil, []CreateTransferError{{Index: i, Err: ErrTransferExists}}
		}
		if err := l.validateBalancesLocked(args, staged, now); err != nil {
			return nil, []CreateTransferError{{Index: i, Err: err}}
		}

		transfer := &LedgerTransfer{
			ID:              uuid.NewString(),
			TransferRef:     args.transferRef,
			CreditAccountID: args.creditAccountID,
			DebitAccountID:  args.debitAccountID,
			Ledger:          l.accounts[args.creditAccountID].ledger,
			Amount:          new(big.Int).Set(args.amount),
			State:           TransferStatePosted,
			Type:            args.transferType,
			CreatedAt:       now,
		}
		if args.timeout > 0 {
			expires := now.Add(args.timeout)
			transfer.State = TransferStatePending
			transfer.ExpiresAt = &expires
		}
		staged = append(staged, transfer)
		stagedRefs[args.transferRef] = struct{}{}
	}

	for _, t := range staged {
		l.transfers[t.TransferRef] = t
		l.order = append(l.order, t.TransferRef)
	}
	return staged, nil
}

func (l *inMemoryLedger) validateShape(args createTransferArgs) error {
	if !ValidTransferRef(args.transferRef) {
		return ErrInvalidID
	}
	if args.amount == nil || args.amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if args.timeout < 0 {
		return ErrInvalidTimeout
	}
	if args.creditAccountID == args.debitAccountID {
		return ErrSameAccounts
	}
	debit, ok := l.accounts[args.debitAccountID]
	if !ok {
		return ErrUnknownSourceAccount
	}
	credit, ok := l.accounts[args.creditAccountID]
	if !ok {
		return ErrUnknownDestinationAccount
	}
	if debit.ledger != credit.ledger {
		return ErrDifferentAssets
	}
	return nil
}

// validateBalancesLocked checks debit-side sufficiency then credit-side
// headroom, counting earlier staged entries of the same batch so that two
// legs cannot jointly overdraw an account.
func (l *inMemoryLedger) validateBalancesLocked(args createTransferArgs, staged []*LedgerTransfer, now time.Time) error {
	debit := l.accounts[args.debitAccountID]
	if !debit.settlement {
		balance := l.balanceWithStaged(args.debitAccountID, staged, now)
		if !balance.CanDebit(args.amount) {
			return ErrInsufficientBalance
		}
	}
	credit := l.accounts[args.creditAccountID]
	if credit.settlement {
		balance := l.balanceWithStaged(args.creditAccountID, staged, now)
		if !balance.CanCredit(args.amount) {
			return ErrInsufficientDebitBalance
		}
	}
	return nil
}

func (l *inMemoryLedger) balance(accountID string) AccountBalance {
	return l.balanceWithStaged(accountID, nil, l.now())
}

func (l *inMemoryLedger) balanceWithStaged(accountID string, staged []*LedgerTransfer, now time.Time) AccountBalance {
	var activity AccountTransfers
	collect := func(t *LedgerTransfer) {
		if t.CreditAccountID == accountID {
			activity.Credits = append(activity.Credits, *t)
		} else if t.DebitAccountID == accountID {
			activity.Debits = append(activity.Debits, *t)
		}
	}
	for _, ref := range l.order {
		collect(l.transfers[ref])
	}
	for _, t := range staged {
		collect(t)
	}
	return CalculateBalance(activity, now)
}

// updateTransfers transitions every ref to the target terminal state,
// all-or-nothing: the whole call fails on the first ref that is unknown,
// already terminal, or expired, and no state changes.
func (l *inMemoryLedger) updateTransfers(transferRefs []string, target TransferState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	pending := make([]*LedgerTransfer, 0, len(transferRefs))
	for _, ref := range transferRefs {
		if !ValidTransferRef(ref) {
			return ErrInvalidID
		}
		transfer, ok := l.transfers[ref]
		if !ok {
			return ErrUnknownTransfer
		}
		switch {
		case transfer.State == TransferStateVoided:
			return ErrAlreadyVoided
		case transfer.State == TransferStatePosted:
			return ErrAlreadyPosted
		case transfer.Expired(now):
			return ErrTransferExpired
		}
		pending = append(pending, transfer)
	}
	for _, transfer := range pending {
		transfer.State = target
	}
	return nil
}
