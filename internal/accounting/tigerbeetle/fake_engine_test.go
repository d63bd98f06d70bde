package tigerbeetle

import (
	"math/big"
	"time"

	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// fakeEngine is an in-process stand-in for the ledger engine cluster. It
// models the pieces the backend depends on: linked-chain atomicity, pending
// transfers with whole-second timeouts, balance-constraint account flags,
// and the result codes the backend maps.
type fakeEngine struct {
	now       time.Time
	accounts  map[types.Uint128]*fakeAccount
	transfers map[types.Uint128]types.Transfer
	pending   map[types.Uint128]string // "pending", "posted", "voided", "expired"
	order     []types.Uint128
}

type fakeAccount struct {
	meta           types.Account
	creditsPosted  *big.Int
	creditsPending *big.Int
	debitsPosted   *big.Int
	debitsPending  *big.Int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		accounts:  make(map[types.Uint128]*fakeAccount),
		transfers: make(map[types.Uint128]types.Transfer),
		pending:   make(map[types.Uint128]string),
	}
}

func (f *fakeEngine) clock() time.Time {
	return f.now
}

func (f *fakeEngine) Close() {}

func (f *fakeEngine) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.sweepExpired()
}

// sweepExpired releases pending reservations whose timeout has elapsed, the
// way the real engine expires them server-side.
func (f *fakeEngine) sweepExpired() {
	for id, state := range f.pending {
		if state != "pending" {
			continue
		}
		record := f.transfers[id]
		if record.Timeout == 0 {
			continue
		}
		expiresAt := time.Unix(0, int64(record.Timestamp)).Add(time.Duration(record.Timeout) * time.Second)
		if expiresAt.After(f.now) {
			continue
		}
		amount := record.Amount.BigInt()
		debit := f.accounts[record.DebitAccountID]
		credit := f.accounts[record.CreditAccountID]
		debit.debitsPending.Sub(debit.debitsPending, &amount)
		credit.creditsPending.Sub(credit.creditsPending, &amount)
		f.pending[id] = "expired"
	}
}

func (f *fakeEngine) CreateAccounts(accounts []types.Account) ([]types.AccountEventResult, error) {
	var results []types.AccountEventResult
	for i, account := range accounts {
		if _, ok := f.accounts[account.ID]; ok {
			results = append(results, types.AccountEventResult{Index: uint32(i), Result: types.AccountExists})
			continue
		}
		f.accounts[account.ID] = &fakeAccount{
			meta:           account,
			creditsPosted:  big.NewInt(0),
			creditsPending: big.NewInt(0),
			debitsPosted:   big.NewInt(0),
			debitsPending:  big.NewInt(0),
		}
	}
	return results, nil
}

func (f *fakeEngine) CreateTransfers(transfers []types.Transfer) ([]types.TransferEventResult, error) {
	f.sweepExpired()
	var results []types.TransferEventResult
	start := 0
	for i, transfer := range transfers {
		if transfer.TransferFlags().Linked {
			continue
		}
		results = append(results, f.applyChain(transfers[start:i+1], start)...)
		start = i + 1
	}
	return results, nil
}

// applyChain executes one linked chain all-or-nothing: on the first failing
// row the chain is rolled back and every other row reports
// linked_event_failed, matching engine semantics.
func (f *fakeEngine) applyChain(chain []types.Transfer, offset int) []types.TransferEventResult {
	snapshot := f.snapshot()
	for i, transfer := range chain {
		if code := f.applyTransfer(transfer); code != types.TransferOK {
			f.restore(snapshot)
			results := make([]types.TransferEventResult, 0, len(chain))
			for j := range chain {
				result := types.TransferLinkedEventFailed
				if j == i {
					result = code
				}
				results = append(results, types.TransferEventResult{Index: uint32(offset + j), Result: result})
			}
			return results
		}
	}
	return nil
}

func (f *fakeEngine) applyTransfer(transfer types.Transfer) types.CreateTransferResult {
	if _, ok := f.transfers[transfer.ID]; ok {
		return types.TransferExists
	}
	flags := transfer.TransferFlags()
	if flags.PostPendingTransfer || flags.VoidPendingTransfer {
		return f.resolveTransfer(transfer, flags.PostPendingTransfer)
	}

	debit, ok := f.accounts[transfer.DebitAccountID]
	if !ok {
		return types.TransferDebitAccountNotFound
	}
	credit, ok := f.accounts[transfer.CreditAccountID]
	if !ok {
		return types.TransferCreditAccountNotFound
	}
	if transfer.DebitAccountID == transfer.CreditAccountID {
		return types.TransferAccountsMustBeDifferent
	}
	if debit.meta.Ledger != credit.meta.Ledger || debit.meta.Ledger != transfer.Ledger {
		return types.TransferAccountsMustHaveTheSameLedger
	}

	amount := transfer.Amount.BigInt()
	if debit.meta.AccountFlags().DebitsMustNotExceedCredits {
		debits := new(big.Int).Add(debit.debitsPosted, debit.debitsPending)
		debits.Add(debits, &amount)
		if debits.Cmp(debit.creditsPosted) > 0 {
			return types.TransferExceedsCredits
		}
	}
	if credit.meta.AccountFlags().CreditsMustNotExceedDebits {
		credits := new(big.Int).Add(credit.creditsPosted, credit.creditsPending)
		credits.Add(credits, &amount)
		if credits.Cmp(credit.debitsPosted) > 0 {
			return types.TransferExceedsDebits
		}
	}

	if flags.Pending {
		debit.debitsPending.Add(debit.debitsPending, &amount)
		credit.creditsPending.Add(credit.creditsPending, &amount)
		f.pending[transfer.ID] = "pending"
	} else {
		debit.debitsPosted.Add(debit.debitsPosted, &amount)
		credit.creditsPosted.Add(credit.creditsPosted, &amount)
	}
	f.record(transfer)
	return types.TransferOK
}

func (f *fakeEngine) resolveTransfer(transfer types.Transfer, post bool) types.CreateTransferResult {
	pending, ok := f.transfers[transfer.PendingID]
	if !ok {
		return types.TransferPendingTransferNotFound
	}
	if !pending.TransferFlags().Pending {
		return types.TransferPendingTransferNotPending
	}
	switch f.pending[transfer.PendingID] {
	case "posted":
		return types.TransferPendingTransferAlreadyPosted
	case "voided":
		return types.TransferPendingTransferAlreadyVoided
	case "expired":
		return types.TransferPendingTransferExpired
	}

	amount := pending.Amount.BigInt()
	debit := f.accounts[pending.DebitAccountID]
	credit := f.accounts[pending.CreditAccountID]
	debit.debitsPending.Sub(debit.debitsPending, &amount)
	credit.creditsPending.Sub(credit.creditsPending, &amount)
	if post {
		debit.debitsPosted.Add(debit.debitsPosted, &amount)
		credit.creditsPosted.Add(credit.creditsPosted, &amount)
		f.pending[transfer.PendingID] = "posted"
	} else {
		f.pending[transfer.PendingID] = "voided"
	}
	f.record(transfer)
	return types.TransferOK
}

func (f *fakeEngine) record(transfer types.Transfer) {
	transfer.Timestamp = uint64(f.now.UnixNano())
	f.now = f.now.Add(time.Millisecond)
	f.transfers[transfer.ID] = transfer
	f.order = append(f.order, transfer.ID)
}

func (f *fakeEngine) LookupAccounts(accountIDs []types.Uint128) ([]types.Account, error) {
	f.sweepExpired()
	var out []types.Account
	for _, id := range accountIDs {
		account, ok := f.accounts[id]
		if !ok {
			continue
		}
		view := account.meta
		view.CreditsPosted = types.BigIntToUint128(*account.creditsPosted)
		view.CreditsPending = types.BigIntToUint128(*account.creditsPending)
		view.DebitsPosted = types.BigIntToUint128(*account.debitsPosted)
		view.DebitsPending = types.BigIntToUint128(*account.debitsPending)
		out = append(out, view)
	}
	return out, nil
}

func (f *fakeEngine) LookupTransfers(transferIDs []types.Uint128) ([]types.Transfer, error) {
	var out []types.Transfer
	for _, id := range transferIDs {
		if transfer, ok := f.transfers[id]; ok {
			out = append(out, transfer)
		}
	}
	return out, nil
}

func (f *fakeEngine) GetAccountTransfers(filter types.AccountFilter) ([]types.Transfer, error) {
	f.sweepExpired()
	flags := filter.Flags
	debits := flags&0x1 != 0
	credits := flags&0x2 != 0
	reversed := flags&0x4 != 0

	var out []types.Transfer
	for i := range f.order {
		idx := i
		if reversed {
			idx = len(f.order) - 1 - i
		}
		transfer := f.transfers[f.order[idx]]
		if debits && transfer.DebitAccountID == filter.AccountID {
			out = append(out, transfer)
		} else if credits && transfer.CreditAccountID == filter.AccountID {
			out = append(out, transfer)
		}
		if filter.Limit > 0 && uint32(len(out)) >= filter.Limit {
			break
		}
	}
	return out, nil
}

type fakeSnapshot struct {
	accounts  map[types.Uint128]*fakeAccount
	transfers map[types.Uint128]types.Transfer
	pending   map[types.Uint128]string
	order     []types.Uint128
}

func (f *fakeEngine) snapshot() fakeSnapshot {
	accounts := make(map[types.Uint128]*fakeAccount, len(f.accounts))
	for id, account := range f.accounts {
		accounts[id] = &fakeAccount{
			meta:           account.meta,
			creditsPosted:  new(big.Int).Set(account.creditsPosted),
			creditsPending: new(big.Int).Set(account.creditsPending),
			debitsPosted:   new(big.Int).Set(account.debitsPosted),
			debitsPending:  new(big.Int).Set(account.debitsPending),
		}
	}
	transfers := make(map[types.Uint128]types.Transfer, len(f.transfers))
	for id, transfer := range f.transfers {
		transfers[id] = transfer
	}
	pending := make(map[types.Uint128]string, len(f.pending))
	for id, state := range f.pending {
		pending[id] = state
	}
	return fakeSnapshot{
		accounts:  accounts,
		transfers: transfers,
		pending:   pending,
		order:     append([]types.Uint128(nil), f.order...),
	}
}

func (f *fakeEngine) restore(s fakeSnapshot) {
	f.accounts = s.accounts
	f.transfers = s.transfers
	f.pending = s.pending
	f.order = s.order
}
