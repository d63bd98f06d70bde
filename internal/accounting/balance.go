package accounting

import (
	"math/big"
	"time"
)

// AccountBalance buckets an account's transfer activity by side and state.
// Balances are always derived from the transfer set (or from the engine's
// running totals); they are never stored as mutable fields.
type AccountBalance struct {
	CreditsPosted  *big.Int
	CreditsPending *big.Int
	DebitsPosted   *big.Int
	DebitsPending  *big.Int
}

// NewAccountBalance returns a zeroed balance.
func NewAccountBalance() AccountBalance {
	return AccountBalance{
		CreditsPosted:  new(big.Int),
		CreditsPending: new(big.Int),
		DebitsPosted:   new(big.Int),
		DebitsPending:  new(big.Int),
	}
}

// CalculateBalance sums an account's credit-side and debit-side transfers
// into the four posted/pending buckets. A PENDING transfer is included only
// while unexpired; VOIDED transfers never count; POSTED transfers count
// regardless of expiry, because posting is final.
func CalculateBalance(transfers AccountTransfers, now time.Time) AccountBalance {
	b := NewAccountBalance()
	for _, t := range transfers.Credits {
		if !t.countable(now) {
			continue
		}
		switch t.State {
		case TransferStatePosted:
			b.CreditsPosted.Add(b.CreditsPosted, t.Amount)
		case TransferStatePending:
			b.CreditsPending.Add(b.CreditsPending, t.Amount)
		}
	}
	for _, t := range transfers.Debits {
		if !t.countable(now) {
			continue
		}
		switch t.State {
		case TransferStatePosted:
			b.DebitsPosted.Add(b.DebitsPosted, t.Amount)
		case TransferStatePending:
			b.DebitsPending.Add(b.DebitsPending, t.Amount)
		}
	}
	return b
}

// Available returns the ordinary-account signed balance:
// creditsPosted - debitsPosted - debitsPending.
func (b AccountBalance) Available() *big.Int {
	out := new(big.Int).Sub(b.CreditsPosted, b.DebitsPosted)
	return out.Sub(out, b.DebitsPending)
}

// SettlementAvailable returns the settlement-account signed balance:
// debitsPosted + debitsPending - creditsPosted. The settlement account's
// debits represent money that entered the system and must cover everything
// credited out of it.
func (b AccountBalance) SettlementAvailable() *big.Int {
	out := new(big.Int).Add(b.DebitsPosted, b.DebitsPending)
	return out.Sub(out, b.CreditsPosted)
}

// CanDebit reports whether an ordinary account can be debited by amount
// without owing more than it has received.
func (b AccountBalance) CanDebit(amount *big.Int) bool {
	return b.Available().Cmp(amount) >= 0
}

// CanCredit reports whether a settlement account's posted inflows cover a
// further credit of amount. Pending credits are counted against the headroom
// so that posting a reservation can never break the settlement invariant;
// pending debits are not counted toward it, since they may still be voided.
func (b AccountBalance) CanCredit(amount *big.Int) bool {
	need := new(big.Int).Add(b.CreditsPosted, b.CreditsPending)
	need.Add(need, amount)
	return b.DebitsPosted.Cmp(need) >= 0
}
