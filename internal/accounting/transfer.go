package accounting

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// TransferLeg is one balanced movement within a reservation. A reservation
// expands into one leg for same-asset transfers and up to two when amounts
// differ or assets differ, routing the difference through the asset's
// liquidity account.
type TransferLeg struct {
	TransferRef     string
	DebitAccountID  string
	CreditAccountID string
	Ledger          uint32
	Amount          *big.Int
	Timeout         time.Duration

	// fromLiquidity marks delivery legs funded by an asset liquidity account,
	// so balance failures on them surface as ErrInsufficientLiquidity.
	fromLiquidity bool
}

// MakeTransferLegs expands TransferOptions into its constituent legs. The
// ledger does not police the relationship between the two amounts: rounding
// policy belongs to the rate collaborator, and whatever remainder exists is
// absorbed by (or drawn from) the asset's liquidity account.
func MakeTransferLegs(options TransferOptions) ([]TransferLeg, error) {
	src, dst := options.SourceAccount, options.DestinationAccount
	if src.ID == dst.ID {
		return nil, ErrSameAccounts
	}
	if options.SourceAmount == nil || options.SourceAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if options.DestinationAmount != nil && options.DestinationAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if options.Timeout < 0 {
		return nil, ErrInvalidTimeout
	}

	var legs []TransferLeg
	sourceAmount := options.SourceAmount
	destinationAmount := options.DestinationAmount

	if src.Asset.Ledger == dst.Asset.Ledger {
		direct := sourceAmount
		if destinationAmount != nil && destinationAmount.Cmp(sourceAmount) < 0 {
			direct = destinationAmount
		}
		legs = append(legs, TransferLeg{
			TransferRef:     uuid.NewString(),
			DebitAccountID:  src.ID,
			CreditAccountID: dst.ID,
			Ledger:          src.Asset.Ledger,
			Amount:          direct,
			Timeout:         options.Timeout,
		})
		if destinationAmount != nil && destinationAmount.Cmp(sourceAmount) != 0 {
			if destinationAmount.Cmp(sourceAmount) < 0 {
				// Source pays more than is delivered: excess goes to liquidity.
				legs = append(legs, TransferLeg{
					TransferRef:     uuid.NewString(),
					DebitAccountID:  src.ID,
					CreditAccountID: src.Asset.ID,
					Ledger:          src.Asset.Ledger,
					Amount:          new(big.Int).Sub(sourceAmount, destinationAmount),
					Timeout:         options.Timeout,
				})
			} else {
				// Destination receives more than was paid: liquidity funds the rest.
				legs = append(legs, TransferLeg{
					TransferRef:     uuid.NewString(),
					DebitAccountID:  dst.Asset.ID,
					CreditAccountID: dst.ID,
					Ledger:          dst.Asset.Ledger,
					Amount:          new(big.Int).Sub(destinationAmount, sourceAmount),
					Timeout:         options.Timeout,
					fromLiquidity:   true,
				})
			}
		}
		return legs, nil
	}

	// Cross-asset: a destination amount is required, and the movement is two
	// same-ledger legs through each asset's liquidity account.
	if destinationAmount == nil {
		return nil, ErrInvalidAmount
	}
	legs = append(legs,
		TransferLeg{
			TransferRef:     uuid.NewString(),
			DebitAccountID:  src.ID,
			CreditAccountID: src.Asset.ID,
			Ledger:          src.Asset.Ledger,
			Amount:          sourceAmount,
			Timeout:         options.Timeout,
		},
		TransferLeg{
			TransferRef:     uuid.NewString(),
			DebitAccountID:  dst.Asset.ID,
			CreditAccountID: dst.ID,
			Ledger:          dst.Asset.Ledger,
			Amount:          destinationAmount,
			Timeout:         options.Timeout,
			fromLiquidity:   true,
		},
	)
	return legs, nil
}

// TransferRefs lists the transferRefs of a reservation's legs, in leg order.
func TransferRefs(legs []TransferLeg) []string {
	refs := make([]string, len(legs))
	for i, leg := range legs {
		refs[i] = leg.TransferRef
	}
	return refs
}

// MapLegError translates a batch-entry failure into the caller-facing
// transfer error: a balance failure on a liquidity-funded delivery leg means
// the system, not the sender, lacks funds.
func MapLegError(legs []TransferLeg, cErr CreateTransferError) error {
	if cErr.Index >= 0 && cErr.Index < len(legs) && legs[cErr.Index].fromLiquidity {
		if cErr.Err == ErrInsufficientBalance || cErr.Err == ErrInsufficientDebitBalance {
			return ErrInsufficientLiquidity
		}
	}
	return cErr.Err
}

// ValidTransferRef reports whether ref is a syntactically valid UUID.
func ValidTransferRef(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}
