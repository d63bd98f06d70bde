package tigerbeetle

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

func idFromRef(transferRef string) (types.Uint128, error) {
	parsed, err := uuid.Parse(transferRef)
	if err != nil {
		return types.Uint128{}, accounting.ErrInvalidID
	}
	return types.BytesToUint128(parsed), nil
}

func refFromID(id types.Uint128) string {
	return uuid.UUID(id.Bytes()).String()
}

func amountToUint128(amount *big.Int) types.Uint128 {
	return types.BigIntToUint128(*amount)
}

func amountFromUint128(amount types.Uint128) *big.Int {
	v := amount.BigInt()
	return &v
}

// timeoutSeconds converts a reservation timeout to the engine's
// whole-second timeout field, rounding up so a short timeout never becomes
// an immediate expiry.
func timeoutSeconds(timeout time.Duration) uint32 {
	if timeout <= 0 {
		return 0
	}
	secs := int64((timeout + time.Second - 1) / time.Second)
	return uint32(secs)
}

// mapAccountResult translates an account creation result code.
func mapAccountResult(result types.CreateAccountResult) error {
	switch result {
	case types.AccountOK:
		return nil
	case types.AccountExists:
		return accounting.ErrAccountAlreadyExists
	default:
		return &accounting.UnhandledEngineError{Operation: "create account", Code: uint16(result)}
	}
}

// mapTransferResult translates a transfer result code into the closed
// transfer error set. Codes with no mapping escalate: an unmapped failure
// must never be guessed to mean success.
func mapTransferResult(result types.CreateTransferResult) error {
	switch result {
	case types.TransferOK:
		return nil
	case types.TransferExists:
		return accounting.ErrTransferExists
	case types.TransferAccountsMustBeDifferent:
		return accounting.ErrSameAccounts
	case types.TransferAccountsMustHaveTheSameLedger:
		return accounting.ErrDifferentAssets
	case types.TransferDebitAccountNotFound:
		return accounting.ErrUnknownSourceAccount
	case types.TransferCreditAccountNotFound:
		return accounting.ErrUnknownDestinationAccount
	case types.TransferExceedsCredits:
		return accounting.ErrInsufficientBalance
	case types.TransferExceedsDebits:
		return accounting.ErrInsufficientDebitBalance
	case types.TransferPendingTransferNotFound:
		return accounting.ErrUnknownTransfer
	case types.TransferPendingTransferNotPending:
		return accounting.ErrAlreadyPosted
	case types.TransferPendingTransferAlreadyPosted:
		return accounting.ErrAlreadyPosted
	case types.TransferPendingTransferAlreadyVoided:
		return accounting.ErrAlreadyVoided
	case types.TransferPendingTransferExpired:
		return accounting.ErrTransferExpired
	default:
		return &accounting.UnhandledEngineError{Operation: "create transfer", Code: uint16(result)}
	}
}

// firstChainError picks the entry that actually failed out of a linked-chain
// result set, skipping the linked_event_failed sentinels the engine reports
// for every other row in the aborted chain.
func firstChainError(results []types.TransferEventResult) *accounting.CreateTransferError {
	for _, result := range results {
		if result.Result == types.TransferOK || result.Result == types.TransferLinkedEventFailed {
			continue
		}
		return &accounting.CreateTransferError{
			Index: int(result.Index),
			Err:   mapTransferResult(result.Result),
		}
	}
	return nil
}
