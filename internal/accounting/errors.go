package accounting

import (
	"errors"
	"fmt"
)

// Transfer errors form a closed set so callers can branch deterministically
// with errors.Is. Validation failures are recoverable; anything outside this
// set coming back from a backend must be treated as fatal.
var (
	// ErrInvalidID indicates the transferRef is not a valid UUID.
	ErrInvalidID = errors.New("invalid transfer id")

	// ErrInvalidAmount indicates a zero or negative transfer amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTimeout indicates a zero or negative two-phase timeout.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrSameAccounts indicates the credit and debit side reference the same account.
	ErrSameAccounts = errors.New("transfer between same accounts")

	// ErrDifferentAssets indicates the two accounts do not share a ledger.
	ErrDifferentAssets = errors.New("accounts have different assets")

	// ErrInsufficientBalance indicates the source account cannot cover the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientDebitBalance indicates a settlement account's debits cannot
	// cover the requested credit.
	ErrInsufficientDebitBalance = errors.New("insufficient debit balance")

	// ErrInsufficientLiquidity indicates the asset liquidity account cannot fund
	// the delivery leg of a transfer.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrAlreadyPosted indicates the transfer reached the POSTED terminal state.
	ErrAlreadyPosted = errors.New("transfer already posted")

	// ErrAlreadyVoided indicates the transfer reached the VOIDED terminal state.
	ErrAlreadyVoided = errors.New("transfer already voided")

	// ErrTransferExpired indicates a pending transfer's expiry passed before it
	// was posted or voided. The transfer is left in place as inert history.
	ErrTransferExpired = errors.New("transfer expired")

	// ErrTransferExists indicates the transferRef was already used. The original
	// transfer stands; the duplicate is not processed.
	ErrTransferExists = errors.New("transfer exists")

	// ErrUnknownTransfer indicates no transfer matches the transferRef.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrUnknownSourceAccount indicates the debit-side account does not exist.
	ErrUnknownSourceAccount = errors.New("unknown source account")

	// ErrUnknownDestinationAccount indicates the credit-side account does not exist.
	ErrUnknownDestinationAccount = errors.New("unknown destination account")
)

// Account errors are reported separately from transfer errors.
var (
	// ErrAccountAlreadyExists indicates an account creation collision.
	ErrAccountAlreadyExists = errors.New("account already exists")

	// ErrUnknownAccount indicates a balance or transfer query referenced an
	// account the backend has never seen.
	ErrUnknownAccount = errors.New("unknown account")
)

// CreateTransferError ties a transfer error to its index in a batch.
type CreateTransferError struct {
	Index int
	Err   error
}

func (e CreateTransferError) Error() string {
	return fmt.Sprintf("transfer %d: %v", e.Index, e.Err)
}

func (e CreateTransferError) Unwrap() error { return e.Err }

// UnhandledEngineError is raised when the external ledger engine returns a
// result code with no TransferError mapping. It is never recoverable: an
// unmapped failure must not be guessed to mean success.
type UnhandledEngineError struct {
	Operation string
	Code      uint16
}

func (e *UnhandledEngineError) Error() string {
	return fmt.Sprintf("unhandled ledger engine result code %d during %s", e.Code, e.Operation)
}
