// Package tigerbeetle is the external ledger-engine backend. The engine
// enforces account balance constraints natively and gives batch atomicity
// through linked chains, so this backend is mostly a protocol mapping.
package tigerbeetle

import (
	"encoding/binary"
	"fmt"

	tb "github.com/tigerbeetle/tigerbeetle-go"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// Client is the slice of the engine protocol this backend needs. The real
// driver satisfies it; tests supply an in-memory engine with the same
// semantics.
type Client interface {
	CreateAccounts(accounts []types.Account) ([]types.AccountEventResult, error)
	CreateTransfers(transfers []types.Transfer) ([]types.TransferEventResult, error)
	LookupAccounts(accountIDs []types.Uint128) ([]types.Account, error)
	LookupTransfers(transferIDs []types.Uint128) ([]types.Transfer, error)
	GetAccountTransfers(filter types.AccountFilter) ([]types.Transfer, error)
	Close()
}

// Connect dials the engine cluster.
func Connect(clusterID uint64, addresses []string) (Client, error) {
	client, err := tb.NewClient(types.ToUint128(clusterID), addresses)
	if err != nil {
		return nil, fmt.Errorf("connect ledger engine: %w", err)
	}
	return client, nil
}

// Account codes distinguish settlement from each ordinary sub-type.
const (
	accountCodeLiquidityAsset           uint16 = 1
	accountCodeLiquidityPeer            uint16 = 2
	accountCodeLiquidityIncoming        uint16 = 3
	accountCodeLiquidityOutgoing        uint16 = 4
	accountCodeLiquidityWebMonetization uint16 = 5
	accountCodeSettlement               uint16 = 101
)

// Transfer codes are informational only.
const (
	transferCodeTransfer   uint16 = 1
	transferCodeDeposit    uint16 = 2
	transferCodeWithdrawal uint16 = 3
)

// settlementAccountID derives the engine id of a ledger's settlement account
// from the ledger number alone, so no side table is needed to resolve it.
func settlementAccountID(ledger uint32) types.Uint128 {
	var raw [16]byte
	raw[0] = 0xfe // settlement namespace, disjoint from v4 UUIDs
	binary.BigEndian.PutUint32(raw[12:], ledger)
	return types.BytesToUint128(raw)
}
