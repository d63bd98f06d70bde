package psql

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// Amounts are stored as NUMERIC so they are never clipped to 64 bits. The
// ledger only ever writes whole numbers of the asset's smallest unit.

func numericFromBig(v *big.Int) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

func bigFromNumeric(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid || n.Int == nil {
		return nil, fmt.Errorf("null amount")
	}
	if n.Exp == 0 {
		return new(big.Int).Set(n.Int), nil
	}
	if n.Exp < 0 {
		return nil, fmt.Errorf("fractional amount: %v x 10^%d", n.Int, n.Exp)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil)
	return new(big.Int).Mul(n.Int, scale), nil
}
