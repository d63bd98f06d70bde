package psql

import (
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTrip(t *testing.T) {
	amounts := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(1<<62 + 12345),
		// Larger than any 128-bit amount.
		new(big.Int).Lsh(big.NewInt(1), 200),
	}
	for _, amount := range amounts {
		got, err := bigFromNumeric(numericFromBig(amount))
		require.NoError(t, err)
		assert.Zero(t, got.Cmp(amount))
	}
}

func TestBigFromNumericScaled(t *testing.T) {
	// 12 x 10^3, the form the wire protocol may use for round numbers.
	got, err := bigFromNumeric(pgtype.Numeric{Int: big.NewInt(12), Exp: 3, Valid: true})
	require.NoError(t, err)
	assert.Zero(t, got.Cmp(big.NewInt(12000)))
}

func TestBigFromNumericRejectsFractional(t *testing.T) {
	_, err := bigFromNumeric(pgtype.Numeric{Int: big.NewInt(125), Exp: -2, Valid: true})
	require.Error(t, err)
}

func TestBigFromNumericRejectsNull(t *testing.T) {
	_, err := bigFromNumeric(pgtype.Numeric{})
	require.Error(t, err)
}

func TestNumericFromBigCopies(t *testing.T) {
	amount := big.NewInt(42)
	n := numericFromBig(amount)
	amount.SetInt64(7)
	assert.Zero(t, n.Int.Cmp(big.NewInt(42)))
}
