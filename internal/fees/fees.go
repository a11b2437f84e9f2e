package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// TokenPrecision is the fixed number of decimal places used for on-chain debit
// amounts. Rounding happens once, on the final total.
const TokenPrecision int32 = 4

// ErrInvalidAmount is returned for non-positive principals or negative fee rates.
var ErrInvalidAmount = errors.New("invalid amount")

var basisPointsPerUnit = decimal.NewFromInt(10_000)

// ComputeTotal returns principal plus the protocol fee for feeBasisPoints.
// The result is rounded up to TokenPrecision places so the debit never falls
// below the principal.
func ComputeTotal(principal decimal.Decimal, feeBasisPoints int64) (decimal.Decimal, error) {
	if !principal.IsPositive() || feeBasisPoints < 0 {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	fee := principal.Mul(decimal.NewFromInt(feeBasisPoints)).Div(basisPointsPerUnit)
	return principal.Add(fee).RoundCeil(TokenPrecision), nil
}

// Fee returns the fee component alone, rounded like ComputeTotal.
func Fee(principal decimal.Decimal, feeBasisPoints int64) (decimal.Decimal, error) {
	total, err := ComputeTotal(principal, feeBasisPoints)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return total.Sub(principal), nil
}
