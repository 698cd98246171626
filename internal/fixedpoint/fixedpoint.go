package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrArithmeticOverflow is returned when a scaled quantity does not fit a uint256.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	// ErrMissingValue is returned when an on-chain amount is absent, e.g. a nil from a failed decode.
	ErrMissingValue = errors.New("missing on-chain value")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ToBaseUnits scales value by 10^decimals and truncates toward zero.
// Amounts are never rounded up so a sell amount cannot exceed the balance it was derived from.
func ToBaseUnits(value decimal.Decimal, decimals uint8) (*big.Int, error) {
	if value.IsNegative() {
		return nil, fmt.Errorf("%w: negative quantity %s", ErrArithmeticOverflow, value)
	}

	scaled := value.Shift(int32(decimals)).Truncate(0).BigInt()
	if scaled.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %s with %d decimals exceeds uint256", ErrArithmeticOverflow, value, decimals)
	}
	return scaled, nil
}

// FromBaseUnits converts an on-chain integer amount into its human-scale decimal value.
func FromBaseUnits(value *big.Int, decimals uint8) (decimal.Decimal, error) {
	if value == nil {
		return decimal.Decimal{}, ErrMissingValue
	}
	if value.Sign() < 0 || value.Cmp(maxUint256) > 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is not a uint256", ErrArithmeticOverflow, value)
	}
	return decimal.NewFromBigInt(value, -int32(decimals)), nil
}
