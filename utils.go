package vegamarket

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	MaxDecimals = 18
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseAmount converts a human-readable amount ("2", "0.5") into base units.
// Digits beyond decimals are truncated.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, &InvalidParamError{Message: fmt.Sprintf("decimals must be between 0 and %d, got: %d", MaxDecimals, decimals)}
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid amount %q: %v", amount, err)}
	}
	if d.Sign() <= 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount must be positive, got: %s", amount)}
	}

	result := d.Shift(int32(decimals)).Truncate(0).BigInt()
	if result.Sign() <= 0 {
		return nil, &InvalidParamError{Message: "calculated amount is zero"}
	}
	if result.Cmp(maxUint256) > 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount too large for uint256: %s", result.String())}
	}
	return result, nil
}

// FormatAmount renders base units as a decimal string with trailing zeros removed
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, int32(-decimals)).String()
}
