package vegamarket

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"2", 18, "2000000000000000000"},
		{"2.0", 18, "2000000000000000000"},
		{"0.5", 6, "500000"},
		{"2000", 8, "200000000000"},
		{"1.23456789", 4, "12345"},
		{"7", 0, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ParseAmount(tt.amount, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
	}{
		{"not a number", "abc", 18},
		{"zero", "0", 18},
		{"negative", "-1", 18},
		{"below precision", "0.0001", 2},
		{"decimals too high", "1", 19},
		{"decimals negative", "1", -1},
		{"overflow", "1e80", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAmount(tt.amount, tt.decimals)
			var paramErr *InvalidParamError
			assert.ErrorAs(t, err, &paramErr)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	amount, ok := new(big.Int).SetString("4000000000000000000000", 10)
	require.True(t, ok)

	assert.Equal(t, "4000", FormatAmount(amount, 18))
	assert.Equal(t, "0.5", FormatAmount(big.NewInt(500000), 6))
	assert.Equal(t, "0", FormatAmount(nil, 18))
	assert.Equal(t, "123", FormatAmount(big.NewInt(123), 0))
}
