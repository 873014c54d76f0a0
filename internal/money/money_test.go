package money

import (
	"errors"
	"testing"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum_MissingValuesCountAsZero(t *testing.T) {
	total := Sum(Null(decimal.NewFromInt(100)), decimal.NullDecimal{}, Null(decimal.RequireFromString("25.50")))
	assert.True(t, decimal.RequireFromString("125.50").Equal(total))
}

func TestToUSD_RoundsToTwoPlaces(t *testing.T) {
	usd, err := ToUSD(decimal.NewFromInt(100), decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "33.33", usd.StringFixed(2))

	usd, err = ToUSD(decimal.RequireFromString("0.005"), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "0.01", usd.StringFixed(2))
}

func TestToUSD_RejectsNonPositiveRate(t *testing.T) {
	_, err := ToUSD(decimal.NewFromInt(10), decimal.Zero)
	assert.True(t, errors.Is(err, apperr.ErrInvariant))
}

func TestValidateCurrency(t *testing.T) {
	assert.NoError(t, ValidateCurrency("usd"))
	assert.NoError(t, ValidateCurrency("AFN"))
	assert.True(t, errors.Is(ValidateCurrency("XYZQ"), apperr.ErrValidation))
	assert.True(t, IsUSD(" usd "))
}
