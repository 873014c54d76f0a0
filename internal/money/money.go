// Package money holds the fixed-point helpers used by every financial total:
// two-place rounding, USD conversion against a snapshot exchange rate and
// ISO-4217 validation.
package money

import (
	"context"
	"strings"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	USD = "USD"

	// Places is the number of fractional digits kept on persisted amounts.
	Places = 2
)

// RateSource returns how many units of currency buy one USD on date.
type RateSource interface {
	Rate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error)
}

// Round rounds half away from zero to Places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// OrZero treats a missing amount as zero.
func OrZero(n decimal.NullDecimal) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	return n.Decimal
}

func Sum(values ...decimal.NullDecimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(OrZero(v))
	}
	return total
}

// Null wraps a value as a present NullDecimal.
func Null(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// ToUSD converts amount using rate (units of local currency per USD).
func ToUSD(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsZero() || rate.IsNegative() {
		return decimal.Zero, apperr.Invariant(apperr.CodeExchangeRate, "exchange rate must be positive, got %s", rate)
	}
	return Round(amount.Div(rate)), nil
}

// ValidateCurrency accepts ISO-4217 codes, case-insensitively.
func ValidateCurrency(code string) error {
	if _, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code))); err != nil {
		return apperr.Validation("currency", "unknown currency code %q", code)
	}
	return nil
}

// IsUSD reports whether code is the US dollar.
func IsUSD(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), USD)
}
