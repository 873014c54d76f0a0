package plan

import (
	"context"

	"github.com/farxc/disbursement/internal/payment"
	"github.com/shopspring/decimal"
)

// FlatRateRule entitles every payment to the same amount in plan currency.
type FlatRateRule struct {
	Amount decimal.Decimal
}

func (r FlatRateRule) Entitlement(_ context.Context, _ *Plan, _ *payment.Payment) (decimal.Decimal, error) {
	return r.Amount, nil
}
