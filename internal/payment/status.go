package payment

import (
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/money"
	"github.com/shopspring/decimal"
)

// MarkAsFailed force-fails a payment and wipes what was recorded as delivered.
// Failing an already force-failed payment is an error.
func MarkAsFailed(p *Payment) error {
	if p.Status == StatusForceFailed {
		return apperr.Invariant(apperr.CodeAlreadyFailed, "payment %s is already marked as failed", p.ID)
	}

	p.Status = StatusForceFailed
	p.DeliveredQuantity = money.Null(decimal.Zero)
	p.DeliveredQuantityUSD = money.Null(decimal.Zero)
	p.DeliveryDate = nil
	return nil
}

// RevertMarkAsFailed restores a force-failed payment with the quantity that
// was actually delivered. rate is the plan's exchange-rate snapshot; when it
// is absent the USD amount is left unset.
func RevertMarkAsFailed(p *Payment, delivered decimal.Decimal, deliveryDate time.Time, rate decimal.NullDecimal) error {
	if p.Status != StatusForceFailed {
		return apperr.Invariant(apperr.CodeNotFailed, "payment %s is not marked as failed", p.ID)
	}
	if !p.EntitlementQuantity.Valid {
		return apperr.Invariant(apperr.CodeMissingEntitlement, "payment %s has no entitlement quantity", p.ID)
	}

	status, err := ResolveDeliveredStatus(delivered, p.EntitlementQuantity.Decimal)
	if err != nil {
		return err
	}

	deliveredUSD := decimal.NullDecimal{}
	if rate.Valid {
		usd, err := money.ToUSD(delivered, rate.Decimal)
		if err != nil {
			return err
		}
		deliveredUSD = money.Null(usd)
	}

	p.Status = status
	p.DeliveredQuantity = money.Null(delivered)
	p.DeliveredQuantityUSD = deliveredUSD
	d := deliveryDate
	p.DeliveryDate = &d
	return nil
}

// ResolveDeliveredStatus maps a delivered quantity against the entitlement:
// nothing delivered, partially delivered or fully delivered. Delivering more
// than the entitlement is rejected.
func ResolveDeliveredStatus(delivered, entitlement decimal.Decimal) (Status, error) {
	switch {
	case delivered.IsNegative():
		return "", apperr.Validation("delivered_quantity", "must not be negative, got %s", delivered)
	case delivered.IsZero():
		return StatusNotDistributed, nil
	case delivered.LessThan(entitlement):
		return StatusDistributionPartial, nil
	case delivered.Equal(entitlement):
		return StatusDistributionSuccess, nil
	default:
		return "", apperr.Invariant(apperr.CodeOverpayment, "delivered quantity %s exceeds entitlement %s", delivered, entitlement)
	}
}
