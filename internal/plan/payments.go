package plan

import (
	"context"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentInput struct {
	ActionInput
	PaymentID         uuid.UUID
	DeliveredQuantity decimal.Decimal
	DeliveryDate      time.Time
}

// MarkPaymentFailed force-fails one payment of an accepted or finished plan
// and refreshes the plan totals.
func (s *Service) MarkPaymentFailed(ctx context.Context, in PaymentInput) (*Plan, *payment.Payment, error) {
	return s.changePayment(ctx, in, func(a *action, p *payment.Payment) error {
		return payment.MarkAsFailed(p)
	})
}

// RevertMarkPaymentFailed restores a force-failed payment with the quantity
// actually delivered, converted at the plan's exchange rate.
func (s *Service) RevertMarkPaymentFailed(ctx context.Context, in PaymentInput) (*Plan, *payment.Payment, error) {
	return s.changePayment(ctx, in, func(a *action, p *payment.Payment) error {
		date := in.DeliveryDate
		if date.IsZero() {
			date = a.now
		}
		return payment.RevertMarkAsFailed(p, in.DeliveredQuantity, date, a.plan.ExchangeRate)
	})
}

func (s *Service) changePayment(ctx context.Context, in PaymentInput, change func(a *action, p *payment.Payment) error) (*Plan, *payment.Payment, error) {
	var changed *payment.Payment
	pl, err := s.run(ctx, in.ActionInput, func(a *action) error {
		if a.plan.Status != StatusAccepted && a.plan.Status != StatusFinished {
			return apperr.Invariant(apperr.CodeInvalidTransition, "payments of a payment plan in status %s cannot be changed", a.plan.Status)
		}

		p, err := a.tx.GetPayment(a.ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.ParentID != a.plan.ID {
			return apperr.NotFound("payment", in.PaymentID)
		}

		if err := change(a, p); err != nil {
			return err
		}
		p.UpdatedAt = a.now
		if err := a.tx.UpdatePayment(a.ctx, p); err != nil {
			return err
		}
		changed = p

		a.invalidatePayments()
		payments, err := a.payments()
		if err != nil {
			return err
		}
		return s.aggregator.RecomputeMoney(a.ctx, a.plan, payments)
	})
	if err != nil {
		return nil, nil, err
	}
	return pl, changed, nil
}
