package plan

import (
	"context"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FollowUpInput struct {
	ActionInput
	DispersionStartDate time.Time
	DispersionEndDate   time.Time
}

// CreateFollowUp opens a new plan retargeting the unsuccessful eligible
// payments of an accepted or finished plan.
func (s *Service) CreateFollowUp(ctx context.Context, in FollowUpInput) (*Plan, error) {
	if in.DispersionEndDate.Before(in.DispersionStartDate) {
		return nil, apperr.Validation("dispersion_end_date", "must not be before dispersion_start_date")
	}

	var created *Plan
	_, err := s.run(ctx, in.ActionInput, func(a *action) error {
		a.readOnly = true
		src := a.plan
		if src.Status != StatusAccepted && src.Status != StatusFinished {
			return apperr.Invariant(apperr.CodeInvalidTransition, "cannot follow up a payment plan in status %s", src.Status)
		}

		payments, err := a.payments()
		if err != nil {
			return err
		}

		fp := &Plan{
			ID:                  uuid.New(),
			BusinessAreaID:      src.BusinessAreaID,
			ProgramCycleID:      src.ProgramCycleID,
			Name:                src.Name + " (follow-up)",
			Status:              StatusOpen,
			Currency:            src.Currency,
			DispersionStartDate: in.DispersionStartDate,
			DispersionEndDate:   in.DispersionEndDate,
			SourcePaymentPlanID: uuid.NullUUID{UUID: src.ID, Valid: true},
			IsFollowUp:          true,
			Version:             1,
			CreatedAt:           a.now,
			UpdatedAt:           a.now,
		}

		var copies []payment.Payment
		for _, p := range payment.Eligible(payments) {
			if !p.Status.IsUnsuccessful() {
				continue
			}
			copies = append(copies, payment.Payment{
				ID:                         uuid.New(),
				ParentID:                   fp.ID,
				HouseholdID:                p.HouseholdID,
				CollectorID:                p.CollectorID,
				HeadOfHouseholdPhone:       p.HeadOfHouseholdPhone,
				HeadOfHouseholdSex:         p.HeadOfHouseholdSex,
				HeadOfHouseholdBirthDate:   p.HeadOfHouseholdBirthDate,
				AdminArea:                  p.AdminArea,
				DeliveryType:               p.DeliveryType,
				Currency:                   p.Currency,
				EntitlementQuantity:        p.EntitlementQuantity,
				EntitlementQuantityUSD:     p.EntitlementQuantityUSD,
				DeliveredQuantity:          decimal.NullDecimal{},
				Status:                     payment.StatusPending,
				FinancialServiceProviderID: p.FinancialServiceProviderID,
				SourcePaymentID:            uuid.NullUUID{UUID: p.ID, Valid: true},
				IsFollowUp:                 true,
				CreatedAt:                  a.now,
				UpdatedAt:                  a.now,
			})
		}
		if len(copies) == 0 {
			return apperr.Invariant(apperr.CodeNoEligiblePayments, "payment plan %s has no unsuccessful payments to follow up", src.ID)
		}

		if err := s.aggregator.RecomputeMoney(a.ctx, fp, copies); err != nil {
			return err
		}
		if err := s.aggregator.RecomputePopulation(a.ctx, fp, copies); err != nil {
			return err
		}
		if err := a.tx.CreatePlan(a.ctx, fp); err != nil {
			return err
		}
		if err := a.tx.CreatePayments(a.ctx, copies); err != nil {
			return err
		}
		created = fp
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("PLAN", "payment plan %s followed up by %s", in.PlanID, created.ID)
	return created, nil
}
