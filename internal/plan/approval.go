package plan

import (
	"context"
	"fmt"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Requirements are the sign-off counts a plan needs at each approval stage.
type Requirements struct {
	Approval       int `json:"approval_number_required"`
	Authorization  int `json:"authorization_number_required"`
	FinanceRelease int `json:"finance_release_number_required"`
}

// DefaultRequirements apply when no threshold covers the plan's amount.
var DefaultRequirements = Requirements{Approval: 1, Authorization: 1, FinanceRelease: 1}

// LookupRequirements picks the first threshold whose inclusive range holds
// amountUSD.
func LookupRequirements(thresholds []Threshold, amountUSD decimal.Decimal) Requirements {
	for _, t := range thresholds {
		if t.Contains(amountUSD) {
			return Requirements{
				Approval:       t.ApprovalNumberRequired,
				Authorization:  t.AuthorizationNumberRequired,
				FinanceRelease: t.FinanceReleaseNumberRequired,
			}
		}
	}
	return DefaultRequirements
}

type ApprovalCoordinator struct {
	thresholds ThresholdSource
}

func NewApprovalCoordinator(thresholds ThresholdSource) *ApprovalCoordinator {
	return &ApprovalCoordinator{thresholds: thresholds}
}

// Requirements resolves the counts for p from its business area's table and
// its entitled total in USD.
func (c *ApprovalCoordinator) Requirements(ctx context.Context, p *Plan) (Requirements, error) {
	ts, err := c.thresholds.Thresholds(ctx, p.BusinessAreaID)
	if err != nil {
		return Requirements{}, fmt.Errorf("failed to load acceptance thresholds: %w", err)
	}
	return LookupRequirements(ts, money.OrZero(p.TotalEntitledQuantityUSD)), nil
}

func (s *Service) startApprovalProcess(a *action) error {
	req, err := s.approvals.Requirements(a.ctx, a.plan)
	if err != nil {
		return err
	}

	now := a.now
	proc := &ApprovalProcess{
		ID:                           uuid.New(),
		PlanID:                       a.plan.ID,
		SentForApprovalBy:            a.in.ActedBy,
		SentForApprovalDate:          &now,
		ApprovalNumberRequired:       req.Approval,
		AuthorizationNumberRequired:  req.Authorization,
		FinanceReleaseNumberRequired: req.FinanceRelease,
		CreatedAt:                    now,
	}
	if err := a.tx.CreateApprovalProcess(a.ctx, proc); err != nil {
		return err
	}
	a.process = proc
	return nil
}

func (a *action) openProcess() (*ApprovalProcess, error) {
	proc, err := a.tx.LatestApprovalProcess(a.ctx, a.plan.ID)
	if err != nil {
		return nil, err
	}
	if proc == nil || !proc.Open() {
		return nil, apperr.Invariant(apperr.CodeInvalidTransition, "payment plan %s has no open approval process", a.plan.ID)
	}
	a.process = proc
	return proc, nil
}

func (a *action) record(t ApprovalType) error {
	ap := Approval{
		ID:        uuid.New(),
		ProcessID: a.process.ID,
		Type:      t,
		Comment:   a.in.Comment,
		CreatedBy: a.in.ActedBy,
		CreatedAt: a.now,
	}
	if err := a.tx.AddApproval(a.ctx, &ap); err != nil {
		return err
	}
	a.process.Approvals = append(a.process.Approvals, ap)
	return nil
}

// stageApproval records one sign-off of type t and fires event once the
// process holds as many sign-offs of that type as it requires.
func (s *Service) stageApproval(a *action, event Event, t ApprovalType) error {
	if !Allowed(a.plan.Status, event) {
		return invalidTransition(a.plan.Status, event)
	}

	proc, err := a.openProcess()
	if err != nil {
		return err
	}
	if err := a.record(t); err != nil {
		return err
	}

	got, need := proc.Count(t), proc.Required(t)
	if got < need {
		s.log.Info("PLAN", "payment plan %s: %s %d/%d by %s", a.plan.ID, t, got, need, a.in.ActedBy)
		return nil
	}

	if err := s.fire(a, event); err != nil {
		return err
	}
	return a.tx.UpdateApprovalProcess(a.ctx, proc)
}

// reject closes the open process and sends the plan back to LOCKED_FSP.
func (s *Service) reject(a *action) error {
	if !Allowed(a.plan.Status, EventReject) {
		return invalidTransition(a.plan.Status, EventReject)
	}

	proc, err := a.openProcess()
	if err != nil {
		return err
	}
	if err := a.record(ApprovalTypeReject); err != nil {
		return err
	}

	now := a.now
	proc.RejectedAt = &now
	if err := a.tx.UpdateApprovalProcess(a.ctx, proc); err != nil {
		return err
	}
	return s.fire(a, EventReject)
}
