package plan

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/lock"
	"github.com/farxc/disbursement/internal/money"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/farxc/disbursement/internal/sheet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExportPaymentList schedules a CSV export of the plan's eligible payments.
func (s *Service) ExportPaymentList(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.dispatch(ctx, in, Job{Kind: JobExportPaymentList}, nil)
}

// RunRuleEngine schedules entitlement calculation for every eligible payment.
func (s *Service) RunRuleEngine(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.dispatch(ctx, in, Job{Kind: JobRuleEngineRun}, nil)
}

// ImportEntitlements stores the uploaded file and schedules its import.
func (s *Service) ImportEntitlements(ctx context.Context, in ActionInput, file io.Reader, size int64) (*Plan, error) {
	return s.dispatchUpload(ctx, in, JobImportEntitlements, "entitlements", file, size)
}

// ImportReconciliation stores the uploaded delivery report and schedules
// its import.
func (s *Service) ImportReconciliation(ctx context.Context, in ActionInput, file io.Reader, size int64) (*Plan, error) {
	return s.dispatchUpload(ctx, in, JobImportReconciliation, "reconciliation", file, size)
}

// ExcludeBeneficiaries schedules the exclusion of householdIDs. The list
// replaces any previous exclusion.
func (s *Service) ExcludeBeneficiaries(ctx context.Context, in ActionInput, householdIDs []uuid.UUID, reason string) (*Plan, error) {
	if len(householdIDs) == 0 {
		return nil, apperr.Validation("household_ids", "at least one household is required")
	}
	return s.dispatch(ctx, in, Job{Kind: JobExcludeBeneficiaries, HouseholdIDs: householdIDs, Reason: reason}, nil)
}

func (s *Service) dispatchUpload(ctx context.Context, in ActionInput, kind JobKind, name string, file io.Reader, size int64) (*Plan, error) {
	job := Job{Kind: kind}
	job.ID = uuid.New()
	job.FileKey = fmt.Sprintf("imports/%s/%s-%s.csv", in.PlanID, job.ID, name)
	return s.dispatch(ctx, in, job, func(ctx context.Context) error {
		if err := s.files.Put(ctx, job.FileKey, file, size, "text/csv"); err != nil {
			return apperr.External(apperr.CodeFileStorage, err, "failed to store %s file", name)
		}
		return nil
	})
}

// dispatch marks the plan as running job's background action, then runs
// prepare and hands the job to the queue. A failure after marking leaves
// the plan in the action's error state so it can be retried.
func (s *Service) dispatch(ctx context.Context, in ActionInput, job Job, prepare func(ctx context.Context) error) (*Plan, error) {
	running, ok := jobStates[job.Kind]
	if !ok {
		return nil, apperr.Validation("kind", "unknown job kind %q", job.Kind)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.PlanID = in.PlanID
	job.ActedBy = in.ActedBy

	p, err := s.run(ctx, in, func(a *action) error {
		return startBackground(a.plan, running)
	})
	if err != nil {
		return nil, err
	}

	if prepare != nil {
		if err := prepare(ctx); err != nil {
			return s.abandon(ctx, job, running, err)
		}
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return s.abandon(ctx, job, running, apperr.External(apperr.CodeQueue, err, "failed to enqueue %s", job.Kind))
	}

	s.log.Info("PLAN", "payment plan %s: %s queued as job %s", p.ID, job.Kind, job.ID)
	return p, nil
}

func (s *Service) abandon(ctx context.Context, job Job, running BackgroundStatus, cause error) (*Plan, error) {
	s.log.Error("PLAN", "payment plan %s: %s not started: %v", job.PlanID, job.Kind, cause)
	_, err := s.runInternal(ctx, job.PlanID, func(a *action) error {
		if a.plan.Background() == running {
			failBackground(a.plan)
		}
		return nil
	})
	if err != nil {
		s.log.Error("PLAN", "payment plan %s: failed to record %s failure: %v", job.PlanID, job.Kind, err)
	}
	return nil, cause
}

// RunJob executes a queued background action. Its writes commit together
// with clearing the background status; on failure they are rolled back and
// the plan is moved to the action's error state. A job whose plan is no
// longer in the matching running state is skipped. A job whose plan status
// no longer permits the action, or that cannot take the plan lock, fails.
func (s *Service) RunJob(ctx context.Context, job Job) error {
	running, ok := jobStates[job.Kind]
	if !ok {
		return apperr.Validation("kind", "unknown job kind %q", job.Kind)
	}
	handler := s.jobHandler(job.Kind)

	entered := false
	err := s.locker.WithLock(ctx, lock.PaymentPlanKey(job.PlanID), func(ctx context.Context) error {
		entered = true
		stale := false
		err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			p, err := tx.GetPlan(ctx, job.PlanID)
			if err != nil {
				return err
			}
			if p.Background() != running {
				stale = true
				return nil
			}
			if !familyOf(running).permits(running, p.Status) {
				return apperr.Invariant(apperr.CodeInvalidTransition, "cannot run %s on a payment plan in status %s", job.Kind, p.Status)
			}

			a := &action{ctx: ctx, tx: tx, plan: p, in: ActionInput{PlanID: p.ID, ActedBy: job.ActedBy}, now: s.clock().UTC()}
			if err := handler(a, job); err != nil {
				return err
			}
			completeBackground(p)
			p.UpdatedAt = a.now
			return tx.UpdatePlan(ctx, p, p.Version)
		})
		if stale {
			s.log.Warn("JOB", "job %s skipped: payment plan %s is not in %s", job.ID, job.PlanID, running)
			return nil
		}
		if err == nil {
			s.log.Info("JOB", "job %s (%s) completed for payment plan %s", job.ID, job.Kind, job.PlanID)
			return nil
		}

		s.log.Error("JOB", "job %s (%s) failed for payment plan %s: %v", job.ID, job.Kind, job.PlanID, err)
		s.failJob(ctx, job, running)
		return err
	})
	if err != nil && !entered {
		s.log.Error("JOB", "job %s (%s) could not lock payment plan %s: %v", job.ID, job.Kind, job.PlanID, err)
		s.failJob(context.WithoutCancel(ctx), job, running)
	}
	return err
}

// failJob moves the plan to the job's error state if it is still running it.
// The version check on update keeps it safe outside the plan lock.
func (s *Service) failJob(ctx context.Context, job Job, running BackgroundStatus) {
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPlan(ctx, job.PlanID)
		if err != nil {
			return err
		}
		if p.Background() != running {
			return nil
		}
		failBackground(p)
		p.UpdatedAt = s.clock().UTC()
		return tx.UpdatePlan(ctx, p, p.Version)
	})
	if err != nil {
		s.log.Error("JOB", "failed to record failure of job %s: %v", job.ID, err)
	}
}

type jobHandler func(a *action, job Job) error

func (s *Service) jobHandler(kind JobKind) jobHandler {
	switch kind {
	case JobExportPaymentList:
		return s.exportPaymentList
	case JobImportEntitlements:
		return s.importEntitlements
	case JobImportReconciliation:
		return s.importReconciliation
	case JobRuleEngineRun:
		return s.runRuleEngine
	case JobExcludeBeneficiaries:
		return s.excludeBeneficiaries
	}
	return nil
}

func (s *Service) exportPaymentList(a *action, _ Job) error {
	payments, err := a.payments()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := sheet.WritePayments(&buf, payment.Eligible(payments)); err != nil {
		return err
	}

	key := fmt.Sprintf("exports/%s/payment-list-%s.csv", a.plan.ID, a.now.Format("20060102T150405"))
	if err := s.files.Put(a.ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "text/csv"); err != nil {
		return fmt.Errorf("failed to store export: %w", err)
	}
	a.plan.ExportFileKey = key
	return nil
}

func (s *Service) openFile(a *action, key string) (io.ReadCloser, error) {
	rc, err := s.files.Get(a.ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return rc, nil
}

// planPayments indexes the plan's payments by id.
func (a *action) planPayments() (map[uuid.UUID]*payment.Payment, error) {
	payments, err := a.payments()
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*payment.Payment, len(payments))
	for i := range payments {
		byID[payments[i].ID] = &payments[i]
	}
	return byID, nil
}

func (a *action) eligiblePayment(byID map[uuid.UUID]*payment.Payment, id uuid.UUID) (*payment.Payment, error) {
	p, ok := byID[id]
	if !ok {
		return nil, apperr.Validation("payment_id", "payment %s does not belong to payment plan %s", id, a.plan.ID)
	}
	if !p.Eligible() {
		return nil, apperr.Validation("payment_id", "payment %s is not eligible", id)
	}
	return p, nil
}

func (s *Service) setEntitlement(a *action, p *payment.Payment, q, rate decimal.Decimal) error {
	usd, err := money.ToUSD(q, rate)
	if err != nil {
		return err
	}
	p.EntitlementQuantity = money.Null(money.Round(q))
	p.EntitlementQuantityUSD = money.Null(usd)
	p.UpdatedAt = a.now
	return a.tx.UpdatePayment(a.ctx, p)
}

func (s *Service) recomputeMoney(a *action) error {
	payments, err := a.payments()
	if err != nil {
		return err
	}
	return s.aggregator.RecomputeMoney(a.ctx, a.plan, payments)
}

func (s *Service) importEntitlements(a *action, job Job) error {
	rc, err := s.openFile(a, job.FileKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	rows, err := sheet.ReadEntitlements(rc)
	if err != nil {
		return err
	}
	rate, err := s.aggregator.ExchangeRate(a.ctx, a.plan)
	if err != nil {
		return err
	}
	byID, err := a.planPayments()
	if err != nil {
		return err
	}

	for _, row := range rows {
		p, err := a.eligiblePayment(byID, row.PaymentID)
		if err != nil {
			return err
		}
		if err := s.setEntitlement(a, p, row.Entitlement, rate); err != nil {
			return err
		}
	}

	if err := s.recomputeMoney(a); err != nil {
		return err
	}
	a.plan.TotalEntitledQuantityRevised = a.plan.TotalEntitledQuantity
	a.plan.TotalEntitledQuantityRevisedUSD = a.plan.TotalEntitledQuantityUSD
	return nil
}

func (s *Service) importReconciliation(a *action, job Job) error {
	rc, err := s.openFile(a, job.FileKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	rows, err := sheet.ReadReconciliation(rc)
	if err != nil {
		return err
	}
	rate := a.plan.ExchangeRate
	if !rate.Valid {
		r, err := s.aggregator.ExchangeRate(a.ctx, a.plan)
		if err != nil {
			return err
		}
		rate = money.Null(r)
	}
	byID, err := a.planPayments()
	if err != nil {
		return err
	}

	for _, row := range rows {
		p, err := a.eligiblePayment(byID, row.PaymentID)
		if err != nil {
			return err
		}
		if p.Status == payment.StatusForceFailed {
			s.log.Warn("JOB", "payment %s is force failed, reconciliation row ignored", p.ID)
			continue
		}
		if !p.EntitlementQuantity.Valid {
			return apperr.Invariant(apperr.CodeMissingEntitlement, "payment %s has no entitlement quantity", p.ID)
		}

		status, err := payment.ResolveDeliveredStatus(row.Delivered, p.EntitlementQuantity.Decimal)
		if err != nil {
			return err
		}
		usd, err := money.ToUSD(row.Delivered, rate.Decimal)
		if err != nil {
			return err
		}
		now := a.now
		p.Status = status
		p.DeliveredQuantity = money.Null(money.Round(row.Delivered))
		p.DeliveredQuantityUSD = money.Null(usd)
		p.DeliveryDate = &now
		p.UpdatedAt = now
		if err := a.tx.UpdatePayment(a.ctx, p); err != nil {
			return err
		}
	}
	return s.recomputeMoney(a)
}

func (s *Service) runRuleEngine(a *action, _ Job) error {
	rate, err := s.aggregator.ExchangeRate(a.ctx, a.plan)
	if err != nil {
		return err
	}
	payments, err := a.payments()
	if err != nil {
		return err
	}

	for i := range payments {
		p := &payments[i]
		if !p.Eligible() {
			continue
		}
		q, err := s.rules.Entitlement(a.ctx, a.plan, p)
		if err != nil {
			return fmt.Errorf("rule engine failed for payment %s: %w", p.ID, err)
		}
		if err := s.setEntitlement(a, p, q, rate); err != nil {
			return err
		}
	}
	return s.recomputeMoney(a)
}

func (s *Service) excludeBeneficiaries(a *action, job Job) error {
	excluded := make(map[uuid.UUID]struct{}, len(job.HouseholdIDs))
	for _, id := range job.HouseholdIDs {
		excluded[id] = struct{}{}
	}

	payments, err := a.payments()
	if err != nil {
		return err
	}
	for i := range payments {
		p := &payments[i]
		_, want := excluded[p.HouseholdID]
		if p.Excluded == want {
			continue
		}
		p.Excluded = want
		p.UpdatedAt = a.now
		if err := a.tx.UpdatePayment(a.ctx, p); err != nil {
			return err
		}
	}

	a.plan.ExclusionReason = job.Reason
	return s.recomputeAll(a)
}
