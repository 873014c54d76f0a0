package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/farxc/disbursement/internal/plan"
	"github.com/farxc/disbursement/internal/verification"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var planMutableColumns = []string{
	"name",
	"status",
	"status_before_abort",
	"background_action_status",
	"abort_comment",
	"currency",
	"dispersion_start_date",
	"dispersion_end_date",
	"exchange_rate",
	"total_entitled_quantity",
	"total_entitled_quantity_usd",
	"total_entitled_quantity_revised",
	"total_entitled_quantity_revised_usd",
	"total_delivered_quantity",
	"total_delivered_quantity_usd",
	"total_undelivered_quantity",
	"total_undelivered_quantity_usd",
	"male_children_count",
	"female_children_count",
	"male_adults_count",
	"female_adults_count",
	"total_households_count",
	"total_individuals_count",
	"exclusion_reason",
	"export_file_key",
	"is_removed",
	"updated_at",
}

var planColumns = append([]string{
	"id",
	"business_area_id",
	"program_cycle_id",
	"source_payment_plan_id",
	"is_follow_up",
	"version",
	"created_at",
}, planMutableColumns...)

var paymentMutableColumns = []string{
	"head_of_household_phone",
	"head_of_household_sex",
	"head_of_household_birth_date",
	"admin_area",
	"delivery_type",
	"currency",
	"entitlement_quantity",
	"entitlement_quantity_usd",
	"delivered_quantity",
	"delivered_quantity_usd",
	"delivery_date",
	"status",
	"conflicted",
	"excluded",
	"is_removed",
	"financial_service_provider_id",
	"parent_split_id",
	"updated_at",
}

var paymentColumns = append([]string{
	"id",
	"parent_id",
	"household_id",
	"collector_id",
	"source_payment_id",
	"is_follow_up",
	"created_at",
}, paymentMutableColumns...)

var approvalProcessColumns = []string{
	"id",
	"payment_plan_id",
	"sent_for_approval_by",
	"sent_for_approval_date",
	"sent_for_authorization_by",
	"sent_for_authorization_date",
	"sent_for_finance_release_by",
	"sent_for_finance_release_date",
	"approval_number_required",
	"authorization_number_required",
	"finance_release_number_required",
	"rejected_at",
	"created_at",
}

var (
	insertPlanQuery            = insertQuery("payment_plans", planColumns)
	updatePlanQuery            = "UPDATE payment_plans SET " + setClause(planMutableColumns) + ", version = :version + 1 WHERE id = :id AND version = :version"
	insertPaymentQuery         = insertQuery("payments", paymentColumns)
	updatePaymentQuery         = "UPDATE payments SET " + setClause(paymentMutableColumns) + " WHERE id = :id"
	insertApprovalProcessQuery = insertQuery("approval_processes", approvalProcessColumns)
	updateApprovalProcessQuery = "UPDATE approval_processes SET " + setClause(approvalProcessColumns[2:]) + " WHERE id = :id"
	insertApprovalQuery        = insertQuery("approvals", []string{"id", "approval_process_id", "type", "comment", "created_by", "created_at"})
	insertSplitQuery           = insertQuery("payment_plan_splits", []string{"id", "payment_plan_id", "split_type", "split_order", "sent_to_payment_gateway", "created_at"})
)

// PlanRepository stores payment plans with their payments, approval
// history and splits.
type PlanRepository struct {
	db *sqlx.DB
}

func (r *PlanRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx plan.Tx) error) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &planTx{db: tx})
	})
}

type planTx struct {
	db GenericQueryer
}

func (t *planTx) GetPlan(ctx context.Context, id uuid.UUID) (*plan.Plan, error) {
	var p plan.Plan
	err := t.db.GetContext(ctx, &p, `SELECT * FROM payment_plans WHERE id = $1 AND NOT is_removed FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err, "payment plan", id)
	}
	return &p, nil
}

func (t *planTx) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if _, err := t.db.NamedExecContext(ctx, insertPlanQuery, p); err != nil {
		return fmt.Errorf("error inserting payment plan %s: %w", p.ID, err)
	}
	return nil
}

func (t *planTx) UpdatePlan(ctx context.Context, p *plan.Plan, expected int64) error {
	row := *p
	row.Version = expected
	res, err := t.db.NamedExecContext(ctx, updatePlanQuery, &row)
	if err != nil {
		return fmt.Errorf("error updating payment plan %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := t.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM payment_plans WHERE id = $1)`, p.ID); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("payment plan", p.ID)
		}
		return apperr.Conflict("payment plan %s was modified concurrently", p.ID)
	}
	p.Version = expected + 1
	return nil
}

func (t *planTx) ListPayments(ctx context.Context, planID uuid.UUID) ([]payment.Payment, error) {
	var out []payment.Payment
	err := t.db.SelectContext(ctx, &out, `SELECT * FROM payments WHERE parent_id = $1 AND NOT is_removed ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("error listing payments of plan %s: %w", planID, err)
	}
	return out, nil
}

func (t *planTx) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	var p payment.Payment
	if err := t.db.GetContext(ctx, &p, `SELECT * FROM payments WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

func (t *planTx) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	res, err := t.db.NamedExecContext(ctx, updatePaymentQuery, p)
	if err != nil {
		return fmt.Errorf("error updating payment %s: %w", p.ID, err)
	}
	return expectRows(res, "payment", p.ID)
}

func (t *planTx) CreatePayments(ctx context.Context, ps []payment.Payment) error {
	if len(ps) == 0 {
		return nil
	}
	_, err := t.db.NamedExecContext(ctx, insertPaymentQuery, ps)
	if isUniqueViolation(err) {
		return apperr.Invariant(apperr.CodeDuplicatePayment, "a household already has a payment in this payment plan")
	}
	if err != nil {
		return fmt.Errorf("error inserting %d payments: %w", len(ps), err)
	}
	return nil
}

func (t *planTx) LatestApprovalProcess(ctx context.Context, planID uuid.UUID) (*plan.ApprovalProcess, error) {
	var ap plan.ApprovalProcess
	err := t.db.GetContext(ctx, &ap, `
		SELECT * FROM approval_processes
		WHERE payment_plan_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading approval process of plan %s: %w", planID, err)
	}

	err = t.db.SelectContext(ctx, &ap.Approvals, `SELECT * FROM approvals WHERE approval_process_id = $1 ORDER BY created_at, id`, ap.ID)
	if err != nil {
		return nil, fmt.Errorf("error loading approvals of process %s: %w", ap.ID, err)
	}
	return &ap, nil
}

func (t *planTx) CreateApprovalProcess(ctx context.Context, ap *plan.ApprovalProcess) error {
	if _, err := t.db.NamedExecContext(ctx, insertApprovalProcessQuery, ap); err != nil {
		return fmt.Errorf("error inserting approval process: %w", err)
	}
	return nil
}

func (t *planTx) UpdateApprovalProcess(ctx context.Context, ap *plan.ApprovalProcess) error {
	res, err := t.db.NamedExecContext(ctx, updateApprovalProcessQuery, ap)
	if err != nil {
		return fmt.Errorf("error updating approval process %s: %w", ap.ID, err)
	}
	return expectRows(res, "approval process", ap.ID)
}

func (t *planTx) AddApproval(ctx context.Context, a *plan.Approval) error {
	if _, err := t.db.NamedExecContext(ctx, insertApprovalQuery, a); err != nil {
		return fmt.Errorf("error inserting approval: %w", err)
	}
	return nil
}

func (t *planTx) ListSplits(ctx context.Context, planID uuid.UUID) ([]plan.Split, error) {
	var splits []plan.Split
	err := t.db.SelectContext(ctx, &splits, `SELECT * FROM payment_plan_splits WHERE payment_plan_id = $1 ORDER BY split_order`, planID)
	if err != nil {
		return nil, fmt.Errorf("error listing splits of plan %s: %w", planID, err)
	}
	if len(splits) == 0 {
		return splits, nil
	}

	var members []struct {
		ID      uuid.UUID `db:"id"`
		SplitID uuid.UUID `db:"parent_split_id"`
	}
	err = t.db.SelectContext(ctx, &members, `
		SELECT id, parent_split_id FROM payments
		WHERE parent_id = $1 AND parent_split_id IS NOT NULL AND NOT is_removed
		ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("error listing split members of plan %s: %w", planID, err)
	}

	index := make(map[uuid.UUID]int, len(splits))
	for i := range splits {
		index[splits[i].ID] = i
	}
	for _, m := range members {
		if i, ok := index[m.SplitID]; ok {
			splits[i].PaymentIDs = append(splits[i].PaymentIDs, m.ID)
		}
	}
	return splits, nil
}

func (t *planTx) ReplaceSplits(ctx context.Context, planID uuid.UUID, splits []plan.Split) error {
	if _, err := t.db.ExecContext(ctx, `UPDATE payments SET parent_split_id = NULL WHERE parent_id = $1`, planID); err != nil {
		return fmt.Errorf("error detaching payments of plan %s: %w", planID, err)
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM payment_plan_splits WHERE payment_plan_id = $1`, planID); err != nil {
		return fmt.Errorf("error deleting splits of plan %s: %w", planID, err)
	}

	for i := range splits {
		sp := &splits[i]
		if _, err := t.db.NamedExecContext(ctx, insertSplitQuery, sp); err != nil {
			return fmt.Errorf("error inserting split %d of plan %s: %w", sp.Order, planID, err)
		}
		_, err := t.db.ExecContext(ctx, `UPDATE payments SET parent_split_id = $1 WHERE id = ANY($2)`, sp.ID, uuidArray(sp.PaymentIDs))
		if err != nil {
			return fmt.Errorf("error attaching payments to split %s: %w", sp.ID, err)
		}
	}
	return nil
}

func (t *planTx) UpdateSplit(ctx context.Context, s *plan.Split) error {
	res, err := t.db.ExecContext(ctx, `UPDATE payment_plan_splits SET sent_to_payment_gateway = $1 WHERE id = $2`, s.SentToPaymentGateway, s.ID)
	if err != nil {
		return fmt.Errorf("error updating split %s: %w", s.ID, err)
	}
	return expectRows(res, "split", s.ID)
}

func (t *planTx) EnsureVerificationSummary(ctx context.Context, planID uuid.UUID) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO payment_verification_summaries (id, payment_plan_content_type, payment_plan_object_id, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (payment_plan_content_type, payment_plan_object_id) DO NOTHING`,
		uuid.New(), verification.KindPaymentPlan, planID, verification.SummaryPending)
	if err != nil {
		return fmt.Errorf("error creating verification summary of plan %s: %w", planID, err)
	}
	return nil
}
