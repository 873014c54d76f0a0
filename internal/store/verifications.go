package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/farxc/disbursement/internal/verification"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// verificationPlanRow carries the excluded admin areas as a Postgres array.
type verificationPlanRow struct {
	verification.Plan
	ExcludedAdminAreas pq.StringArray `db:"excluded_admin_areas"`
}

func toPlanRow(p *verification.Plan) *verificationPlanRow {
	areas := pq.StringArray(p.ExcludedAdminAreas)
	if areas == nil {
		areas = pq.StringArray{}
	}
	return &verificationPlanRow{Plan: *p, ExcludedAdminAreas: areas}
}

func (r *verificationPlanRow) plan() *verification.Plan {
	p := r.Plan
	p.Filters.ExcludedAdminAreas = []string(r.ExcludedAdminAreas)
	return &p
}

var verificationPlanMutableColumns = []string{
	"status",
	"sampling",
	"verification_channel",
	"sample_size",
	"responded_count",
	"received_count",
	"not_received_count",
	"received_with_problems_count",
	"confidence_interval",
	"margin_of_error",
	"age_min",
	"age_max",
	"sex",
	"excluded_admin_areas",
	"activation_date",
	"completion_date",
	"xlsx_file_exporting",
	"xlsx_file_imported",
	"error",
	"rapid_pro_flow_id",
	"updated_at",
}

var verificationColumns = []string{
	"id",
	"payment_verification_plan_id",
	"payment_content_type",
	"payment_object_id",
	"status",
	"status_date",
	"received_amount",
	"sent_to_rapid_pro",
	"created_at",
}

var summaryColumns = []string{
	"id",
	"payment_plan_content_type",
	"payment_plan_object_id",
	"status",
	"activation_date",
	"completion_date",
	"created_at",
}

var (
	insertVerificationPlanQuery = insertQuery("payment_verification_plans",
		append([]string{"id", "payment_plan_content_type", "payment_plan_object_id", "created_at"}, verificationPlanMutableColumns...))
	updateVerificationPlanQuery = "UPDATE payment_verification_plans SET " + setClause(verificationPlanMutableColumns) + " WHERE id = :id"
	insertVerificationQuery     = insertQuery("payment_verifications", verificationColumns)
	updateVerificationQuery     = "UPDATE payment_verifications SET " + setClause(verificationColumns[4:8]) + " WHERE id = :id"
	saveSummaryQuery            = insertQuery("payment_verification_summaries", summaryColumns) + `
		ON CONFLICT (payment_plan_content_type, payment_plan_object_id) DO UPDATE SET
		status = EXCLUDED.status,
		activation_date = EXCLUDED.activation_date,
		completion_date = EXCLUDED.completion_date`
)

// paymentRecordColumns exposes legacy payment records with payment columns.
const paymentRecordColumns = `
	id, parent_id, household_id, collector_id,
	head_of_household_phone, head_of_household_sex, head_of_household_birth_date, admin_area,
	delivery_type, currency, entitlement_quantity, delivered_quantity, delivery_date, status, created_at`

// VerificationRepository stores verification campaigns, their records and
// the per-batch summaries. It reads both payment plans and legacy cash plans.
type VerificationRepository struct {
	db *sqlx.DB
}

func (r *VerificationRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx verification.Tx) error) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &verificationTx{db: tx})
	})
}

type verificationTx struct {
	db GenericQueryer
}

func (t *verificationTx) Resolve(ctx context.Context, ref verification.PlanRef) (*verification.Target, error) {
	var (
		existsQuery   string
		paymentsQuery string
	)
	switch ref.Kind {
	case verification.KindPaymentPlan:
		existsQuery = `SELECT EXISTS (SELECT 1 FROM payment_plans WHERE id = $1 AND NOT is_removed)`
		paymentsQuery = `SELECT * FROM payments WHERE parent_id = $1 AND NOT is_removed ORDER BY created_at, id`
	case verification.KindCashPlan:
		existsQuery = `SELECT EXISTS (SELECT 1 FROM cash_plans WHERE id = $1)`
		paymentsQuery = `SELECT ` + paymentRecordColumns + ` FROM payment_records WHERE parent_id = $1 ORDER BY created_at, id`
	default:
		return nil, apperr.Validation("kind", "unknown plan kind %q", ref.Kind)
	}

	var exists bool
	if err := t.db.GetContext(ctx, &exists, existsQuery, ref.ID); err != nil {
		return nil, fmt.Errorf("error resolving %s: %w", ref, err)
	}
	if !exists {
		return nil, apperr.NotFound("plan", ref)
	}

	target := &verification.Target{Ref: ref}
	if err := t.db.SelectContext(ctx, &target.Payments, paymentsQuery, ref.ID); err != nil {
		return nil, fmt.Errorf("error listing payments of %s: %w", ref, err)
	}
	return target, nil
}

func (t *verificationTx) GetPayment(ctx context.Context, ref verification.PaymentRef) (*payment.Payment, error) {
	query := `SELECT * FROM payments WHERE id = $1`
	if ref.Kind == verification.KindPaymentRecord {
		query = `SELECT ` + paymentRecordColumns + ` FROM payment_records WHERE id = $1`
	}
	var p payment.Payment
	if err := t.db.GetContext(ctx, &p, query, ref.ID); err != nil {
		return nil, notFound(err, "payment", ref.ID)
	}
	return &p, nil
}

func (t *verificationTx) GetPlan(ctx context.Context, id uuid.UUID) (*verification.Plan, error) {
	var row verificationPlanRow
	if err := t.db.GetContext(ctx, &row, `SELECT * FROM payment_verification_plans WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "verification plan", id)
	}
	return row.plan(), nil
}

func (t *verificationTx) ListPlans(ctx context.Context, parent verification.PlanRef) ([]verification.Plan, error) {
	var rows []verificationPlanRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT * FROM payment_verification_plans
		WHERE payment_plan_content_type = $1 AND payment_plan_object_id = $2
		ORDER BY created_at`, parent.Kind, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("error listing verification plans of %s: %w", parent, err)
	}
	out := make([]verification.Plan, len(rows))
	for i := range rows {
		out[i] = *rows[i].plan()
	}
	return out, nil
}

func (t *verificationTx) CreatePlan(ctx context.Context, p *verification.Plan) error {
	if _, err := t.db.NamedExecContext(ctx, insertVerificationPlanQuery, toPlanRow(p)); err != nil {
		return fmt.Errorf("error inserting verification plan %s: %w", p.ID, err)
	}
	return nil
}

func (t *verificationTx) UpdatePlan(ctx context.Context, p *verification.Plan) error {
	res, err := t.db.NamedExecContext(ctx, updateVerificationPlanQuery, toPlanRow(p))
	if err != nil {
		return fmt.Errorf("error updating verification plan %s: %w", p.ID, err)
	}
	return expectRows(res, "verification plan", p.ID)
}

func (t *verificationTx) DeletePlan(ctx context.Context, id uuid.UUID) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM payment_verification_plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting verification plan %s: %w", id, err)
	}
	return expectRows(res, "verification plan", id)
}

func (t *verificationTx) GetVerification(ctx context.Context, id uuid.UUID) (*verification.Verification, error) {
	var v verification.Verification
	if err := t.db.GetContext(ctx, &v, `SELECT * FROM payment_verifications WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "verification", id)
	}
	return &v, nil
}

func (t *verificationTx) ListVerifications(ctx context.Context, planID uuid.UUID) ([]verification.Verification, error) {
	var out []verification.Verification
	err := t.db.SelectContext(ctx, &out, `SELECT * FROM payment_verifications WHERE payment_verification_plan_id = $1 ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("error listing verifications of plan %s: %w", planID, err)
	}
	return out, nil
}

func (t *verificationTx) CreateVerifications(ctx context.Context, vs []verification.Verification) error {
	if len(vs) == 0 {
		return nil
	}
	_, err := t.db.NamedExecContext(ctx, insertVerificationQuery, vs)
	if isUniqueViolation(err) {
		return apperr.Invariant(apperr.CodeDuplicateVerification, "a sampled payment already has a verification")
	}
	if err != nil {
		return fmt.Errorf("error inserting %d verifications: %w", len(vs), err)
	}
	return nil
}

func (t *verificationTx) UpdateVerification(ctx context.Context, v *verification.Verification) error {
	res, err := t.db.NamedExecContext(ctx, updateVerificationQuery, v)
	if err != nil {
		return fmt.Errorf("error updating verification %s: %w", v.ID, err)
	}
	return expectRows(res, "verification", v.ID)
}

func (t *verificationTx) DeleteVerifications(ctx context.Context, planID uuid.UUID) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM payment_verifications WHERE payment_verification_plan_id = $1`, planID)
	if err != nil {
		return fmt.Errorf("error deleting verifications of plan %s: %w", planID, err)
	}
	return nil
}

func (t *verificationTx) VerifiedPayments(ctx context.Context, parent verification.PlanRef) (map[uuid.UUID]uuid.UUID, error) {
	var rows []struct {
		PaymentID uuid.UUID `db:"payment_object_id"`
		PlanID    uuid.UUID `db:"payment_verification_plan_id"`
	}
	err := t.db.SelectContext(ctx, &rows, `
		SELECT v.payment_object_id, v.payment_verification_plan_id
		FROM payment_verifications v
		JOIN payment_verification_plans p ON p.id = v.payment_verification_plan_id
		WHERE p.payment_plan_content_type = $1 AND p.payment_plan_object_id = $2`, parent.Kind, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("error listing verified payments of %s: %w", parent, err)
	}
	out := make(map[uuid.UUID]uuid.UUID, len(rows))
	for _, r := range rows {
		out[r.PaymentID] = r.PlanID
	}
	return out, nil
}

func (t *verificationTx) GetSummary(ctx context.Context, parent verification.PlanRef) (*verification.Summary, error) {
	var s verification.Summary
	err := t.db.GetContext(ctx, &s, `
		SELECT * FROM payment_verification_summaries
		WHERE payment_plan_content_type = $1 AND payment_plan_object_id = $2`, parent.Kind, parent.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading verification summary of %s: %w", parent, err)
	}
	return &s, nil
}

func (t *verificationTx) SaveSummary(ctx context.Context, s *verification.Summary) error {
	if _, err := t.db.NamedExecContext(ctx, saveSummaryQuery, s); err != nil {
		return fmt.Errorf("error saving verification summary of %s: %w", s.Parent(), err)
	}
	return nil
}
