package plan

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	// Targeting phase.
	StatusDraft           Status = "DRAFT"
	StatusTPOpen          Status = "TP_OPEN"
	StatusTPLocked        Status = "TP_LOCKED"
	StatusTPSteficonWait  Status = "TP_STEFICON_WAIT"
	StatusTPSteficonError Status = "TP_STEFICON_ERROR"

	// Disbursement phase.
	StatusOpen            Status = "OPEN"
	StatusLocked          Status = "LOCKED"
	StatusLockedFSP       Status = "LOCKED_FSP"
	StatusInApproval      Status = "IN_APPROVAL"
	StatusInAuthorization Status = "IN_AUTHORIZATION"
	StatusInReview        Status = "IN_REVIEW"
	StatusAccepted        Status = "ACCEPTED"
	StatusFinished        Status = "FINISHED"
	StatusAborted         Status = "ABORTED"
	StatusClosed          Status = "CLOSED"
)

type BackgroundStatus string

const (
	BgRuleEngineRun               BackgroundStatus = "RULE_ENGINE_RUN"
	BgRuleEngineError             BackgroundStatus = "RULE_ENGINE_ERROR"
	BgXlsxExporting               BackgroundStatus = "XLSX_EXPORTING"
	BgXlsxExportError             BackgroundStatus = "XLSX_EXPORT_ERROR"
	BgXlsxImportingEntitlements   BackgroundStatus = "XLSX_IMPORTING_ENTITLEMENTS"
	BgXlsxImportingReconciliation BackgroundStatus = "XLSX_IMPORTING_RECONCILIATION"
	BgXlsxImportError             BackgroundStatus = "XLSX_IMPORT_ERROR"
	BgExcludingBeneficiaries      BackgroundStatus = "EXCLUDING_BENEFICIARIES"
	BgExcludeBeneficiariesError   BackgroundStatus = "EXCLUDE_BENEFICIARIES_ERROR"
)

// Plan is a payment plan: a batch of payments moved through approval,
// delivery and reconciliation as one unit.
type Plan struct {
	ID             uuid.UUID `db:"id" json:"id"`
	BusinessAreaID uuid.UUID `db:"business_area_id" json:"business_area_id"`
	ProgramCycleID uuid.UUID `db:"program_cycle_id" json:"program_cycle_id"`
	Name           string    `db:"name" json:"name"`

	Status                 Status            `db:"status" json:"status"`
	StatusBeforeAbort      *Status           `db:"status_before_abort" json:"status_before_abort,omitempty"`
	BackgroundActionStatus *BackgroundStatus `db:"background_action_status" json:"background_action_status,omitempty"`
	AbortComment           string            `db:"abort_comment" json:"abort_comment,omitempty"`

	Currency            string              `db:"currency" json:"currency"`
	DispersionStartDate time.Time           `db:"dispersion_start_date" json:"dispersion_start_date"`
	DispersionEndDate   time.Time           `db:"dispersion_end_date" json:"dispersion_end_date"`
	ExchangeRate        decimal.NullDecimal `db:"exchange_rate" json:"exchange_rate"`

	TotalEntitledQuantity           decimal.NullDecimal `db:"total_entitled_quantity" json:"total_entitled_quantity"`
	TotalEntitledQuantityUSD        decimal.NullDecimal `db:"total_entitled_quantity_usd" json:"total_entitled_quantity_usd"`
	TotalEntitledQuantityRevised    decimal.NullDecimal `db:"total_entitled_quantity_revised" json:"total_entitled_quantity_revised"`
	TotalEntitledQuantityRevisedUSD decimal.NullDecimal `db:"total_entitled_quantity_revised_usd" json:"total_entitled_quantity_revised_usd"`
	TotalDeliveredQuantity          decimal.NullDecimal `db:"total_delivered_quantity" json:"total_delivered_quantity"`
	TotalDeliveredQuantityUSD       decimal.NullDecimal `db:"total_delivered_quantity_usd" json:"total_delivered_quantity_usd"`
	TotalUndeliveredQuantity        decimal.NullDecimal `db:"total_undelivered_quantity" json:"total_undelivered_quantity"`
	TotalUndeliveredQuantityUSD     decimal.NullDecimal `db:"total_undelivered_quantity_usd" json:"total_undelivered_quantity_usd"`

	MaleChildrenCount     int `db:"male_children_count" json:"male_children_count"`
	FemaleChildrenCount   int `db:"female_children_count" json:"female_children_count"`
	MaleAdultsCount       int `db:"male_adults_count" json:"male_adults_count"`
	FemaleAdultsCount     int `db:"female_adults_count" json:"female_adults_count"`
	TotalHouseholdsCount  int `db:"total_households_count" json:"total_households_count"`
	TotalIndividualsCount int `db:"total_individuals_count" json:"total_individuals_count"`

	ExclusionReason     string        `db:"exclusion_reason" json:"exclusion_reason,omitempty"`
	ExportFileKey       string        `db:"export_file_key" json:"export_file_key,omitempty"`
	SourcePaymentPlanID uuid.NullUUID `db:"source_payment_plan_id" json:"source_payment_plan_id"`
	IsFollowUp          bool          `db:"is_follow_up" json:"is_follow_up"`
	IsRemoved           bool          `db:"is_removed" json:"-"`

	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Background returns the background status, or "" when none is running.
func (p *Plan) Background() BackgroundStatus {
	if p.BackgroundActionStatus == nil {
		return ""
	}
	return *p.BackgroundActionStatus
}

func (p *Plan) setBackground(s BackgroundStatus) {
	if s == "" {
		p.BackgroundActionStatus = nil
		return
	}
	p.BackgroundActionStatus = &s
}

type ApprovalType string

const (
	ApprovalTypeApproval       ApprovalType = "APPROVAL"
	ApprovalTypeAuthorization  ApprovalType = "AUTHORIZATION"
	ApprovalTypeFinanceRelease ApprovalType = "FINANCE_RELEASE"
	ApprovalTypeReject         ApprovalType = "REJECT"
)

// ApprovalProcess is one pass through the approval pipeline. Counts are
// snapshotted from the threshold table when the pass starts.
type ApprovalProcess struct {
	ID     uuid.UUID `db:"id" json:"id"`
	PlanID uuid.UUID `db:"payment_plan_id" json:"payment_plan_id"`

	SentForApprovalBy         string     `db:"sent_for_approval_by" json:"sent_for_approval_by,omitempty"`
	SentForApprovalDate       *time.Time `db:"sent_for_approval_date" json:"sent_for_approval_date,omitempty"`
	SentForAuthorizationBy    string     `db:"sent_for_authorization_by" json:"sent_for_authorization_by,omitempty"`
	SentForAuthorizationDate  *time.Time `db:"sent_for_authorization_date" json:"sent_for_authorization_date,omitempty"`
	SentForFinanceReleaseBy   string     `db:"sent_for_finance_release_by" json:"sent_for_finance_release_by,omitempty"`
	SentForFinanceReleaseDate *time.Time `db:"sent_for_finance_release_date" json:"sent_for_finance_release_date,omitempty"`

	ApprovalNumberRequired       int `db:"approval_number_required" json:"approval_number_required"`
	AuthorizationNumberRequired  int `db:"authorization_number_required" json:"authorization_number_required"`
	FinanceReleaseNumberRequired int `db:"finance_release_number_required" json:"finance_release_number_required"`

	RejectedAt *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`

	Approvals []Approval `db:"-" json:"approvals"`
}

// Count returns how many approvals of type t were recorded in this process.
func (ap *ApprovalProcess) Count(t ApprovalType) int {
	n := 0
	for _, a := range ap.Approvals {
		if a.Type == t {
			n++
		}
	}
	return n
}

// Required returns the snapshotted count needed to pass the stage of type t.
func (ap *ApprovalProcess) Required(t ApprovalType) int {
	switch t {
	case ApprovalTypeApproval:
		return ap.ApprovalNumberRequired
	case ApprovalTypeAuthorization:
		return ap.AuthorizationNumberRequired
	case ApprovalTypeFinanceRelease:
		return ap.FinanceReleaseNumberRequired
	}
	return 0
}

func (ap *ApprovalProcess) Open() bool { return ap.RejectedAt == nil }

type Approval struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	ProcessID uuid.UUID    `db:"approval_process_id" json:"approval_process_id"`
	Type      ApprovalType `db:"type" json:"type"`
	Comment   string       `db:"comment" json:"comment,omitempty"`
	CreatedBy string       `db:"created_by" json:"created_by"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// Threshold is one row of a business area's acceptance table. AmountMax
// unset means unbounded.
type Threshold struct {
	ID                           uuid.UUID           `db:"id"`
	BusinessAreaID               uuid.UUID           `db:"business_area_id"`
	AmountMin                    decimal.Decimal     `db:"payments_range_usd_min"`
	AmountMax                    decimal.NullDecimal `db:"payments_range_usd_max"`
	ApprovalNumberRequired       int                 `db:"approval_number_required"`
	AuthorizationNumberRequired  int                 `db:"authorization_number_required"`
	FinanceReleaseNumberRequired int                 `db:"finance_release_number_required"`
}

func (t Threshold) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(t.AmountMin) {
		return false
	}
	return !t.AmountMax.Valid || amount.LessThanOrEqual(t.AmountMax.Decimal)
}

type SplitType string

const (
	SplitByRecords    SplitType = "BY_RECORDS"
	SplitByCollector  SplitType = "BY_COLLECTOR"
	SplitByAdminArea2 SplitType = "BY_ADMIN_AREA2"
)

type Split struct {
	ID                   uuid.UUID   `db:"id" json:"id"`
	PlanID               uuid.UUID   `db:"payment_plan_id" json:"payment_plan_id"`
	SplitType            SplitType   `db:"split_type" json:"split_type"`
	Order                int         `db:"split_order" json:"order"`
	SentToPaymentGateway bool        `db:"sent_to_payment_gateway" json:"sent_to_payment_gateway"`
	CreatedAt            time.Time   `db:"created_at" json:"created_at"`
	PaymentIDs           []uuid.UUID `db:"-" json:"payment_ids"`
}

// Individual is a household member as returned by the registry.
type Individual struct {
	ID          uuid.UUID  `db:"id"`
	HouseholdID uuid.UUID  `db:"household_id"`
	Sex         string     `db:"sex"`
	BirthDate   *time.Time `db:"birth_date"`
}

const (
	SexMale   = "MALE"
	SexFemale = "FEMALE"
)
