package verification

import (
	"fmt"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlanKind tags which batch representation a PlanRef points at.
type PlanKind string

const (
	KindPaymentPlan PlanKind = "PAYMENT_PLAN"
	KindCashPlan    PlanKind = "CASH_PLAN"
)

type PaymentKind string

const (
	KindPayment       PaymentKind = "PAYMENT"
	KindPaymentRecord PaymentKind = "PAYMENT_RECORD"
)

// PlanRef identifies the batch a verification campaign samples from:
// either a current payment plan or a legacy cash plan.
type PlanRef struct {
	Kind PlanKind  `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func PaymentPlanRef(id uuid.UUID) PlanRef { return PlanRef{Kind: KindPaymentPlan, ID: id} }
func CashPlanRef(id uuid.UUID) PlanRef    { return PlanRef{Kind: KindCashPlan, ID: id} }

func (r PlanRef) Validate() error {
	if r.Kind != KindPaymentPlan && r.Kind != KindCashPlan {
		return apperr.Validation("kind", "unknown plan kind %q", r.Kind)
	}
	if r.ID == uuid.Nil {
		return apperr.Validation("id", "plan id is required")
	}
	return nil
}

// PaymentKind is the kind of payment rows owned by this batch kind.
func (r PlanRef) PaymentKind() PaymentKind {
	if r.Kind == KindCashPlan {
		return KindPaymentRecord
	}
	return KindPayment
}

func (r PlanRef) String() string { return fmt.Sprintf("%s:%s", r.Kind, r.ID) }

type PaymentRef struct {
	Kind PaymentKind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusActive        Status = "ACTIVE"
	StatusFinished      Status = "FINISHED"
	StatusInvalid       Status = "INVALID"
	StatusRapidProError Status = "RAPID_PRO_ERROR"
)

type Sampling string

const (
	SamplingFullList Sampling = "FULL_LIST"
	SamplingRandom   Sampling = "RANDOM"
)

type Channel string

const (
	ChannelManual   Channel = "MANUAL"
	ChannelXLSX     Channel = "XLSX"
	ChannelRapidPro Channel = "RAPIDPRO"
)

// RecordStatus is the outcome recorded for one sampled payment.
type RecordStatus string

const (
	RecordPending            RecordStatus = "PENDING"
	RecordReceived           RecordStatus = "RECEIVED"
	RecordNotReceived        RecordStatus = "NOT_RECEIVED"
	RecordReceivedWithIssues RecordStatus = "RECEIVED_WITH_ISSUES"
)

type SummaryStatus string

const (
	SummaryPending  SummaryStatus = "PENDING"
	SummaryActive   SummaryStatus = "ACTIVE"
	SummaryFinished SummaryStatus = "FINISHED"
)

// Filters narrow the population a campaign samples from. Ages are in
// completed years and inclusive.
type Filters struct {
	AgeMin             *int     `db:"age_min" json:"age_min,omitempty"`
	AgeMax             *int     `db:"age_max" json:"age_max,omitempty"`
	Sex                string   `db:"sex" json:"sex,omitempty"`
	ExcludedAdminAreas []string `db:"-" json:"excluded_admin_areas,omitempty"`
}

// Plan is one verification campaign.
type Plan struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ParentKind PlanKind  `db:"payment_plan_content_type" json:"payment_plan_kind"`
	ParentID   uuid.UUID `db:"payment_plan_object_id" json:"payment_plan_id"`

	Status   Status   `db:"status" json:"status"`
	Sampling Sampling `db:"sampling" json:"sampling"`
	Channel  Channel  `db:"verification_channel" json:"verification_channel"`

	SampleSize                int `db:"sample_size" json:"sample_size"`
	RespondedCount            int `db:"responded_count" json:"responded_count"`
	ReceivedCount             int `db:"received_count" json:"received_count"`
	NotReceivedCount          int `db:"not_received_count" json:"not_received_count"`
	ReceivedWithProblemsCount int `db:"received_with_problems_count" json:"received_with_problems_count"`

	// ConfidenceInterval is a fraction (0.95); MarginOfError a percentage (5).
	ConfidenceInterval *float64 `db:"confidence_interval" json:"confidence_interval,omitempty"`
	MarginOfError      *float64 `db:"margin_of_error" json:"margin_of_error,omitempty"`
	Filters

	ActivationDate    *time.Time `db:"activation_date" json:"activation_date,omitempty"`
	CompletionDate    *time.Time `db:"completion_date" json:"completion_date,omitempty"`
	XlsxFileExporting bool       `db:"xlsx_file_exporting" json:"xlsx_file_exporting"`
	XlsxFileImported  bool       `db:"xlsx_file_imported" json:"xlsx_file_imported"`
	Error             string     `db:"error" json:"error,omitempty"`
	RapidProFlowID    string     `db:"rapid_pro_flow_id" json:"rapid_pro_flow_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Plan) Parent() PlanRef { return PlanRef{Kind: p.ParentKind, ID: p.ParentID} }

// CanActivate is false while the campaign is PENDING or RAPID_PRO_ERROR.
func (p *Plan) CanActivate() bool {
	return p.Status != StatusPending && p.Status != StatusRapidProError
}

// SetPending returns the campaign to PENDING and forgets every response.
func (p *Plan) SetPending() {
	p.Status = StatusPending
	p.RespondedCount = 0
	p.ReceivedCount = 0
	p.NotReceivedCount = 0
	p.ReceivedWithProblemsCount = 0
	p.ActivationDate = nil
	p.CompletionDate = nil
	p.Error = ""
}

// Verification is the record for one sampled payment.
type Verification struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	PlanID         uuid.UUID           `db:"payment_verification_plan_id" json:"payment_verification_plan_id"`
	PaymentKind    PaymentKind         `db:"payment_content_type" json:"payment_kind"`
	PaymentID      uuid.UUID           `db:"payment_object_id" json:"payment_id"`
	Status         RecordStatus        `db:"status" json:"status"`
	StatusDate     *time.Time          `db:"status_date" json:"status_date,omitempty"`
	ReceivedAmount decimal.NullDecimal `db:"received_amount" json:"received_amount"`
	SentToRapidPro bool                `db:"sent_to_rapid_pro" json:"sent_to_rapid_pro"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

func (v *Verification) Payment() PaymentRef { return PaymentRef{Kind: v.PaymentKind, ID: v.PaymentID} }

// IsManuallyEditable allows edits while the record is pending, and for
// window after its last status change otherwise.
func (v *Verification) IsManuallyEditable(now time.Time, window time.Duration) bool {
	if v.Status == RecordPending {
		return true
	}
	if v.StatusDate == nil {
		return false
	}
	return now.Sub(*v.StatusDate) <= window
}

// Summary is the rolled-up verification state of one batch.
type Summary struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	ParentKind     PlanKind      `db:"payment_plan_content_type" json:"payment_plan_kind"`
	ParentID       uuid.UUID     `db:"payment_plan_object_id" json:"payment_plan_id"`
	Status         SummaryStatus `db:"status" json:"status"`
	ActivationDate *time.Time    `db:"activation_date" json:"activation_date,omitempty"`
	CompletionDate *time.Time    `db:"completion_date" json:"completion_date,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

func (s *Summary) Parent() PlanRef { return PlanRef{Kind: s.ParentKind, ID: s.ParentID} }
