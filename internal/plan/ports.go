package plan

import (
	"context"
	"io"
	"time"

	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository opens the transactions every plan action runs in. An error
// returned by fn rolls the transaction back.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view of plan storage.
type Tx interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	CreatePlan(ctx context.Context, p *Plan) error
	// UpdatePlan persists p only if the stored version still equals
	// expected, then sets p.Version to expected+1.
	UpdatePlan(ctx context.Context, p *Plan, expected int64) error

	ListPayments(ctx context.Context, planID uuid.UUID) ([]payment.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	UpdatePayment(ctx context.Context, p *payment.Payment) error
	// CreatePayments fails with CodeDuplicatePayment when a household already
	// has a live payment in the same plan.
	CreatePayments(ctx context.Context, ps []payment.Payment) error

	// LatestApprovalProcess returns the newest process with its approvals,
	// or nil when the plan was never sent for approval.
	LatestApprovalProcess(ctx context.Context, planID uuid.UUID) (*ApprovalProcess, error)
	CreateApprovalProcess(ctx context.Context, ap *ApprovalProcess) error
	UpdateApprovalProcess(ctx context.Context, ap *ApprovalProcess) error
	AddApproval(ctx context.Context, a *Approval) error

	ListSplits(ctx context.Context, planID uuid.UUID) ([]Split, error)
	// ReplaceSplits drops the plan's current splits and stores splits,
	// pointing each listed payment at its new split.
	ReplaceSplits(ctx context.Context, planID uuid.UUID, splits []Split) error
	UpdateSplit(ctx context.Context, s *Split) error

	// EnsureVerificationSummary creates the plan's verification summary
	// when it does not exist yet.
	EnsureVerificationSummary(ctx context.Context, planID uuid.UUID) error
}

type ThresholdSource interface {
	Thresholds(ctx context.Context, businessAreaID uuid.UUID) ([]Threshold, error)
}

// Registry reads household members for population counts.
type Registry interface {
	Individuals(ctx context.Context, householdIDs []uuid.UUID) ([]Individual, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// RuleEngine computes a payment's entitlement in plan currency.
type RuleEngine interface {
	Entitlement(ctx context.Context, p *Plan, pay *payment.Payment) (decimal.Decimal, error)
}

type Clock func() time.Time
