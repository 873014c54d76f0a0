package verification

import (
	"context"

	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
)

// Target is a resolved batch with the payments it owns. Legacy payment
// records are presented as payments.
type Target struct {
	Ref      PlanRef
	Payments []payment.Payment
}

// Resolver turns a PlanRef into the batch it names, whatever its kind.
type Resolver interface {
	Resolve(ctx context.Context, ref PlanRef) (*Target, error)
}

type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Resolver

	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context, parent PlanRef) ([]Plan, error)
	CreatePlan(ctx context.Context, p *Plan) error
	UpdatePlan(ctx context.Context, p *Plan) error
	// DeletePlan removes the campaign and its verification records.
	DeletePlan(ctx context.Context, id uuid.UUID) error

	GetVerification(ctx context.Context, id uuid.UUID) (*Verification, error)
	ListVerifications(ctx context.Context, planID uuid.UUID) ([]Verification, error)
	// CreateVerifications fails with CodeDuplicateVerification when a
	// payment already has a record.
	CreateVerifications(ctx context.Context, vs []Verification) error
	UpdateVerification(ctx context.Context, v *Verification) error
	DeleteVerifications(ctx context.Context, planID uuid.UUID) error
	// VerifiedPayments maps every payment of parent already sampled to the
	// campaign holding it.
	VerifiedPayments(ctx context.Context, parent PlanRef) (map[uuid.UUID]uuid.UUID, error)

	GetPayment(ctx context.Context, ref PaymentRef) (*payment.Payment, error)

	// GetSummary returns nil when the batch has no summary yet.
	GetSummary(ctx context.Context, parent PlanRef) (*Summary, error)
	SaveSummary(ctx context.Context, s *Summary) error
}

// Sampler sizes a random sample for a population.
type Sampler interface {
	SampleSize(population int, confidence, marginOfError float64) (int, error)
}

// Picker chooses n distinct indexes out of [0, population).
type Picker interface {
	Pick(population, n int) []int
}

// FlowStarter starts a messaging flow asking each phone to confirm receipt.
type FlowStarter interface {
	StartFlow(ctx context.Context, flowID string, phones []string) error
}
