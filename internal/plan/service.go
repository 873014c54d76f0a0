// Package plan drives payment plans through their lifecycle: the status
// machine, approvals, aggregates, splits and background actions.
package plan

import (
	"context"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/lock"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
)

type Config struct {
	SplitMaxChunks           int
	SplitMinPaymentsPerChunk int
}

func DefaultConfig() Config {
	return Config{SplitMaxChunks: 50, SplitMinPaymentsPerChunk: 10}
}

type Deps struct {
	Repo       Repository
	Locker     lock.Locker
	Aggregator *Aggregator
	Approvals  *ApprovalCoordinator
	Queue      Enqueuer
	Files      FileStore
	Rules      RuleEngine
	Clock      Clock
	Log        *logger.Logger
}

type Service struct {
	repo       Repository
	locker     lock.Locker
	aggregator *Aggregator
	approvals  *ApprovalCoordinator
	queue      Enqueuer
	files      FileStore
	rules      RuleEngine
	clock      Clock
	log        *logger.Logger
	cfg        Config
}

func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		repo:       d.Repo,
		locker:     d.Locker,
		aggregator: d.Aggregator,
		approvals:  d.Approvals,
		queue:      d.Queue,
		files:      d.Files,
		rules:      d.Rules,
		clock:      d.Clock,
		log:        d.Log,
		cfg:        cfg,
	}
}

// ActionInput carries what every inbound action needs: the plan, the
// version the caller last saw and who is acting.
type ActionInput struct {
	PlanID  uuid.UUID
	Version int64
	ActedBy string
	Comment string
}

// action is the state shared by guards and effects during one operation.
type action struct {
	ctx     context.Context
	tx      Tx
	plan    *Plan
	in      ActionInput
	now     time.Time
	from    Status
	process *ApprovalProcess

	// readOnly skips persisting plan at the end of the operation.
	readOnly bool

	cached []payment.Payment
	loaded bool
}

func (a *action) payments() ([]payment.Payment, error) {
	if a.loaded {
		return a.cached, nil
	}
	ps, err := a.tx.ListPayments(a.ctx, a.plan.ID)
	if err != nil {
		return nil, err
	}
	a.cached, a.loaded = ps, true
	return ps, nil
}

func (a *action) invalidatePayments() { a.cached, a.loaded = nil, false }

// run executes fn under the plan lock inside one transaction, after
// checking the caller's version. The plan is persisted with version+1.
func (s *Service) run(ctx context.Context, in ActionInput, fn func(a *action) error) (*Plan, error) {
	return s.exec(ctx, in, true, fn)
}

// runInternal is run for system-initiated updates, which carry no caller
// version and act on whatever is stored.
func (s *Service) runInternal(ctx context.Context, planID uuid.UUID, fn func(a *action) error) (*Plan, error) {
	return s.exec(ctx, ActionInput{PlanID: planID, ActedBy: "system"}, false, fn)
}

func (s *Service) exec(ctx context.Context, in ActionInput, checkVersion bool, fn func(a *action) error) (*Plan, error) {
	var out *Plan
	err := s.locker.WithLock(ctx, lock.PaymentPlanKey(in.PlanID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			p, err := tx.GetPlan(ctx, in.PlanID)
			if err != nil {
				return err
			}
			if checkVersion && p.Version != in.Version {
				return apperr.Conflict("payment plan %s changed: version %d, got %d", p.ID, p.Version, in.Version)
			}

			a := &action{ctx: ctx, tx: tx, plan: p, in: in, now: s.clock().UTC()}
			if err := fn(a); err != nil {
				return err
			}
			if a.readOnly {
				out = p
				return nil
			}

			p.UpdatedAt = a.now
			if err := tx.UpdatePlan(ctx, p, p.Version); err != nil {
				return err
			}
			out = p
			return nil
		})
	})
	if err != nil {
		s.log.Warn("PLAN", "payment plan %s: %v", in.PlanID, err)
		return nil, err
	}
	return out, nil
}

// Apply fires a status event on the plan. Approval-stage events record a
// sign-off and only advance once the stage's count is met.
func (s *Service) Apply(ctx context.Context, in ActionInput, event Event) (*Plan, error) {
	return s.run(ctx, in, func(a *action) error {
		switch event {
		case EventApprove:
			return s.stageApproval(a, event, ApprovalTypeApproval)
		case EventAuthorize:
			return s.stageApproval(a, event, ApprovalTypeAuthorization)
		case EventReview:
			return s.stageApproval(a, event, ApprovalTypeFinanceRelease)
		case EventReject:
			return s.reject(a)
		}
		return s.fire(a, event)
	})
}

func (s *Service) Lock(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventLock)
}

func (s *Service) Unlock(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventUnlock)
}

func (s *Service) LockFSP(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventLockFSP)
}

func (s *Service) UnlockFSP(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventUnlockFSP)
}

func (s *Service) SendForApproval(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventSendForApproval)
}

func (s *Service) Approve(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventApprove)
}

func (s *Service) Authorize(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventAuthorize)
}

func (s *Service) Review(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventReview)
}

func (s *Service) Reject(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventReject)
}

// Finish marks an accepted plan finished and creates its verification
// summary. Finishing a finished plan only ensures the summary exists.
func (s *Service) Finish(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventFinish)
}

func (s *Service) Abort(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventAbort)
}

func (s *Service) ReactivateAbort(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventReactivateAbort)
}

func (s *Service) Close(ctx context.Context, in ActionInput) (*Plan, error) {
	return s.Apply(ctx, in, EventClose)
}

// Get reads a plan without locking it.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var out *Plan
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPlan(ctx, id)
		out = p
		return err
	})
	return out, err
}

// ApprovalProcess returns the plan's latest approval process, or nil.
func (s *Service) ApprovalProcess(ctx context.Context, id uuid.UUID) (*ApprovalProcess, error) {
	var out *ApprovalProcess
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetPlan(ctx, id); err != nil {
			return err
		}
		ap, err := tx.LatestApprovalProcess(ctx, id)
		out = ap
		return err
	})
	return out, err
}

// RecomputeMoney refreshes the plan's totals outside any status change.
func (s *Service) RecomputeMoney(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	return s.runInternal(ctx, planID, func(a *action) error {
		payments, err := a.payments()
		if err != nil {
			return err
		}
		return s.aggregator.RecomputeMoney(a.ctx, a.plan, payments)
	})
}

// RecomputePopulation refreshes the plan's population counts.
func (s *Service) RecomputePopulation(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	return s.runInternal(ctx, planID, func(a *action) error {
		payments, err := a.payments()
		if err != nil {
			return err
		}
		return s.aggregator.RecomputePopulation(a.ctx, a.plan, payments)
	})
}
