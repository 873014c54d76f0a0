package plan

import (
	"github.com/farxc/disbursement/internal/apperr"
)

type Event string

const (
	EventOpenTargeting        Event = "OPEN_TARGETING"
	EventTPLock               Event = "TP_LOCK"
	EventTPUnlock             Event = "TP_UNLOCK"
	EventTPRuleEngineRun      Event = "TP_RULE_ENGINE_RUN"
	EventTPRuleEngineFail     Event = "TP_RULE_ENGINE_FAIL"
	EventTPRuleEngineComplete Event = "TP_RULE_ENGINE_COMPLETE"
	EventOpen                 Event = "OPEN"
	EventLock                 Event = "LOCK"
	EventUnlock               Event = "UNLOCK"
	EventLockFSP              Event = "LOCK_FSP"
	EventUnlockFSP            Event = "UNLOCK_FSP"
	EventSendForApproval      Event = "SEND_FOR_APPROVAL"
	EventApprove              Event = "APPROVE"
	EventAuthorize            Event = "AUTHORIZE"
	EventReview               Event = "REVIEW"
	EventReject               Event = "REJECT"
	EventFinish               Event = "FINISH"
	EventAbort                Event = "ABORT"
	EventReactivateAbort      Event = "REACTIVATE_ABORT"
	EventClose                Event = "CLOSE"
)

// hook is a guard or effect run against the action in flight.
type hook func(s *Service, a *action) error

// rule declares that event moves a plan from any of from to to. An empty to
// means the effect chooses the next status.
type rule struct {
	event  Event
	from   []Status
	to     Status
	guard  hook
	effect hook
}

var rules = []rule{
	{event: EventOpenTargeting, from: []Status{StatusDraft}, to: StatusTPOpen},
	{event: EventTPLock, from: []Status{StatusTPOpen}, to: StatusTPLocked},
	{event: EventTPUnlock, from: []Status{StatusTPLocked, StatusTPSteficonError}, to: StatusTPOpen},
	{event: EventTPRuleEngineRun, from: []Status{StatusTPLocked, StatusTPSteficonError}, to: StatusTPSteficonWait},
	{event: EventTPRuleEngineFail, from: []Status{StatusTPSteficonWait}, to: StatusTPSteficonError},
	{event: EventTPRuleEngineComplete, from: []Status{StatusTPSteficonWait}, to: StatusTPLocked},
	{event: EventOpen, from: []Status{StatusTPLocked}, to: StatusOpen},

	{event: EventLock, from: []Status{StatusOpen}, to: StatusLocked, guard: (*Service).hasEligiblePayments, effect: (*Service).recomputeAll},
	{event: EventUnlock, from: []Status{StatusLocked}, to: StatusOpen},
	{event: EventLockFSP, from: []Status{StatusLocked}, to: StatusLockedFSP, effect: clearBackgroundError},
	{event: EventUnlockFSP, from: []Status{StatusLockedFSP}, to: StatusLocked},
	{event: EventSendForApproval, from: []Status{StatusLockedFSP}, to: StatusInApproval, effect: (*Service).startApprovalProcess},
	{event: EventApprove, from: []Status{StatusInApproval}, to: StatusInAuthorization, effect: markSentForAuthorization},
	{event: EventAuthorize, from: []Status{StatusInAuthorization}, to: StatusInReview, effect: markSentForFinanceRelease},
	{event: EventReview, from: []Status{StatusInReview}, to: StatusAccepted},
	{event: EventReject, from: []Status{StatusInApproval, StatusInAuthorization, StatusInReview}, to: StatusLockedFSP},
	{event: EventFinish, from: []Status{StatusAccepted, StatusFinished}, to: StatusFinished, effect: ensureVerificationSummary},

	{event: EventAbort, from: []Status{StatusLocked, StatusLockedFSP, StatusInApproval, StatusInAuthorization, StatusInReview, StatusAccepted}, to: StatusAborted, guard: requireComment, effect: rememberStatusBeforeAbort},
	{event: EventReactivateAbort, from: []Status{StatusAborted}, effect: restoreStatusBeforeAbort},
	{event: EventClose, from: []Status{StatusFinished}, to: StatusClosed},
}

type transitionKey struct {
	from  Status
	event Event
}

type edge struct {
	to     Status
	guard  hook
	effect hook
}

var transitions = buildTransitions(rules)

func buildTransitions(rs []rule) map[transitionKey]edge {
	t := make(map[transitionKey]edge)
	for _, r := range rs {
		for _, from := range r.from {
			t[transitionKey{from, r.event}] = edge{to: r.to, guard: r.guard, effect: r.effect}
		}
	}
	return t
}

// Allowed reports whether event is defined for a plan in status from.
func Allowed(from Status, event Event) bool {
	_, ok := transitions[transitionKey{from, event}]
	return ok
}

func invalidTransition(from Status, event Event) error {
	return apperr.Invariant(apperr.CodeInvalidTransition, "cannot apply %s to a payment plan in status %s", event, from)
}

// fire moves a.plan along event: guard, status change, effect. Any error
// leaves the transaction to roll back.
func (s *Service) fire(a *action, event Event) error {
	from := a.plan.Status
	e, ok := transitions[transitionKey{from, event}]
	if !ok {
		return invalidTransition(from, event)
	}
	if bg := a.plan.Background(); isBackgroundRunning(bg) {
		return apperr.Invariant(apperr.CodeBackgroundActionBusy, "cannot apply %s while payment plan %s is busy with %s", event, a.plan.ID, bg)
	}

	if e.guard != nil {
		if err := e.guard(s, a); err != nil {
			return err
		}
	}

	a.from = from
	if e.to != "" {
		a.plan.Status = e.to
	}

	if e.effect != nil {
		if err := e.effect(s, a); err != nil {
			return err
		}
	}

	s.log.Info("PLAN", "payment plan %s: %s -> %s (%s by %s)", a.plan.ID, from, a.plan.Status, event, a.in.ActedBy)
	return nil
}

func (s *Service) hasEligiblePayments(a *action) error {
	payments, err := a.payments()
	if err != nil {
		return err
	}
	for i := range payments {
		if payments[i].Eligible() {
			return nil
		}
	}
	return apperr.Invariant(apperr.CodeNoEligiblePayments, "payment plan %s has no eligible payments", a.plan.ID)
}

func (s *Service) recomputeAll(a *action) error {
	payments, err := a.payments()
	if err != nil {
		return err
	}
	if err := s.aggregator.RecomputeMoney(a.ctx, a.plan, payments); err != nil {
		return err
	}
	return s.aggregator.RecomputePopulation(a.ctx, a.plan, payments)
}

func clearBackgroundError(_ *Service, a *action) error {
	if isBackgroundError(a.plan.Background()) {
		a.plan.setBackground("")
	}
	return nil
}

func requireComment(_ *Service, a *action) error {
	if a.in.Comment == "" {
		return &apperr.Error{Kind: apperr.KindValidation, Code: apperr.CodeCommentRequired, Field: "comment", Message: "a comment is required"}
	}
	return nil
}

func rememberStatusBeforeAbort(_ *Service, a *action) error {
	prev := a.from
	a.plan.StatusBeforeAbort = &prev
	a.plan.AbortComment = a.in.Comment
	return nil
}

func restoreStatusBeforeAbort(_ *Service, a *action) error {
	if a.plan.StatusBeforeAbort == nil {
		return apperr.Invariant(apperr.CodeInvalidTransition, "payment plan %s has no status to reactivate", a.plan.ID)
	}
	a.plan.Status = *a.plan.StatusBeforeAbort
	a.plan.StatusBeforeAbort = nil
	a.plan.AbortComment = ""
	return nil
}

func markSentForAuthorization(_ *Service, a *action) error {
	now := a.now
	a.process.SentForAuthorizationBy = a.in.ActedBy
	a.process.SentForAuthorizationDate = &now
	return nil
}

func markSentForFinanceRelease(_ *Service, a *action) error {
	now := a.now
	a.process.SentForFinanceReleaseBy = a.in.ActedBy
	a.process.SentForFinanceReleaseDate = &now
	return nil
}

func ensureVerificationSummary(_ *Service, a *action) error {
	return a.tx.EnsureVerificationSummary(a.ctx, a.plan.ID)
}
