// Package verification runs sampling campaigns that confirm beneficiaries
// received their payments, and rolls their state up per batch.
package verification

import (
	"context"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/lock"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultEditWindow = 10 * time.Minute

type Deps struct {
	Repo       Repository
	Locker     lock.Locker
	Sampler    Sampler
	Picker     Picker
	Flows      FlowStarter
	Clock      func() time.Time
	EditWindow time.Duration
	Log        *logger.Logger
}

type Manager struct {
	repo       Repository
	locker     lock.Locker
	sampler    Sampler
	picker     Picker
	flows      FlowStarter
	clock      func() time.Time
	editWindow time.Duration
	log        *logger.Logger
}

func NewManager(d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.EditWindow <= 0 {
		d.EditWindow = DefaultEditWindow
	}
	if d.Sampler == nil {
		d.Sampler = CochranSampler{}
	}
	if d.Picker == nil {
		d.Picker = NewRandPicker(uint64(d.Clock().UnixNano()))
	}
	return &Manager{
		repo:       d.Repo,
		locker:     d.Locker,
		sampler:    d.Sampler,
		picker:     d.Picker,
		flows:      d.Flows,
		clock:      d.Clock,
		editWindow: d.EditWindow,
		log:        d.Log,
	}
}

// SamplingInput configures how a campaign selects its records.
type SamplingInput struct {
	Sampling           Sampling
	Channel            Channel
	ConfidenceInterval *float64
	MarginOfError      *float64
	Filters            Filters
	RapidProFlowID     string
}

func (in SamplingInput) validate() error {
	switch in.Sampling {
	case SamplingFullList:
	case SamplingRandom:
		if in.ConfidenceInterval == nil || in.MarginOfError == nil {
			return apperr.Validation("sampling", "random sampling requires confidence_interval and margin_of_error")
		}
	default:
		return apperr.Validation("sampling", "unknown sampling %q", in.Sampling)
	}
	switch in.Channel {
	case ChannelManual, ChannelXLSX:
	case ChannelRapidPro:
		if in.RapidProFlowID == "" {
			return apperr.Validation("rapid_pro_flow_id", "required for the RAPIDPRO channel")
		}
	default:
		return apperr.Validation("verification_channel", "unknown channel %q", in.Channel)
	}
	return nil
}

// withParent runs fn in a transaction while holding the lock of the batch
// the campaigns belong to. That lock serialises sampling, counters and the
// summary of one batch.
func (m *Manager) withParent(ctx context.Context, parent PlanRef, fn func(ctx context.Context, tx Tx) error) error {
	return m.locker.WithLock(ctx, lock.VerificationSummaryKey(parent.ID), func(ctx context.Context) error {
		return m.repo.InTx(ctx, fn)
	})
}

func (m *Manager) parentOf(ctx context.Context, planID uuid.UUID) (PlanRef, error) {
	var ref PlanRef
	err := m.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		ref = p.Parent()
		return nil
	})
	return ref, err
}

// withPlan locks the campaign's batch and hands fn the freshly read campaign.
func (m *Manager) withPlan(ctx context.Context, planID uuid.UUID, fn func(ctx context.Context, tx Tx, p *Plan) error) error {
	parent, err := m.parentOf(ctx, planID)
	if err != nil {
		return err
	}
	return m.withParent(ctx, parent, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		return fn(ctx, tx, p)
	})
}

func (m *Manager) sample(available []payment.Payment, in SamplingInput, now time.Time) ([]payment.Payment, error) {
	filters := in.Filters.applicable(in.Sampling)
	pool := make([]payment.Payment, 0, len(available))
	for i := range available {
		if filters.Match(&available[i], now) {
			pool = append(pool, available[i])
		}
	}
	if in.Sampling == SamplingFullList {
		return pool, nil
	}

	n, err := m.sampler.SampleSize(len(pool), *in.ConfidenceInterval, *in.MarginOfError)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return nil, err
		}
		return nil, apperr.External(apperr.CodeSampling, err, "failed to size sample")
	}
	n = min(n, len(pool))

	picked := make([]payment.Payment, 0, n)
	for _, i := range m.picker.Pick(len(pool), n) {
		picked = append(picked, pool[i])
	}
	return picked, nil
}

// fill samples records for p from its batch and stores them.
func (m *Manager) fill(ctx context.Context, tx Tx, p *Plan, in SamplingInput, now time.Time) error {
	target, err := tx.Resolve(ctx, p.Parent())
	if err != nil {
		return err
	}
	taken, err := tx.VerifiedPayments(ctx, p.Parent())
	if err != nil {
		return err
	}

	available := AvailablePayments(target.Payments, taken, p.ID, in.Channel)
	picked, err := m.sample(available, in, now)
	if err != nil {
		return err
	}
	if len(picked) == 0 {
		return apperr.Invariant(apperr.CodeNoEligiblePayments, "no payments of %s are available for verification", p.Parent())
	}

	kind := p.Parent().PaymentKind()
	records := make([]Verification, len(picked))
	for i, pay := range picked {
		records[i] = Verification{
			ID:          uuid.New(),
			PlanID:      p.ID,
			PaymentKind: kind,
			PaymentID:   pay.ID,
			Status:      RecordPending,
			CreatedAt:   now,
		}
	}
	if err := tx.CreateVerifications(ctx, records); err != nil {
		return err
	}
	p.SampleSize = len(records)
	return nil
}

func (p *Plan) applySampling(in SamplingInput) {
	p.Sampling = in.Sampling
	p.Channel = in.Channel
	p.ConfidenceInterval = in.ConfidenceInterval
	p.MarginOfError = in.MarginOfError
	p.Filters = in.Filters
	p.RapidProFlowID = in.RapidProFlowID
}

// Create samples a new PENDING campaign for parent.
func (m *Manager) Create(ctx context.Context, parent PlanRef, in SamplingInput) (*Plan, error) {
	if err := parent.Validate(); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var out *Plan
	err := m.withParent(ctx, parent, func(ctx context.Context, tx Tx) error {
		now := m.clock().UTC()
		p := &Plan{
			ID:         uuid.New(),
			ParentKind: parent.Kind,
			ParentID:   parent.ID,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		p.applySampling(in)
		if err := tx.CreatePlan(ctx, p); err != nil {
			return err
		}
		if err := m.fill(ctx, tx, p, in, now); err != nil {
			return err
		}
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		out = p
		return m.recomputeSummary(ctx, tx, parent, now)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("VERIFICATION", "verification plan %s created for %s with %d records", out.ID, parent, out.SampleSize)
	return out, nil
}

// Update re-samples a PENDING campaign with new settings.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, in SamplingInput) (*Plan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var out *Plan
	err := m.withPlan(ctx, id, func(ctx context.Context, tx Tx, p *Plan) error {
		if p.Status != StatusPending {
			return invalidStatus(p, "update")
		}
		now := m.clock().UTC()
		if err := tx.DeleteVerifications(ctx, p.ID); err != nil {
			return err
		}
		p.applySampling(in)
		if err := m.fill(ctx, tx, p, in, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		out = p
		return tx.UpdatePlan(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func invalidStatus(p *Plan, op string) error {
	return apperr.Invariant(apperr.CodeInvalidTransition, "cannot %s verification plan %s in status %s", op, p.ID, p.Status)
}

// transition applies change to the campaign under the batch lock, then
// refreshes the batch summary in the same transaction.
func (m *Manager) transition(ctx context.Context, id uuid.UUID, op string, change func(ctx context.Context, tx Tx, p *Plan, now time.Time) error) (*Plan, error) {
	var out *Plan
	err := m.withPlan(ctx, id, func(ctx context.Context, tx Tx, p *Plan) error {
		now := m.clock().UTC()
		if err := change(ctx, tx, p, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		out = p
		return m.recomputeSummary(ctx, tx, p.Parent(), now)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("VERIFICATION", "verification plan %s: %s -> %s", id, op, out.Status)
	return out, nil
}

// Activate opens the campaign for responses. For RAPIDPRO it also starts
// the messaging flow; a flow failure is stored on the campaign as
// RAPID_PRO_ERROR and returned. Activating from RAPID_PRO_ERROR retries.
// Store failures roll the whole activation back.
func (m *Manager) Activate(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var flowErr error
	p, err := m.transition(ctx, id, "activate", func(ctx context.Context, tx Tx, p *Plan, now time.Time) error {
		if p.CanActivate() {
			return invalidStatus(p, "activate")
		}
		if p.Channel == ChannelRapidPro {
			var err error
			if flowErr, err = m.startFlow(ctx, tx, p); err != nil {
				return err
			}
			if flowErr != nil {
				p.Status = StatusRapidProError
				p.Error = flowErr.Error()
				return nil
			}
		}
		p.Status = StatusActive
		p.ActivationDate = &now
		p.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if flowErr != nil {
		return p, apperr.External(apperr.CodeChannel, flowErr, "failed to start flow for verification plan %s", id)
	}
	return p, nil
}

// startFlow sends the flow to every record not yet sent. A refusal from the
// flow service comes back as flowErr; store failures come back as err.
func (m *Manager) startFlow(ctx context.Context, tx Tx, p *Plan) (flowErr, err error) {
	records, err := tx.ListVerifications(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	phones := make([]string, 0, len(records))
	pending := make([]*Verification, 0, len(records))
	for i := range records {
		if records[i].SentToRapidPro {
			continue
		}
		pay, err := tx.GetPayment(ctx, records[i].Payment())
		if err != nil {
			return nil, err
		}
		phones = append(phones, pay.HeadOfHouseholdPhone)
		pending = append(pending, &records[i])
	}
	if len(phones) == 0 {
		return nil, nil
	}

	if err := m.flows.StartFlow(ctx, p.RapidProFlowID, phones); err != nil {
		m.log.Warn("VERIFICATION", "verification plan %s: flow %s not started: %v", p.ID, p.RapidProFlowID, err)
		return err, nil
	}
	for _, v := range pending {
		v.SentToRapidPro = true
		if err := tx.UpdateVerification(ctx, v); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Finish closes an ACTIVE campaign.
func (m *Manager) Finish(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return m.transition(ctx, id, "finish", func(_ context.Context, _ Tx, p *Plan, now time.Time) error {
		if p.Status != StatusActive {
			return invalidStatus(p, "finish")
		}
		p.Status = StatusFinished
		p.CompletionDate = &now
		return nil
	})
}

// Invalidate marks an ACTIVE campaign unusable, recording why.
func (m *Manager) Invalidate(ctx context.Context, id uuid.UUID, reason string) (*Plan, error) {
	return m.transition(ctx, id, "invalidate", func(_ context.Context, _ Tx, p *Plan, _ time.Time) error {
		if p.Status != StatusActive {
			return invalidStatus(p, "invalidate")
		}
		p.Status = StatusInvalid
		p.Error = reason
		return nil
	})
}

// MarkRapidProError records a messaging failure reported after activation.
func (m *Manager) MarkRapidProError(ctx context.Context, id uuid.UUID, cause string) (*Plan, error) {
	return m.transition(ctx, id, "mark rapid pro error", func(_ context.Context, _ Tx, p *Plan, _ time.Time) error {
		if p.Status != StatusActive {
			return invalidStatus(p, "mark rapid pro error on")
		}
		p.Status = StatusRapidProError
		p.Error = cause
		return nil
	})
}

// SetPending resets a started campaign, dropping every response.
func (m *Manager) SetPending(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return m.transition(ctx, id, "reset", resetToPending)
}

func resetToPending(ctx context.Context, tx Tx, p *Plan, _ time.Time) error {
	switch p.Status {
	case StatusActive, StatusInvalid, StatusRapidProError:
	default:
		return invalidStatus(p, "reset")
	}
	records, err := tx.ListVerifications(ctx, p.ID)
	if err != nil {
		return err
	}
	for i := range records {
		v := &records[i]
		if v.Status == RecordPending && !v.ReceivedAmount.Valid && !v.SentToRapidPro {
			continue
		}
		v.Status = RecordPending
		v.StatusDate = nil
		v.ReceivedAmount = decimal.NullDecimal{}
		v.SentToRapidPro = false
		if err := tx.UpdateVerification(ctx, v); err != nil {
			return err
		}
	}
	p.SetPending()
	return nil
}

// Discard deletes a PENDING campaign with its records, or resets a started
// one to PENDING. It returns nil when the campaign was deleted.
func (m *Manager) Discard(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var out *Plan
	deleted := false
	err := m.withPlan(ctx, id, func(ctx context.Context, tx Tx, p *Plan) error {
		now := m.clock().UTC()
		if p.Status == StatusPending {
			if err := tx.DeletePlan(ctx, p.ID); err != nil {
				return err
			}
			deleted = true
			return m.recomputeSummary(ctx, tx, p.Parent(), now)
		}

		if err := resetToPending(ctx, tx, p, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		out = p
		return m.recomputeSummary(ctx, tx, p.Parent(), now)
	})
	if err != nil {
		return nil, err
	}
	if deleted {
		m.log.Info("VERIFICATION", "verification plan %s discarded", id)
	}
	return out, nil
}

type EditInput struct {
	VerificationID uuid.UUID
	Status         RecordStatus
	ReceivedAmount decimal.NullDecimal
}

// EditVerification records a manual response on an ACTIVE MANUAL campaign.
func (m *Manager) EditVerification(ctx context.Context, in EditInput) (*Verification, error) {
	var planID uuid.UUID
	err := m.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := tx.GetVerification(ctx, in.VerificationID)
		if err != nil {
			return err
		}
		planID = v.PlanID
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out *Verification
	err = m.withPlan(ctx, planID, func(ctx context.Context, tx Tx, p *Plan) error {
		if p.Channel != ChannelManual {
			return illegal("verification plan %s collects responses through %s, not manually", p.ID, p.Channel)
		}
		if p.Status != StatusActive {
			return invalidStatus(p, "edit verifications of")
		}

		v, err := tx.GetVerification(ctx, in.VerificationID)
		if err != nil {
			return err
		}
		now := m.clock().UTC()
		if !v.IsManuallyEditable(now, m.editWindow) {
			return apperr.Invariant(apperr.CodeEditWindowClosed, "verification %s can no longer be edited", v.ID)
		}

		if err := m.record(ctx, tx, v, in.Status, in.ReceivedAmount, now); err != nil {
			return err
		}
		out = v
		return m.recount(ctx, tx, p, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) record(ctx context.Context, tx Tx, v *Verification, status RecordStatus, received decimal.NullDecimal, now time.Time) error {
	pay, err := tx.GetPayment(ctx, v.Payment())
	if err != nil {
		return err
	}
	if err := ValidateRecord(status, received, pay.DeliveredQuantity); err != nil {
		return err
	}
	v.Status = status
	v.ReceivedAmount = received
	v.StatusDate = &now
	return tx.UpdateVerification(ctx, v)
}

func (m *Manager) recount(ctx context.Context, tx Tx, p *Plan, now time.Time) error {
	records, err := tx.ListVerifications(ctx, p.ID)
	if err != nil {
		return err
	}
	CalculateCounts(p, records)
	p.UpdatedAt = now
	return tx.UpdatePlan(ctx, p)
}

// ChannelResult is one response collected by a spreadsheet or flow.
type ChannelResult struct {
	VerificationID uuid.UUID
	Status         RecordStatus
	ReceivedAmount decimal.NullDecimal
}

// ApplyChannelResults stores responses gathered outside the manual channel.
// They are not subject to the edit window. A spreadsheet import marks the
// campaign as imported.
func (m *Manager) ApplyChannelResults(ctx context.Context, planID uuid.UUID, results []ChannelResult) (*Plan, error) {
	var out *Plan
	err := m.withPlan(ctx, planID, func(ctx context.Context, tx Tx, p *Plan) error {
		if p.Channel == ChannelManual {
			return illegal("verification plan %s only accepts manual responses", p.ID)
		}
		if p.Status != StatusActive {
			return invalidStatus(p, "import responses into")
		}

		now := m.clock().UTC()
		for _, r := range results {
			v, err := tx.GetVerification(ctx, r.VerificationID)
			if err != nil {
				return err
			}
			if v.PlanID != p.ID {
				return apperr.Validation("verification_id", "verification %s does not belong to plan %s", v.ID, p.ID)
			}
			if err := m.record(ctx, tx, v, r.Status, r.ReceivedAmount, now); err != nil {
				return err
			}
		}
		if p.Channel == ChannelXLSX {
			p.XlsxFileImported = true
		}
		out = p
		return m.recount(ctx, tx, p, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recomputeSummary rolls the batch's campaigns up into its summary,
// creating the summary when absent.
func (m *Manager) recomputeSummary(ctx context.Context, tx Tx, parent PlanRef, now time.Time) error {
	plans, err := tx.ListPlans(ctx, parent)
	if err != nil {
		return err
	}
	statuses := make([]Status, len(plans))
	for i := range plans {
		statuses[i] = plans[i].Status
	}

	s, err := tx.GetSummary(ctx, parent)
	if err != nil {
		return err
	}
	if s == nil {
		s = newSummary(parent, now)
	}

	next := RollupStatus(statuses)
	switch next {
	case SummaryActive:
		if s.ActivationDate == nil {
			s.ActivationDate = &now
		}
		s.CompletionDate = nil
	case SummaryFinished:
		if s.Status != SummaryFinished || s.CompletionDate == nil {
			s.CompletionDate = &now
		}
	case SummaryPending:
		s.ActivationDate = nil
		s.CompletionDate = nil
	}
	s.Status = next
	return tx.SaveSummary(ctx, s)
}

func newSummary(parent PlanRef, now time.Time) *Summary {
	return &Summary{
		ID:         uuid.New(),
		ParentKind: parent.Kind,
		ParentID:   parent.ID,
		Status:     SummaryPending,
		CreatedAt:  now,
	}
}

// RecomputeSummary refreshes the summary of parent.
func (m *Manager) RecomputeSummary(ctx context.Context, parent PlanRef) (*Summary, error) {
	var out *Summary
	err := m.withParent(ctx, parent, func(ctx context.Context, tx Tx) error {
		if err := m.recomputeSummary(ctx, tx, parent, m.clock().UTC()); err != nil {
			return err
		}
		s, err := tx.GetSummary(ctx, parent)
		out = s
		return err
	})
	return out, err
}

// CreateSummaryIfAbsent makes sure parent has a summary.
func (m *Manager) CreateSummaryIfAbsent(ctx context.Context, parent PlanRef) (*Summary, error) {
	if err := parent.Validate(); err != nil {
		return nil, err
	}
	var out *Summary
	err := m.withParent(ctx, parent, func(ctx context.Context, tx Tx) error {
		s, err := tx.GetSummary(ctx, parent)
		if err != nil {
			return err
		}
		if s == nil {
			s = newSummary(parent, m.clock().UTC())
			if err := tx.SaveSummary(ctx, s); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	return out, err
}

// Get returns a campaign with its records.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Plan, []Verification, error) {
	var (
		p       *Plan
		records []Verification
	)
	err := m.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if p, err = tx.GetPlan(ctx, id); err != nil {
			return err
		}
		records, err = tx.ListVerifications(ctx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return p, records, nil
}

// Summary returns the batch summary, or a not-found error.
func (m *Manager) Summary(ctx context.Context, parent PlanRef) (*Summary, error) {
	var out *Summary
	err := m.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		s, err := tx.GetSummary(ctx, parent)
		if err != nil {
			return err
		}
		if s == nil {
			return apperr.NotFound("verification summary", parent)
		}
		out = s
		return nil
	})
	return out, err
}
