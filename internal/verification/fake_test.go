package verification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/lock"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Repository. A failed transaction restores the
// state it started from.
type memStore struct {
	mu        sync.Mutex
	batches   map[PlanRef][]uuid.UUID
	payments  map[uuid.UUID]payment.Payment
	plans     map[uuid.UUID]Plan
	records   map[uuid.UUID]Verification
	summaries map[PlanRef]Summary

	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		batches:   map[PlanRef][]uuid.UUID{},
		payments:  map[uuid.UUID]payment.Payment{},
		plans:     map[uuid.UUID]Plan{},
		records:   map[uuid.UUID]Verification{},
		summaries: map[PlanRef]Summary{},
	}
}

type memState struct {
	plans     map[uuid.UUID]Plan
	records   map[uuid.UUID]Verification
	summaries map[PlanRef]Summary
}

func (m *memStore) state() memState {
	s := memState{
		plans:     make(map[uuid.UUID]Plan, len(m.plans)),
		records:   make(map[uuid.UUID]Verification, len(m.records)),
		summaries: make(map[PlanRef]Summary, len(m.summaries)),
	}
	for k, v := range m.plans {
		s.plans[k] = v
	}
	for k, v := range m.records {
		s.records[k] = v
	}
	for k, v := range m.summaries {
		s.summaries[k] = v
	}
	return s
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.state()
	if err := fn(ctx, &memTx{m}); err != nil {
		m.plans, m.records, m.summaries = saved.plans, saved.records, saved.summaries
		return err
	}
	return nil
}

func (m *memStore) plan(id uuid.UUID) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[id]
}

func (m *memStore) recordsOf(planID uuid.UUID) []Verification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRecords(planID)
}

func (m *memStore) listRecords(planID uuid.UUID) []Verification {
	var out []Verification
	for _, v := range m.records {
		if v.PlanID == planID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID.String() < out[j].PaymentID.String() })
	return out
}

func (m *memStore) summary(ref PlanRef) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[ref]
	return s, ok
}

type memTx struct{ m *memStore }

func (t *memTx) Resolve(_ context.Context, ref PlanRef) (*Target, error) {
	ids, ok := t.m.batches[ref]
	if !ok {
		return nil, apperr.NotFound("plan", ref)
	}
	target := &Target{Ref: ref}
	for _, id := range ids {
		target.Payments = append(target.Payments, t.m.payments[id])
	}
	return target, nil
}

func (t *memTx) GetPlan(_ context.Context, id uuid.UUID) (*Plan, error) {
	p, ok := t.m.plans[id]
	if !ok {
		return nil, apperr.NotFound("verification plan", id)
	}
	return &p, nil
}

func (t *memTx) ListPlans(_ context.Context, parent PlanRef) ([]Plan, error) {
	var out []Plan
	for _, p := range t.m.plans {
		if p.Parent() == parent {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) CreatePlan(_ context.Context, p *Plan) error {
	t.m.plans[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePlan(_ context.Context, p *Plan) error {
	if _, ok := t.m.plans[p.ID]; !ok {
		return apperr.NotFound("verification plan", p.ID)
	}
	t.m.plans[p.ID] = *p
	return nil
}

func (t *memTx) DeletePlan(_ context.Context, id uuid.UUID) error {
	delete(t.m.plans, id)
	for k, v := range t.m.records {
		if v.PlanID == id {
			delete(t.m.records, k)
		}
	}
	return nil
}

func (t *memTx) GetVerification(_ context.Context, id uuid.UUID) (*Verification, error) {
	v, ok := t.m.records[id]
	if !ok {
		return nil, apperr.NotFound("verification", id)
	}
	return &v, nil
}

func (t *memTx) ListVerifications(_ context.Context, planID uuid.UUID) ([]Verification, error) {
	return t.m.listRecords(planID), nil
}

func (t *memTx) CreateVerifications(_ context.Context, vs []Verification) error {
	for _, v := range vs {
		for _, existing := range t.m.records {
			if existing.PaymentID == v.PaymentID {
				return apperr.Invariant(apperr.CodeDuplicateVerification, "payment %s already verified", v.PaymentID)
			}
		}
		t.m.records[v.ID] = v
	}
	return nil
}

func (t *memTx) UpdateVerification(_ context.Context, v *Verification) error {
	if t.m.updateErr != nil {
		return t.m.updateErr
	}
	t.m.records[v.ID] = *v
	return nil
}

func (t *memTx) DeleteVerifications(_ context.Context, planID uuid.UUID) error {
	for k, v := range t.m.records {
		if v.PlanID == planID {
			delete(t.m.records, k)
		}
	}
	return nil
}

func (t *memTx) VerifiedPayments(_ context.Context, parent PlanRef) (map[uuid.UUID]uuid.UUID, error) {
	out := map[uuid.UUID]uuid.UUID{}
	for _, v := range t.m.records {
		if p, ok := t.m.plans[v.PlanID]; ok && p.Parent() == parent {
			out[v.PaymentID] = v.PlanID
		}
	}
	return out, nil
}

func (t *memTx) GetPayment(_ context.Context, ref PaymentRef) (*payment.Payment, error) {
	p, ok := t.m.payments[ref.ID]
	if !ok {
		return nil, apperr.NotFound("payment", ref.ID)
	}
	return &p, nil
}

func (t *memTx) GetSummary(_ context.Context, parent PlanRef) (*Summary, error) {
	s, ok := t.m.summaries[parent]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *memTx) SaveSummary(_ context.Context, s *Summary) error {
	t.m.summaries[s.Parent()] = *s
	return nil
}

// firstPicker takes the first n indexes so samples are predictable.
type firstPicker struct{}

func (firstPicker) Pick(population, n int) []int {
	out := make([]int, min(n, population))
	for i := range out {
		out[i] = i
	}
	return out
}

type flowStub struct {
	err    error
	calls  int
	phones []string
}

func (f *flowStub) StartFlow(_ context.Context, _ string, phones []string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.phones = append(f.phones, phones...)
	return nil
}

var errFlowDown = errors.New("flow service unavailable")

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type harness struct {
	store *memStore
	flows *flowStub
	now   time.Time
	mgr   *Manager
}

func newHarness() *harness {
	h := &harness{store: newMemStore(), flows: &flowStub{}, now: testNow}
	h.mgr = NewManager(Deps{
		Repo:   h.store,
		Locker: lock.NewLocalLocker(),
		Picker: firstPicker{},
		Flows:  h.flows,
		Clock:  func() time.Time { return h.now },
		Log:    logger.Nop(),
	})
	return h
}

// addBatch registers a payment plan with n delivered payments of 100.
func (h *harness) addBatch(n int, mutate ...func(i int, p *payment.Payment)) PlanRef {
	ref := PaymentPlanRef(uuid.New())
	for i := 0; i < n; i++ {
		p := payment.Payment{
			ID:                   uuid.New(),
			ParentID:             ref.ID,
			HouseholdID:          uuid.New(),
			HeadOfHouseholdPhone: "+93 700 123 456",
			HeadOfHouseholdSex:   "FEMALE",
			AdminArea:            "AF01",
			Currency:             "AFN",
			EntitlementQuantity:  decimal.NewNullDecimal(decimal.NewFromInt(100)),
			DeliveredQuantity:    decimal.NewNullDecimal(decimal.NewFromInt(100)),
			Status:               payment.StatusDistributionSuccess,
		}
		for _, m := range mutate {
			m(i, &p)
		}
		h.store.payments[p.ID] = p
		h.store.batches[ref] = append(h.store.batches[ref], p.ID)
	}
	return ref
}

func fullList(channel Channel) SamplingInput {
	in := SamplingInput{Sampling: SamplingFullList, Channel: channel}
	if channel == ChannelRapidPro {
		in.RapidProFlowID = "flow-1"
	}
	return in
}

func float(v float64) *float64 { return &v }
