package plan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/lock"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/money"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Repository. A failed transaction restores the
// snapshot taken when it began.
type memStore struct {
	mu        sync.Mutex
	plans     map[uuid.UUID]Plan
	payments  map[uuid.UUID]payment.Payment
	processes []ApprovalProcess
	approvals []Approval
	splits    map[uuid.UUID][]Split
	summaries map[uuid.UUID]bool
	seq       int
}

func newMemStore() *memStore {
	return &memStore{
		plans:     map[uuid.UUID]Plan{},
		payments:  map[uuid.UUID]payment.Payment{},
		splits:    map[uuid.UUID][]Split{},
		summaries: map[uuid.UUID]bool{},
	}
}

type memSnapshot struct {
	plans     map[uuid.UUID]Plan
	payments  map[uuid.UUID]payment.Payment
	processes []ApprovalProcess
	approvals []Approval
	splits    map[uuid.UUID][]Split
	summaries map[uuid.UUID]bool
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		plans:     make(map[uuid.UUID]Plan, len(m.plans)),
		payments:  make(map[uuid.UUID]payment.Payment, len(m.payments)),
		processes: append([]ApprovalProcess(nil), m.processes...),
		approvals: append([]Approval(nil), m.approvals...),
		splits:    make(map[uuid.UUID][]Split, len(m.splits)),
		summaries: make(map[uuid.UUID]bool, len(m.summaries)),
	}
	for k, v := range m.plans {
		s.plans[k] = v
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.splits {
		s.splits[k] = append([]Split(nil), v...)
	}
	for k, v := range m.summaries {
		s.summaries[k] = v
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.plans, m.payments, m.processes, m.approvals, m.splits, m.summaries =
		s.plans, s.payments, s.processes, s.approvals, s.splits, s.summaries
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) plan(id uuid.UUID) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[id]
}

func (m *memStore) payment(id uuid.UUID) payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

type memTx struct{ m *memStore }

func (t *memTx) GetPlan(_ context.Context, id uuid.UUID) (*Plan, error) {
	p, ok := t.m.plans[id]
	if !ok {
		return nil, apperr.NotFound("payment plan", id)
	}
	return &p, nil
}

func (t *memTx) CreatePlan(_ context.Context, p *Plan) error {
	t.m.plans[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePlan(_ context.Context, p *Plan, expected int64) error {
	cur, ok := t.m.plans[p.ID]
	if !ok {
		return apperr.NotFound("payment plan", p.ID)
	}
	if cur.Version != expected {
		return apperr.Conflict("payment plan %s changed", p.ID)
	}
	p.Version = expected + 1
	t.m.plans[p.ID] = *p
	return nil
}

func (t *memTx) ListPayments(_ context.Context, planID uuid.UUID) ([]payment.Payment, error) {
	var out []payment.Payment
	for _, p := range t.m.payments {
		if p.ParentID == planID && !p.IsRemoved {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *memTx) GetPayment(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	p, ok := t.m.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id)
	}
	return &p, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *payment.Payment) error {
	t.m.payments[p.ID] = *p
	return nil
}

func (t *memTx) CreatePayments(_ context.Context, ps []payment.Payment) error {
	for _, p := range ps {
		t.m.payments[p.ID] = p
	}
	return nil
}

func (t *memTx) LatestApprovalProcess(_ context.Context, planID uuid.UUID) (*ApprovalProcess, error) {
	for i := len(t.m.processes) - 1; i >= 0; i-- {
		ap := t.m.processes[i]
		if ap.PlanID != planID {
			continue
		}
		ap.Approvals = nil
		for _, a := range t.m.approvals {
			if a.ProcessID == ap.ID {
				ap.Approvals = append(ap.Approvals, a)
			}
		}
		return &ap, nil
	}
	return nil, nil
}

func (t *memTx) CreateApprovalProcess(_ context.Context, ap *ApprovalProcess) error {
	t.m.processes = append(t.m.processes, *ap)
	return nil
}

func (t *memTx) UpdateApprovalProcess(_ context.Context, ap *ApprovalProcess) error {
	for i := range t.m.processes {
		if t.m.processes[i].ID == ap.ID {
			t.m.processes[i] = *ap
			return nil
		}
	}
	return apperr.NotFound("approval process", ap.ID)
}

func (t *memTx) AddApproval(_ context.Context, a *Approval) error {
	t.m.approvals = append(t.m.approvals, *a)
	return nil
}

func (t *memTx) ListSplits(_ context.Context, planID uuid.UUID) ([]Split, error) {
	return append([]Split(nil), t.m.splits[planID]...), nil
}

func (t *memTx) ReplaceSplits(_ context.Context, planID uuid.UUID, splits []Split) error {
	t.m.splits[planID] = append([]Split(nil), splits...)
	for _, sp := range splits {
		for _, id := range sp.PaymentIDs {
			p := t.m.payments[id]
			p.SplitID = uuid.NullUUID{UUID: sp.ID, Valid: true}
			t.m.payments[id] = p
		}
	}
	return nil
}

func (t *memTx) UpdateSplit(_ context.Context, s *Split) error {
	list := t.m.splits[s.PlanID]
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = *s
			return nil
		}
	}
	return apperr.NotFound("split", s.ID)
}

func (t *memTx) EnsureVerificationSummary(_ context.Context, planID uuid.UUID) error {
	t.m.summaries[planID] = true
	return nil
}

type rateFunc func(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error)

func (f rateFunc) Rate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	return f(ctx, currency, date)
}

func fixedRate(r string) rateFunc {
	return func(context.Context, string, time.Time) (decimal.Decimal, error) {
		return decimal.RequireFromString(r), nil
	}
}

type thresholdList []Threshold

func (l thresholdList) Thresholds(context.Context, uuid.UUID) ([]Threshold, error) { return l, nil }

type registry map[uuid.UUID][]Individual

func (r registry) Individuals(_ context.Context, households []uuid.UUID) ([]Individual, error) {
	var out []Individual
	for _, hh := range households {
		out = append(out, r[hh]...)
	}
	return out, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *memFiles) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = b
	return nil
}

func (f *memFiles) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type harness struct {
	store      *memStore
	queue      *recordingQueue
	files      *memFiles
	registry   registry
	thresholds thresholdList
	rates      rateFunc
	locker     *switchLocker
	svc        *Service
}

// switchLocker refuses every lock with err once err is set.
type switchLocker struct {
	inner lock.Locker
	err   error
}

func (l *switchLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if l.err != nil {
		return l.err
	}
	return l.inner.WithLock(ctx, key, fn)
}

func newHarness() *harness {
	h := &harness{
		store:    newMemStore(),
		queue:    &recordingQueue{},
		files:    &memFiles{files: map[string][]byte{}},
		registry: registry{},
		rates:    fixedRate("1"),
		locker:   &switchLocker{inner: lock.NewLocalLocker()},
	}
	h.build()
	return h
}

// build wires the service from the harness' current collaborators.
func (h *harness) build() {
	clock := func() time.Time { return testNow }
	h.svc = NewService(Deps{
		Repo:       h.store,
		Locker:     h.locker,
		Aggregator: NewAggregator(h.rates, h.registry, clock),
		Approvals:  NewApprovalCoordinator(h.thresholds),
		Queue:      h.queue,
		Files:      h.files,
		Rules:      FlatRateRule{Amount: decimal.NewFromInt(40)},
		Clock:      clock,
		Log:        logger.Nop(),
	}, DefaultConfig())
}

func (h *harness) addPlan(status Status, mutate ...func(p *Plan)) *Plan {
	p := Plan{
		ID:                  uuid.New(),
		BusinessAreaID:      uuid.New(),
		ProgramCycleID:      uuid.New(),
		Name:                "March distribution",
		Status:              status,
		Currency:            money.USD,
		DispersionStartDate: testNow.AddDate(0, 0, -10),
		DispersionEndDate:   testNow.AddDate(0, 0, 10),
		Version:             1,
		CreatedAt:           testNow,
	}
	for _, m := range mutate {
		m(&p)
	}
	h.store.plans[p.ID] = p
	return &p
}

func (h *harness) addPayment(planID uuid.UUID, entitlement, delivered int64, mutate ...func(p *payment.Payment)) payment.Payment {
	h.store.seq++
	p := payment.Payment{
		ID:                     uuid.New(),
		ParentID:               planID,
		HouseholdID:            uuid.New(),
		CollectorID:            uuid.New(),
		Currency:               money.USD,
		DeliveryType:           "CASH",
		EntitlementQuantity:    money.Null(decimal.NewFromInt(entitlement)),
		EntitlementQuantityUSD: money.Null(decimal.NewFromInt(entitlement)),
		DeliveredQuantity:      money.Null(decimal.NewFromInt(delivered)),
		DeliveredQuantityUSD:   money.Null(decimal.NewFromInt(delivered)),
		Status:                 payment.StatusPending,
		CreatedAt:              testNow.Add(time.Duration(h.store.seq) * time.Second),
	}
	for _, m := range mutate {
		m(&p)
	}
	h.store.payments[p.ID] = p
	return p
}

func input(p *Plan, actor string) ActionInput {
	return ActionInput{PlanID: p.ID, Version: p.Version, ActedBy: actor}
}
