package plan

import (
	"context"
	"testing"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPayments(n int, mutate func(i int, p *payment.Payment)) []payment.Payment {
	out := make([]payment.Payment, n)
	for i := range out {
		out[i] = payment.Payment{ID: uuid.New(), HouseholdID: uuid.New(), CollectorID: uuid.New(), Status: payment.StatusPending}
		if mutate != nil {
			mutate(i, &out[i])
		}
	}
	return out
}

func TestPlanSplits_ByRecords(t *testing.T) {
	cfg := Config{SplitMaxChunks: 3, SplitMinPaymentsPerChunk: 10}
	pays := newPayments(25, nil)

	chunks, err := PlanSplits(pays, SplitByRecords, 10, cfg)
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[1], 10)
	assert.Len(t, chunks[2], 5)
	assert.Equal(t, pays[20].ID, chunks[2][0])
}

func TestPlanSplits_Limits(t *testing.T) {
	cfg := Config{SplitMaxChunks: 2, SplitMinPaymentsPerChunk: 10}

	_, err := PlanSplits(newPayments(25, nil), SplitByRecords, 10, cfg)
	assert.True(t, isCode(err, apperr.CodeSplitTooManyChunks), "got %v", err)

	_, err = PlanSplits(newPayments(25, nil), SplitByRecords, 0, cfg)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = PlanSplits(newPayments(3, nil), SplitByCollector, 0, cfg)
	assert.True(t, isCode(err, apperr.CodeSplitTooManyChunks), "chunk ceiling applies to every split type")

	_, err = PlanSplits(newPayments(2, func(_ int, p *payment.Payment) { p.Excluded = true }), SplitByRecords, 10, cfg)
	assert.True(t, isCode(err, apperr.CodeNoEligiblePayments))
}

func TestPlanSplits_GroupsKeepFirstAppearanceOrder(t *testing.T) {
	areas := []string{"AF02", "AF01", "AF02", "AF03", "AF01"}
	pays := newPayments(len(areas), func(i int, p *payment.Payment) { p.AdminArea = areas[i] })

	chunks, err := PlanSplits(pays, SplitByAdminArea2, 0, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, [][]uuid.UUID{
		{pays[0].ID, pays[2].ID},
		{pays[1].ID, pays[4].ID},
		{pays[3].ID},
	}, chunks)
}

func TestSplit_ReplacesUnsentSplitsThenLocksAfterSend(t *testing.T) {
	h := newHarness()
	p := h.addPlan(StatusAccepted)
	collector := uuid.New()
	for i := 0; i < 4; i++ {
		h.addPayment(p.ID, 10, 10, func(x *payment.Payment) {
			if i < 2 {
				x.CollectorID = collector
			}
		})
	}

	got, splits, err := h.svc.Split(context.Background(), SplitInput{ActionInput: input(p, "alice"), SplitType: SplitByCollector})
	require.NoError(t, err)
	require.Len(t, splits, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{splits[0].Order, splits[1].Order, splits[2].Order})

	got, splits, err = h.svc.Split(context.Background(), SplitInput{ActionInput: input(got, "alice"), SplitType: SplitByRecords, PaymentsPerChunk: 10})
	require.NoError(t, err)
	require.Len(t, splits, 1)
	assert.Len(t, h.store.splits[p.ID], 1, "unsent splits are replaced")

	got, err = h.svc.MarkSplitSent(context.Background(), input(got, "bob"), splits[0].ID)
	require.NoError(t, err)

	_, err = h.svc.MarkSplitSent(context.Background(), input(got, "bob"), splits[0].ID)
	assert.True(t, isCode(err, apperr.CodeSplitSent))

	_, _, err = h.svc.Split(context.Background(), SplitInput{ActionInput: input(got, "alice"), SplitType: SplitByRecords, PaymentsPerChunk: 10})
	assert.True(t, isCode(err, apperr.CodeSplitSent))
}

func TestSplit_RequiresAccepted(t *testing.T) {
	h := newHarness()
	p := h.addPlan(StatusLocked)
	h.addPayment(p.ID, 10, 0)

	_, _, err := h.svc.Split(context.Background(), SplitInput{ActionInput: input(p, "alice"), SplitType: SplitByCollector})

	assert.True(t, isCode(err, apperr.CodeInvalidTransition))
	assert.Empty(t, h.store.splits[p.ID])
}
