package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliveredPayment(entitlement, delivered int64) *Payment {
	d := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	return &Payment{
		ID:                   uuid.New(),
		Status:               StatusDistributionSuccess,
		EntitlementQuantity:  money.Null(decimal.NewFromInt(entitlement)),
		DeliveredQuantity:    money.Null(decimal.NewFromInt(delivered)),
		DeliveredQuantityUSD: money.Null(decimal.NewFromInt(delivered)),
		DeliveryDate:         &d,
	}
}

func TestMarkAsFailed_ZeroesDelivery(t *testing.T) {
	p := deliveredPayment(100, 100)

	require.NoError(t, MarkAsFailed(p))

	assert.Equal(t, StatusForceFailed, p.Status)
	assert.True(t, p.DeliveredQuantity.Decimal.IsZero())
	assert.True(t, p.DeliveredQuantityUSD.Decimal.IsZero())
	assert.Nil(t, p.DeliveryDate)
}

func TestMarkAsFailed_NotIdempotent(t *testing.T) {
	p := deliveredPayment(100, 100)
	require.NoError(t, MarkAsFailed(p))

	err := MarkAsFailed(p)
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindInvariant, Code: apperr.CodeAlreadyFailed}))
}

func TestRevertMarkAsFailed_RestoresSuccess(t *testing.T) {
	p := deliveredPayment(100, 100)
	require.NoError(t, MarkAsFailed(p))
	when := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, RevertMarkAsFailed(p, decimal.NewFromInt(100), when, money.Null(decimal.NewFromInt(2))))

	assert.Equal(t, StatusDistributionSuccess, p.Status)
	assert.True(t, p.Status.IsSuccess())
	assert.Equal(t, "50.00", p.DeliveredQuantityUSD.Decimal.StringFixed(2))
	require.NotNil(t, p.DeliveryDate)
	assert.Equal(t, when, *p.DeliveryDate)
}

func TestRevertMarkAsFailed_Overpayment(t *testing.T) {
	p := deliveredPayment(100, 100)
	require.NoError(t, MarkAsFailed(p))

	err := RevertMarkAsFailed(p, decimal.NewFromInt(101), time.Now(), money.Null(decimal.NewFromInt(1)))

	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindInvariant, Code: apperr.CodeOverpayment}))
	assert.Equal(t, StatusForceFailed, p.Status, "status must stay FORCE_FAILED after a rejected revert")
	assert.True(t, p.DeliveredQuantity.Decimal.IsZero())
}

func TestRevertMarkAsFailed_Guards(t *testing.T) {
	notFailed := deliveredPayment(100, 100)
	err := RevertMarkAsFailed(notFailed, decimal.NewFromInt(10), time.Now(), decimal.NullDecimal{})
	assert.Equal(t, apperr.CodeNotFailed, apperr.CodeOf(err))

	noEntitlement := &Payment{ID: uuid.New(), Status: StatusForceFailed}
	err = RevertMarkAsFailed(noEntitlement, decimal.NewFromInt(10), time.Now(), decimal.NullDecimal{})
	assert.Equal(t, apperr.CodeMissingEntitlement, apperr.CodeOf(err))
}

func TestResolveDeliveredStatus(t *testing.T) {
	entitlement := decimal.NewFromInt(100)
	cases := []struct {
		delivered int64
		want      Status
	}{
		{0, StatusNotDistributed},
		{1, StatusDistributionPartial},
		{99, StatusDistributionPartial},
		{100, StatusDistributionSuccess},
	}
	for _, tc := range cases {
		got, err := ResolveDeliveredStatus(decimal.NewFromInt(tc.delivered), entitlement)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "delivered=%d", tc.delivered)
	}

	_, err := ResolveDeliveredStatus(decimal.NewFromInt(-1), entitlement)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestEligible(t *testing.T) {
	ps := []Payment{
		{ID: uuid.New()},
		{ID: uuid.New(), Excluded: true},
		{ID: uuid.New(), Conflicted: true},
		{ID: uuid.New(), IsRemoved: true},
	}
	got := Eligible(ps)
	require.Len(t, got, 1)
	assert.Equal(t, ps[0].ID, got[0].ID)
}
