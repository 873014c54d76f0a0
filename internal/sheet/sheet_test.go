package sheet

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/money"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func TestWritePayments(t *testing.T) {
	p := payment.Payment{
		ID:                  uuid.New(),
		HouseholdID:         uuid.New(),
		CollectorID:         uuid.New(),
		AdminArea:           "AF0101",
		DeliveryType:        "CASH",
		Currency:            "AFN",
		EntitlementQuantity: money.Null(decimal.RequireFromString("150.5")),
		Status:              payment.StatusPending,
	}

	var buf bytes.Buffer
	require.NoError(t, WritePayments(&buf, []payment.Payment{p}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(paymentColumns, ","), lines[0])
	assert.Contains(t, lines[1], p.ID.String())
	assert.Contains(t, lines[1], "150.50")
	assert.Contains(t, lines[1], "PENDING")
}

func TestWritePayments_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePayments(&buf, nil))
	assert.Equal(t, strings.Join(paymentColumns, ",")+"\n", buf.String())
}

func TestExportFeedsReconciliationImport(t *testing.T) {
	p := payment.Payment{
		ID:                  uuid.New(),
		EntitlementQuantity: money.Null(decimal.NewFromInt(100)),
		DeliveredQuantity:   money.Null(decimal.NewFromInt(40)),
		Status:              payment.StatusDistributionPartial,
	}
	var buf bytes.Buffer
	require.NoError(t, WritePayments(&buf, []payment.Payment{p}))

	rows, err := ReadReconciliation(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, p.ID, rows[0].PaymentID)
	assert.True(t, rows[0].Delivered.Equal(decimal.NewFromInt(40)))
}

func TestReadEntitlements(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	in := "payment_id;entitlement_quantity;note\n" +
		a.String() + ";100;first\n" +
		b.String() + "; 75.25 ;second\n"

	rows, err := ReadEntitlements(strings.NewReader(in), WithDelimiter(';'))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, a, rows[0].PaymentID)
	assert.Equal(t, "75.25", rows[1].Entitlement.String())
}

func TestReadEntitlements_Windows1252(t *testing.T) {
	id := uuid.New()
	raw := "payment_id,entitlement_quantity,comentário\n" + id.String() + ",10,ok\n"
	encoded, err := charmap.Windows1252.NewEncoder().String(raw)
	require.NoError(t, err)

	rows, err := ReadEntitlements(strings.NewReader(encoded), WithWindows1252())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].PaymentID)
}

func TestRead_Errors(t *testing.T) {
	id := uuid.New().String()
	cases := map[string]string{
		"missing column":    "payment_id,amount\n" + id + ",1\n",
		"bad id":            "payment_id,entitlement_quantity\nnope,1\n",
		"bad quantity":      "payment_id,entitlement_quantity\n" + id + ",abc\n",
		"negative quantity": "payment_id,entitlement_quantity\n" + id + ",-1\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadEntitlements(strings.NewReader(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation), "got %v", err)
		})
	}
}

func TestReadReconciliation_LineNumbers(t *testing.T) {
	in := "payment_id,delivered_quantity\n" + uuid.New().String() + ",1\n" + uuid.New().String() + ",x\n"
	_, err := ReadReconciliation(strings.NewReader(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}
