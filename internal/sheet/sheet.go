// Package sheet reads and writes the CSV payment lists exchanged with
// field offices and financial service providers.
package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

const (
	ColPaymentID              = "payment_id"
	ColHouseholdID            = "household_id"
	ColCollectorID            = "collector_id"
	ColAdminArea              = "admin_area"
	ColDeliveryType           = "delivery_type"
	ColCurrency               = "currency"
	ColEntitlementQuantity    = "entitlement_quantity"
	ColEntitlementQuantityUSD = "entitlement_quantity_usd"
	ColDeliveredQuantity      = "delivered_quantity"
	ColDeliveredQuantityUSD   = "delivered_quantity_usd"
	ColStatus                 = "status"
)

var paymentColumns = []string{
	ColPaymentID, ColHouseholdID, ColCollectorID, ColAdminArea, ColDeliveryType, ColCurrency,
	ColEntitlementQuantity, ColEntitlementQuantityUSD, ColDeliveredQuantity, ColDeliveredQuantityUSD, ColStatus,
}

type EntitlementRow struct {
	PaymentID   uuid.UUID
	Entitlement decimal.Decimal
}

type ReconciliationRow struct {
	PaymentID uuid.UUID
	Delivered decimal.Decimal
}

type readConfig struct {
	delimiter   rune
	windows1252 bool
}

type Option func(*readConfig)

func WithDelimiter(d rune) Option { return func(c *readConfig) { c.delimiter = d } }

// WithWindows1252 decodes files saved by spreadsheet tools in the legacy
// Windows code page.
func WithWindows1252() Option { return func(c *readConfig) { c.windows1252 = true } }

// WritePayments writes one row per payment with every quantity as a plain
// decimal string. Missing quantities are written empty.
func WritePayments(w io.Writer, payments []payment.Payment) error {
	if len(payments) == 0 {
		cw := csv.NewWriter(w)
		if err := cw.Write(paymentColumns); err != nil {
			return fmt.Errorf("error writing CSV header: %w", err)
		}
		cw.Flush()
		return cw.Error()
	}

	records := make([][]string, 0, len(payments)+1)
	records = append(records, paymentColumns)
	for _, p := range payments {
		records = append(records, []string{
			p.ID.String(),
			p.HouseholdID.String(),
			p.CollectorID.String(),
			p.AdminArea,
			p.DeliveryType,
			p.Currency,
			nullString(p.EntitlementQuantity),
			nullString(p.EntitlementQuantityUSD),
			nullString(p.DeliveredQuantity),
			nullString(p.DeliveredQuantityUSD),
			string(p.Status),
		})
	}

	df := dataframe.LoadRecords(records, dataframe.DetectTypes(false), dataframe.DefaultType(series.String))
	if df.Err != nil {
		return fmt.Errorf("error building payment list: %w", df.Err)
	}
	if err := df.WriteCSV(w); err != nil {
		return fmt.Errorf("error writing CSV: %w", err)
	}
	return nil
}

// ReadEntitlements parses payment_id and entitlement_quantity columns.
func ReadEntitlements(r io.Reader, opts ...Option) ([]EntitlementRow, error) {
	df, err := read(r, opts, ColPaymentID, ColEntitlementQuantity)
	if err != nil {
		return nil, err
	}

	ids := df.Col(ColPaymentID).Records()
	quantities := df.Col(ColEntitlementQuantity).Records()
	rows := make([]EntitlementRow, 0, len(ids))
	for i := range ids {
		id, q, err := parseRow(i, ids[i], ColEntitlementQuantity, quantities[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, EntitlementRow{PaymentID: id, Entitlement: q})
	}
	return rows, nil
}

// ReadReconciliation parses payment_id and delivered_quantity columns.
func ReadReconciliation(r io.Reader, opts ...Option) ([]ReconciliationRow, error) {
	df, err := read(r, opts, ColPaymentID, ColDeliveredQuantity)
	if err != nil {
		return nil, err
	}

	ids := df.Col(ColPaymentID).Records()
	quantities := df.Col(ColDeliveredQuantity).Records()
	rows := make([]ReconciliationRow, 0, len(ids))
	for i := range ids {
		id, q, err := parseRow(i, ids[i], ColDeliveredQuantity, quantities[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, ReconciliationRow{PaymentID: id, Delivered: q})
	}
	return rows, nil
}

func read(r io.Reader, opts []Option, required ...string) (dataframe.DataFrame, error) {
	cfg := readConfig{delimiter: ','}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.windows1252 {
		r = charmap.Windows1252.NewDecoder().Reader(r)
	}

	df := dataframe.ReadCSV(r,
		dataframe.WithDelimiter(cfg.delimiter),
		dataframe.WithLazyQuotes(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if df.Err != nil {
		return df, apperr.Validation("file", "unreadable CSV: %v", df.Err)
	}
	if df.Nrow() == 0 {
		return df, apperr.Validation("file", "file has no rows")
	}

	names := df.Names()
	for _, col := range required {
		if !contains(names, col) {
			return df, apperr.Validation("file", "missing column %q", col)
		}
	}
	return df, nil
}

// parseRow reports errors against the spreadsheet line, header being line 1.
func parseRow(i int, rawID, col, rawQty string) (uuid.UUID, decimal.Decimal, error) {
	line := i + 2
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return uuid.Nil, decimal.Zero, apperr.Validation(ColPaymentID, "line %d: invalid payment id %q", line, rawID)
	}
	q, err := decimal.NewFromString(strings.TrimSpace(rawQty))
	if err != nil {
		return uuid.Nil, decimal.Zero, apperr.Validation(col, "line %d: invalid quantity %q", line, rawQty)
	}
	if q.IsNegative() {
		return uuid.Nil, decimal.Zero, apperr.Validation(col, "line %d: quantity must not be negative", line)
	}
	return id, q, nil
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(2)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
