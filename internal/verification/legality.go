package verification

import (
	"github.com/farxc/disbursement/internal/apperr"
	"github.com/shopspring/decimal"
)

func illegal(format string, args ...any) error {
	return apperr.Invariant(apperr.CodeIllegalVerification, format, args...)
}

// ValidateRecord checks a status against the amount reported as received
// and the quantity actually delivered.
func ValidateRecord(status RecordStatus, received, delivered decimal.NullDecimal) error {
	switch status {
	case RecordPending:
		if received.Valid {
			return illegal("a pending verification cannot carry a received amount")
		}
	case RecordNotReceived:
		if received.Valid && !received.Decimal.IsZero() {
			return illegal("not received requires no amount or zero, got %s", received.Decimal)
		}
	case RecordReceivedWithIssues:
		if !received.Valid || received.Decimal.IsZero() {
			return illegal("received with issues requires a non-zero received amount")
		}
	case RecordReceived:
		if !received.Valid {
			return illegal("received requires the received amount")
		}
		if !delivered.Valid || !received.Decimal.Equal(delivered.Decimal) {
			return illegal("received amount %s must equal the delivered quantity %s", received.Decimal, delivered.Decimal)
		}
	default:
		return apperr.Validation("status", "unknown verification status %q", status)
	}
	if received.Valid && received.Decimal.IsNegative() {
		return apperr.Validation("received_amount", "must not be negative")
	}
	return nil
}

// CalculateCounts rewrites the campaign's response counters from its records.
func CalculateCounts(p *Plan, records []Verification) {
	var responded, received, notReceived, withIssues int
	for _, v := range records {
		switch v.Status {
		case RecordReceived:
			received++
		case RecordNotReceived:
			notReceived++
		case RecordReceivedWithIssues:
			withIssues++
		default:
			continue
		}
		responded++
	}
	p.RespondedCount = responded
	p.ReceivedCount = received
	p.NotReceivedCount = notReceived
	p.ReceivedWithProblemsCount = withIssues
}

// RollupStatus folds the statuses of a batch's campaigns into the summary
// status.
func RollupStatus(statuses []Status) SummaryStatus {
	var active, pending, finished bool
	for _, s := range statuses {
		switch s {
		case StatusActive:
			active = true
		case StatusPending:
			pending = true
		case StatusFinished:
			finished = true
		}
	}
	switch {
	case active:
		return SummaryActive
	case finished && !pending:
		return SummaryFinished
	default:
		return SummaryPending
	}
}
