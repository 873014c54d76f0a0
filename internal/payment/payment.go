// Package payment models one beneficiary transfer inside a payment plan and
// the force-fail / revert transitions applied to it after delivery.
package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending             Status = "PENDING"
	StatusSuccess             Status = "SUCCESS"
	StatusDistributionSuccess Status = "DISTRIBUTION_SUCCESS"
	StatusDistributionPartial Status = "DISTRIBUTION_PARTIAL"
	StatusNotDistributed      Status = "NOT_DISTRIBUTED"
	StatusError               Status = "ERROR"
	StatusForceFailed         Status = "FORCE_FAILED"
)

// SuccessStatuses are the statuses in which money reached the beneficiary,
// fully or partially.
var SuccessStatuses = []Status{StatusSuccess, StatusDistributionSuccess, StatusDistributionPartial}

// UnsuccessfulStatuses are retargeted by follow-up plans.
var UnsuccessfulStatuses = []Status{StatusError, StatusNotDistributed, StatusForceFailed}

func (s Status) IsSuccess() bool {
	for _, ok := range SuccessStatuses {
		if s == ok {
			return true
		}
	}
	return false
}

func (s Status) IsUnsuccessful() bool {
	for _, bad := range UnsuccessfulStatuses {
		if s == bad {
			return true
		}
	}
	return false
}

// Payment is a single transfer owned by exactly one plan (ParentID).
type Payment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ParentID    uuid.UUID `db:"parent_id" json:"parent_id"`
	HouseholdID uuid.UUID `db:"household_id" json:"household_id"`
	CollectorID uuid.UUID `db:"collector_id" json:"collector_id"`

	// Head-of-household snapshot used by verification sampling filters.
	HeadOfHouseholdPhone     string     `db:"head_of_household_phone" json:"head_of_household_phone,omitempty"`
	HeadOfHouseholdSex       string     `db:"head_of_household_sex" json:"head_of_household_sex,omitempty"`
	HeadOfHouseholdBirthDate *time.Time `db:"head_of_household_birth_date" json:"head_of_household_birth_date,omitempty"`
	AdminArea                string     `db:"admin_area" json:"admin_area,omitempty"`

	DeliveryType           string              `db:"delivery_type" json:"delivery_type"`
	Currency               string              `db:"currency" json:"currency"`
	EntitlementQuantity    decimal.NullDecimal `db:"entitlement_quantity" json:"entitlement_quantity"`
	EntitlementQuantityUSD decimal.NullDecimal `db:"entitlement_quantity_usd" json:"entitlement_quantity_usd"`
	DeliveredQuantity      decimal.NullDecimal `db:"delivered_quantity" json:"delivered_quantity"`
	DeliveredQuantityUSD   decimal.NullDecimal `db:"delivered_quantity_usd" json:"delivered_quantity_usd"`
	DeliveryDate           *time.Time          `db:"delivery_date" json:"delivery_date,omitempty"`
	Status                 Status              `db:"status" json:"status"`

	Conflicted bool `db:"conflicted" json:"conflicted"`
	Excluded   bool `db:"excluded" json:"excluded"`
	IsRemoved  bool `db:"is_removed" json:"-"`

	FinancialServiceProviderID uuid.NullUUID `db:"financial_service_provider_id" json:"financial_service_provider_id"`
	SourcePaymentID            uuid.NullUUID `db:"source_payment_id" json:"source_payment_id"`
	IsFollowUp                 bool          `db:"is_follow_up" json:"is_follow_up"`
	SplitID                    uuid.NullUUID `db:"parent_split_id" json:"parent_split_id"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Eligible payments are the ones counted in every plan aggregate.
func (p *Payment) Eligible() bool {
	return !p.IsRemoved && !p.Excluded && !p.Conflicted
}

// Eligible filters payments down to the eligible ones, preserving order.
func Eligible(payments []Payment) []Payment {
	out := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.Eligible() {
			out = append(out, p)
		}
	}
	return out
}
