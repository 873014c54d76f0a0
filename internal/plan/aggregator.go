package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/money"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const adultAge = 18

// Aggregator derives a plan's money totals and population counts from its
// eligible payments. Both recomputations are idempotent.
type Aggregator struct {
	rates    money.RateSource
	registry Registry
	clock    Clock
}

func NewAggregator(rates money.RateSource, registry Registry, clock Clock) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{rates: rates, registry: registry, clock: clock}
}

// ExchangeRate fetches the plan currency's rate for the earlier of the
// dispersion end date and today.
func (g *Aggregator) ExchangeRate(ctx context.Context, p *Plan) (decimal.Decimal, error) {
	today := g.clock().UTC().Truncate(24 * time.Hour)
	date := p.DispersionEndDate
	if date.IsZero() || date.After(today) {
		date = today
	}

	rate, err := g.rates.Rate(ctx, p.Currency, date)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindExternal {
			return decimal.Zero, err
		}
		return decimal.Zero, apperr.External(apperr.CodeExchangeRate, err, "no exchange rate for %s on %s", p.Currency, date.Format(time.DateOnly))
	}
	if !rate.IsPositive() {
		return decimal.Zero, apperr.Invariant(apperr.CodeExchangeRate, "exchange rate for %s must be positive, got %s", p.Currency, rate)
	}
	return rate, nil
}

// RecomputeMoney snapshots the exchange rate and rewrites the entitled,
// delivered and undelivered totals, in plan currency and in USD.
func (g *Aggregator) RecomputeMoney(ctx context.Context, p *Plan, payments []payment.Payment) error {
	rate, err := g.ExchangeRate(ctx, p)
	if err != nil {
		return err
	}

	var entitled, entitledUSD, delivered, deliveredUSD decimal.Decimal
	for i := range payments {
		pay := &payments[i]
		if !pay.Eligible() {
			continue
		}
		entitled = entitled.Add(money.OrZero(pay.EntitlementQuantity))
		entitledUSD = entitledUSD.Add(money.OrZero(pay.EntitlementQuantityUSD))
		delivered = delivered.Add(money.OrZero(pay.DeliveredQuantity))
		deliveredUSD = deliveredUSD.Add(money.OrZero(pay.DeliveredQuantityUSD))
	}

	p.ExchangeRate = money.Null(rate)
	p.TotalEntitledQuantity = money.Null(money.Round(entitled))
	p.TotalEntitledQuantityUSD = money.Null(money.Round(entitledUSD))
	p.TotalDeliveredQuantity = money.Null(money.Round(delivered))
	p.TotalDeliveredQuantityUSD = money.Null(money.Round(deliveredUSD))
	p.TotalUndeliveredQuantity = money.Null(money.Round(entitled.Sub(delivered)))
	p.TotalUndeliveredQuantityUSD = money.Null(money.Round(entitledUSD.Sub(deliveredUSD)))
	return nil
}

// RecomputePopulation counts the members of households with an eligible
// payment, split by sex and by age against the clock.
func (g *Aggregator) RecomputePopulation(ctx context.Context, p *Plan, payments []payment.Payment) error {
	seen := make(map[uuid.UUID]struct{})
	households := make([]uuid.UUID, 0, len(payments))
	for i := range payments {
		if !payments[i].Eligible() {
			continue
		}
		hh := payments[i].HouseholdID
		if _, ok := seen[hh]; ok {
			continue
		}
		seen[hh] = struct{}{}
		households = append(households, hh)
	}

	var individuals []Individual
	if len(households) > 0 {
		var err error
		individuals, err = g.registry.Individuals(ctx, households)
		if err != nil {
			return fmt.Errorf("failed to load household members: %w", err)
		}
	}

	adultCutoff := g.clock().AddDate(-adultAge, 0, 0)
	var maleChildren, femaleChildren, maleAdults, femaleAdults int
	for _, ind := range individuals {
		if _, ok := seen[ind.HouseholdID]; !ok {
			continue
		}
		child := ind.BirthDate != nil && ind.BirthDate.After(adultCutoff)
		switch {
		case ind.Sex == SexMale && child:
			maleChildren++
		case ind.Sex == SexFemale && child:
			femaleChildren++
		case ind.Sex == SexMale:
			maleAdults++
		case ind.Sex == SexFemale:
			femaleAdults++
		}
	}

	p.MaleChildrenCount = maleChildren
	p.FemaleChildrenCount = femaleChildren
	p.MaleAdultsCount = maleAdults
	p.FemaleAdultsCount = femaleAdults
	p.TotalHouseholdsCount = len(households)
	p.TotalIndividualsCount = maleChildren + femaleChildren + maleAdults + femaleAdults
	return nil
}
