package verification

import (
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"
)

// CochranSampler sizes samples with Cochran's formula at maximum variance
// (p = 0.5), corrected for finite populations.
type CochranSampler struct{}

func (CochranSampler) SampleSize(population int, confidence, marginOfError float64) (int, error) {
	if population <= 0 {
		return 0, nil
	}
	if confidence <= 0 || confidence >= 1 {
		return 0, apperr.Validation("confidence_interval", "must be between 0 and 1, got %v", confidence)
	}
	if marginOfError <= 0 || marginOfError >= 100 {
		return 0, apperr.Validation("margin_of_error", "must be between 0 and 100, got %v", marginOfError)
	}

	z := distuv.UnitNormal.Quantile(confidence + (1-confidence)/2)
	e := marginOfError / 100
	const p = 0.5
	n0 := z * z * p * (1 - p) / (e * e)
	n := n0 / (1 + (n0-1)/float64(population))

	size := int(math.Ceil(n))
	return max(1, min(size, population)), nil
}

// RandPicker picks uniformly without replacement.
type RandPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandPicker(seed uint64) *RandPicker {
	return &RandPicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *RandPicker) Pick(population, n int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	perm := p.rng.Perm(population)
	return perm[:min(n, population)]
}

var (
	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	phonePattern    = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)
)

// ValidPhone accepts international numbers written with common separators.
func ValidPhone(s string) bool {
	return phonePattern.MatchString(phoneSeparators.Replace(strings.TrimSpace(s)))
}

// AvailablePayments lists the payments of a batch a campaign may sample:
// eligible, successfully delivered, not held by another campaign, and for
// RAPIDPRO reachable by phone. self is the campaign being (re)sampled.
func AvailablePayments(payments []payment.Payment, taken map[uuid.UUID]uuid.UUID, self uuid.UUID, channel Channel) []payment.Payment {
	out := make([]payment.Payment, 0, len(payments))
	for _, p := range payments {
		if !p.Eligible() || !p.Status.IsSuccess() {
			continue
		}
		if !p.DeliveredQuantity.Valid || !p.DeliveredQuantity.Decimal.IsPositive() {
			continue
		}
		if owner, ok := taken[p.ID]; ok && owner != self {
			continue
		}
		if channel == ChannelRapidPro && !ValidPhone(p.HeadOfHouseholdPhone) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Match reports whether the head of p's household passes every filter.
func (f Filters) Match(p *payment.Payment, now time.Time) bool {
	if f.Sex != "" && !strings.EqualFold(f.Sex, p.HeadOfHouseholdSex) {
		return false
	}
	for _, area := range f.ExcludedAdminAreas {
		if area == p.AdminArea {
			return false
		}
	}
	if f.AgeMin == nil && f.AgeMax == nil {
		return true
	}
	if p.HeadOfHouseholdBirthDate == nil {
		return false
	}
	age := ageAt(*p.HeadOfHouseholdBirthDate, now)
	if f.AgeMin != nil && age < *f.AgeMin {
		return false
	}
	return f.AgeMax == nil || age <= *f.AgeMax
}

func ageAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

// applicable trims filters to what the sampling mode honours: a full list
// only drops excluded admin areas.
func (f Filters) applicable(s Sampling) Filters {
	if s == SamplingFullList {
		return Filters{ExcludedAdminAreas: f.ExcludedAdminAreas}
	}
	return f
}
