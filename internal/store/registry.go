package store

import (
	"context"
	"fmt"

	"github.com/farxc/disbursement/internal/plan"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ThresholdStore reads the acceptance tables of business areas.
type ThresholdStore struct {
	db *sqlx.DB
}

func (s *ThresholdStore) Thresholds(ctx context.Context, businessAreaID uuid.UUID) ([]plan.Threshold, error) {
	var out []plan.Threshold
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM acceptance_thresholds
		WHERE business_area_id = $1
		ORDER BY payments_range_usd_min`, businessAreaID)
	if err != nil {
		return nil, fmt.Errorf("error loading thresholds of business area %s: %w", businessAreaID, err)
	}
	return out, nil
}

// RegistryStore reads household members.
type RegistryStore struct {
	db *sqlx.DB
}

func (s *RegistryStore) Individuals(ctx context.Context, householdIDs []uuid.UUID) ([]plan.Individual, error) {
	if len(householdIDs) == 0 {
		return nil, nil
	}
	var out []plan.Individual
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, household_id, sex, birth_date FROM individuals
		WHERE household_id = ANY($1)`, uuidArray(householdIDs))
	if err != nil {
		return nil, fmt.Errorf("error loading individuals of %d households: %w", len(householdIDs), err)
	}
	return out, nil
}
