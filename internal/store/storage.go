package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// GenericQueryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type GenericQueryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

type Storage struct {
	Plans         *PlanRepository
	Verifications *VerificationRepository
	Thresholds    *ThresholdStore
	Registry      *RegistryStore
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		Plans:         &PlanRepository{db: db},
		Verifications: &VerificationRepository{db: db},
		Thresholds:    &ThresholdStore{db: db},
		Registry:      &RegistryStore{db: db},
	}
}

// Migrate creates the tables when they are missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// notFound maps sql.ErrNoRows to a typed not-found error.
func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(what, id)
	}
	return fmt.Errorf("error loading %s %v: %w", what, id, err)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// expectRows fails with a not-found error when res touched no row.
func expectRows(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(what, id)
	}
	return nil
}
