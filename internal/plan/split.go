package plan

import (
	"context"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/google/uuid"
)

type SplitInput struct {
	ActionInput
	SplitType SplitType
	// PaymentsPerChunk is required for BY_RECORDS and ignored otherwise.
	PaymentsPerChunk int
}

// PlanSplits partitions eligible payments into ordered chunks. Every
// payment lands in exactly one chunk.
func PlanSplits(payments []payment.Payment, splitType SplitType, perChunk int, cfg Config) ([][]uuid.UUID, error) {
	eligible := payment.Eligible(payments)
	if len(eligible) == 0 {
		return nil, apperr.Invariant(apperr.CodeNoEligiblePayments, "no eligible payments to split")
	}

	var chunks [][]uuid.UUID
	switch splitType {
	case SplitByRecords:
		if perChunk < cfg.SplitMinPaymentsPerChunk {
			return nil, apperr.Validation("payments_no", "must be at least %d, got %d", cfg.SplitMinPaymentsPerChunk, perChunk)
		}
		n := (len(eligible) + perChunk - 1) / perChunk
		if n > cfg.SplitMaxChunks {
			return nil, tooManyChunks(n, cfg.SplitMaxChunks)
		}
		for i := 0; i < len(eligible); i += perChunk {
			end := min(i+perChunk, len(eligible))
			chunk := make([]uuid.UUID, 0, end-i)
			for _, p := range eligible[i:end] {
				chunk = append(chunk, p.ID)
			}
			chunks = append(chunks, chunk)
		}
	case SplitByCollector:
		chunks = groupBy(eligible, func(p *payment.Payment) string { return p.CollectorID.String() })
	case SplitByAdminArea2:
		chunks = groupBy(eligible, func(p *payment.Payment) string { return p.AdminArea })
	default:
		return nil, apperr.Validation("split_type", "unknown split type %q", splitType)
	}

	if len(chunks) > cfg.SplitMaxChunks {
		return nil, tooManyChunks(len(chunks), cfg.SplitMaxChunks)
	}
	return chunks, nil
}

func tooManyChunks(n, limit int) error {
	return apperr.Invariant(apperr.CodeSplitTooManyChunks, "split would produce %d chunks, at most %d allowed", n, limit)
}

// groupBy keeps groups in order of first appearance.
func groupBy(payments []payment.Payment, key func(p *payment.Payment) string) [][]uuid.UUID {
	index := make(map[string]int)
	var groups [][]uuid.UUID
	for i := range payments {
		k := key(&payments[i])
		g, ok := index[k]
		if !ok {
			g = len(groups)
			index[k] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], payments[i].ID)
	}
	return groups
}

// Split replaces the plan's splits. Legal only on an accepted plan none of
// whose splits were sent to the payment gateway.
func (s *Service) Split(ctx context.Context, in SplitInput) (*Plan, []Split, error) {
	var out []Split
	p, err := s.run(ctx, in.ActionInput, func(a *action) error {
		if a.plan.Status != StatusAccepted {
			return apperr.Invariant(apperr.CodeInvalidTransition, "cannot split a payment plan in status %s", a.plan.Status)
		}

		existing, err := a.tx.ListSplits(a.ctx, a.plan.ID)
		if err != nil {
			return err
		}
		for _, sp := range existing {
			if sp.SentToPaymentGateway {
				return apperr.Invariant(apperr.CodeSplitSent, "split %s was already sent to the payment gateway", sp.ID)
			}
		}

		payments, err := a.payments()
		if err != nil {
			return err
		}
		chunks, err := PlanSplits(payments, in.SplitType, in.PaymentsPerChunk, s.cfg)
		if err != nil {
			return err
		}

		out = make([]Split, len(chunks))
		for i, ids := range chunks {
			out[i] = Split{
				ID:         uuid.New(),
				PlanID:     a.plan.ID,
				SplitType:  in.SplitType,
				Order:      i,
				CreatedAt:  a.now,
				PaymentIDs: ids,
			}
		}
		return a.tx.ReplaceSplits(a.ctx, a.plan.ID, out)
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("PLAN", "payment plan %s split %s into %d chunks", p.ID, in.SplitType, len(out))
	return p, out, nil
}

// MarkSplitSent records that a split was handed to the payment gateway.
func (s *Service) MarkSplitSent(ctx context.Context, in ActionInput, splitID uuid.UUID) (*Plan, error) {
	return s.run(ctx, in, func(a *action) error {
		splits, err := a.tx.ListSplits(a.ctx, a.plan.ID)
		if err != nil {
			return err
		}
		for i := range splits {
			if splits[i].ID != splitID {
				continue
			}
			if splits[i].SentToPaymentGateway {
				return apperr.Invariant(apperr.CodeSplitSent, "split %s was already sent to the payment gateway", splitID)
			}
			splits[i].SentToPaymentGateway = true
			return a.tx.UpdateSplit(a.ctx, &splits[i])
		}
		return apperr.NotFound("split", splitID)
	})
}

// Splits lists a plan's splits in order.
func (s *Service) Splits(ctx context.Context, planID uuid.UUID) ([]Split, error) {
	var out []Split
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetPlan(ctx, planID); err != nil {
			return err
		}
		splits, err := tx.ListSplits(ctx, planID)
		out = splits
		return err
	})
	return out, err
}
