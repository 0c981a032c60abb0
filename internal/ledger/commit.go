package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/fixed"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// CommitConsumption applies a consumption plan. Every slice is decremented
// with a compare-and-swap inside one transaction; if any batch no longer holds
// the planned quantity nothing is kept and ErrOptimisticConflict is returned.
// A plan id commits at most once.
func (s *Service) CommitConsumption(ctx context.Context, plan ConsumptionPlan, actor string) ([]StockTransaction, error) {
	if strings.TrimSpace(plan.ID) == "" || plan.MaterialID == "" {
		return nil, fmt.Errorf("%w: plan id and material id required", ErrValidation)
	}
	if len(plan.Slices) == 0 {
		return nil, fmt.Errorf("%w: plan has no slices", ErrInvalidQuantity)
	}
	for _, slice := range plan.Slices {
		if !slice.Quantity.IsPositive() {
			return nil, ErrInvalidQuantity
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, plan.MaterialID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	actor = s.actor(ctx, actor)
	var records []StockTransaction
	err = s.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx TxRepository) error {
		if err := tx.RegisterCommittedPlan(ctx, plan.ID, string(KindConsumption), now); err != nil {
			return err
		}
		material, err := tx.GetMaterial(ctx, plan.MaterialID)
		if err != nil {
			return err
		}
		records = records[:0]
		for _, slice := range plan.Slices {
			b, err := s.decrement(ctx, tx, slice.BatchID, slice.Quantity)
			if err != nil {
				return err
			}
			if b.MaterialID != plan.MaterialID {
				return fmt.Errorf("%w: batch %d belongs to %s", ErrValidation, b.ID, b.MaterialID)
			}
			record, err := s.consumptionRecord(b, slice.Quantity, material.StockUnit, plan.ID, "consumption", actor)
			if err != nil {
				return err
			}
			record.OccurredAt = now
			records = append(records, record)
		}
		return tx.InsertTransactions(ctx, records)
	})
	s.metrics.CommitRecorded(string(KindConsumption), outcome(err))
	if err != nil {
		s.logCommitFailure(KindConsumption, plan.ID, plan.MaterialID, err)
		return nil, err
	}
	s.afterCommit(ctx, CommitEvent{
		PlanID:       plan.ID,
		Kind:         KindConsumption,
		MaterialID:   plan.MaterialID,
		Actor:        actor,
		CommittedAt:  now,
		Transactions: records,
	}, shared.AuditLog{
		Actor:    actor,
		Action:   "ledger:consumption.commit",
		Entity:   "consumption_plan",
		EntityID: plan.ID,
		Meta:     map[string]any{"material_id": plan.MaterialID, "slices": len(records)},
	})
	return records, nil
}

// CommitCuttingPlan binds each pipe of a DRAFT plan to concrete batches, in
// the configured commit order, and consumes one piece per pipe. Binding happens
// now rather than at planning time because the ledger may have moved since.
func (s *Service) CommitCuttingPlan(ctx context.Context, planID, actor string) ([]StockTransaction, error) {
	draft, err := s.repo.GetCuttingPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if draft.Status == PlanCommitted {
		s.metrics.CommitRecorded(string(KindCutting), outcome(ErrAlreadyCommitted))
		return nil, ErrAlreadyCommitted
	}
	if len(draft.Assignments) == 0 {
		return nil, fmt.Errorf("%w: plan has no pipes", ErrInvalidQuantity)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, draft.MaterialID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	actor = s.actor(ctx, actor)
	var (
		records   []StockTransaction
		committed CuttingPlan
	)
	err = s.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.GetCuttingPlan(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != PlanDraft {
			return ErrAlreadyCommitted
		}
		if err := tx.RegisterCommittedPlan(ctx, plan.ID, string(KindCutting), now); err != nil {
			return err
		}
		material, err := tx.GetMaterial(ctx, plan.MaterialID)
		if err != nil {
			return err
		}
		bound, slices, err := s.bindPipes(ctx, tx, plan)
		if err != nil {
			return err
		}
		records = records[:0]
		for _, slice := range slices {
			b, err := s.decrement(ctx, tx, slice.BatchID, slice.Quantity)
			if err != nil {
				return err
			}
			record, err := s.consumptionRecord(b, slice.Quantity, material.StockUnit, plan.ID, "cutting plan", actor)
			if err != nil {
				return err
			}
			record.OccurredAt = now
			records = append(records, record)
		}
		if err := tx.InsertTransactions(ctx, records); err != nil {
			return err
		}
		plan.Assignments = bound
		plan.Status = PlanCommitted
		plan.CommittedAt = &now
		plan.CommittedBy = actor
		if err := tx.MarkCuttingPlanCommitted(ctx, plan); err != nil {
			return err
		}
		committed = plan
		return nil
	})
	s.metrics.CommitRecorded(string(KindCutting), outcome(err))
	if err != nil {
		s.logCommitFailure(KindCutting, planID, draft.MaterialID, err)
		return nil, err
	}

	summary, err := NewScrapSummary(committed)
	if err != nil {
		s.logger.Error("build scrap summary", slog.String("plan_id", planID), slog.Any("error", err))
	} else {
		s.metrics.CuttingCommitted(summary.TotalScrap.InexactFloat64(), summary.Utilization.InexactFloat64())
		if s.publisher != nil {
			if err := s.publisher.PublishScrapSummary(ctx, summary); err != nil {
				s.logger.Error("publish scrap summary", slog.String("plan_id", planID), slog.Any("error", err))
			}
		}
	}
	s.afterCommit(ctx, CommitEvent{
		PlanID:       planID,
		Kind:         KindCutting,
		MaterialID:   committed.MaterialID,
		Actor:        actor,
		CommittedAt:  now,
		Transactions: records,
	}, shared.AuditLog{
		Actor:    actor,
		Action:   "ledger:cutting.commit",
		Entity:   "cutting_plan",
		EntityID: planID,
		Meta: map[string]any{
			"material_id": committed.MaterialID,
			"pipes":       len(committed.Assignments),
			"scrap":       committed.TotalScrap.String(),
		},
	})
	return records, nil
}

// CommitPlan commits a plan by id. Stored cutting plans are tried first, then
// consumption plans held in the stash.
func (s *Service) CommitPlan(ctx context.Context, planID, actor string) ([]StockTransaction, error) {
	records, err := s.CommitCuttingPlan(ctx, planID, actor)
	if !errors.Is(err, ErrPlanNotFound) || s.stash == nil {
		return records, err
	}
	plan, err := s.stash.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	return s.CommitConsumption(ctx, plan, actor)
}

// bindPipes assigns a batch to every pipe. Pipes of one stock length draw on
// that length's batches (same gauge as the plan) in the commit order, and a
// batch only gives whole pieces, so every pipe comes out of exactly one batch.
// One slice per batch carries the number of pipes bound to it. Any shortfall
// means the ledger no longer backs the plan.
func (s *Service) bindPipes(ctx context.Context, tx TxRepository, plan CuttingPlan) ([]PipeAssignment, []ConsumptionSlice, error) {
	groups := make(map[string][]int)
	lengths := make(map[string]fixed.Decimal)
	for i, a := range plan.Assignments {
		key := a.StockLength.String()
		groups[key] = append(groups[key], i)
		lengths[key] = a.StockLength
	}
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return lengths[keys[i]].LessThan(lengths[keys[j]]) })

	bound := append([]PipeAssignment(nil), plan.Assignments...)
	var slices []ConsumptionSlice
	for _, key := range keys {
		pipes := groups[key]
		batches, err := tx.ListBatches(ctx, plan.MaterialID, BatchFilter{
			Spec:          SpecFilter{Length: lengths[key], Gauge: plan.Gauge},
			OnlyAvailable: true,
			Order:         s.cfg.CommitOrder,
		})
		if err != nil {
			return nil, nil, err
		}
		next := 0
		for _, b := range batches {
			if next == len(pipes) {
				break
			}
			take := min(int(b.CurrentQuantity.IntPart()), len(pipes)-next)
			if take <= 0 {
				continue
			}
			for _, idx := range pipes[next : next+take] {
				bound[idx].BatchID = b.ID
			}
			next += take
			slices = append(slices, ConsumptionSlice{BatchID: b.ID, Quantity: fixed.FromInt(int64(take))})
		}
		if missing := len(pipes) - next; missing > 0 {
			return nil, nil, fmt.Errorf("%w: %d pieces of length %s missing", ErrOptimisticConflict, missing, key)
		}
	}
	return bound, slices, nil
}

func (s *Service) decrement(ctx context.Context, tx TxRepository, id BatchID, qty fixed.Decimal) (Batch, error) {
	b, err := tx.ApplyBatchDelta(ctx, id, qty.Neg())
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			return Batch{}, fmt.Errorf("%w: batch %d vanished", ErrOptimisticConflict, id)
		}
		return Batch{}, err
	}
	return b, nil
}

func (s *Service) consumptionRecord(b Batch, qty fixed.Decimal, unit, planID, reason, actor string) (StockTransaction, error) {
	slice, err := sliceOf(b, qty)
	if err != nil {
		return StockTransaction{}, err
	}
	return StockTransaction{
		ID:            s.ids.Next(),
		Type:          TransactionConsumption,
		MaterialID:    b.MaterialID,
		BatchID:       b.ID,
		QuantityDelta: qty.Neg(),
		Unit:          unit,
		CostDelta:     slice.Cost.Neg(),
		WeightDelta:   slice.Weight.Neg(),
		Actor:         actor,
		PlanID:        planID,
		Reason:        reason,
	}, nil
}

func (s *Service) logCommitFailure(kind CommitKind, planID, materialID string, err error) {
	level := slog.LevelError
	if isLedgerError(err) {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "commit rejected",
		slog.String("kind", string(kind)),
		slog.String("plan_id", planID),
		slog.String("material_id", materialID),
		slog.Any("error", err))
}
