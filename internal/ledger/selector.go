package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/fixed"
)

// ConsumptionRequest asks for a quantity of one material.
type ConsumptionRequest struct {
	MaterialID string
	Required   fixed.Decimal
	Spec       SpecFilter
	Order      Order
}

// Select walks batches in the given order and takes min(remaining, current)
// from each until required is met. Empty batches are skipped and the input is
// left untouched. Cost per slice is exact; weight is the batch's own received
// weight prorated by quantity.
func Select(batches []Batch, required fixed.Decimal, order Order) (ConsumptionPlan, error) {
	if !required.IsPositive() {
		return ConsumptionPlan{}, ErrInvalidQuantity
	}
	if order == "" {
		order = OrderFIFO
	}
	ordered := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.CurrentQuantity.IsPositive() {
			ordered = append(ordered, b)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if order == OrderLIFO {
			return ordered[j].Before(ordered[i])
		}
		return ordered[i].Before(ordered[j])
	})

	plan := ConsumptionPlan{Order: order, Required: required}
	remaining := required
	for _, b := range ordered {
		if !remaining.IsPositive() {
			break
		}
		take := fixed.Min(remaining, b.CurrentQuantity)
		slice, err := sliceOf(b, take)
		if err != nil {
			return ConsumptionPlan{}, err
		}
		if plan.TotalCost, err = plan.TotalCost.Add(slice.Cost); err != nil {
			return ConsumptionPlan{}, err
		}
		if plan.TotalWeight, err = plan.TotalWeight.Add(slice.Weight); err != nil {
			return ConsumptionPlan{}, err
		}
		if remaining, err = remaining.Sub(take); err != nil {
			return ConsumptionPlan{}, err
		}
		plan.Slices = append(plan.Slices, slice)
	}
	plan.Shortfall = remaining
	return plan, nil
}

func sliceOf(b Batch, take fixed.Decimal) (ConsumptionSlice, error) {
	cost, err := take.Mul(b.UnitCost)
	if err != nil {
		return ConsumptionSlice{}, err
	}
	weight, err := b.ActualWeight.MulDivRound(take, b.OriginalQuantity)
	if err != nil {
		return ConsumptionSlice{}, err
	}
	return ConsumptionSlice{BatchID: b.ID, Quantity: take, Cost: cost, Weight: weight}, nil
}

// SelectForConsumption previews which batches would satisfy req. It never
// mutates the ledger; the returned plan id becomes the exactly-once key when
// the plan is committed.
func (s *Service) SelectForConsumption(ctx context.Context, req ConsumptionRequest) (ConsumptionPlan, error) {
	req.MaterialID = strings.TrimSpace(req.MaterialID)
	if req.MaterialID == "" {
		return ConsumptionPlan{}, fmt.Errorf("%w: material id required", ErrValidation)
	}
	if !req.Required.IsPositive() {
		return ConsumptionPlan{}, ErrInvalidQuantity
	}
	if _, err := s.repo.GetMaterial(ctx, req.MaterialID); err != nil {
		return ConsumptionPlan{}, err
	}
	batches, err := s.repo.ListBatches(ctx, req.MaterialID, BatchFilter{Spec: req.Spec, OnlyAvailable: true, Order: req.Order})
	if err != nil {
		return ConsumptionPlan{}, err
	}
	plan, err := Select(batches, req.Required, req.Order)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	plan.ID = uuid.NewString()
	plan.MaterialID = req.MaterialID
	plan.Filter = req.Spec
	plan.CreatedAt = s.now()
	if !plan.Satisfied() {
		s.logger.Info("consumption plan short",
			slog.String("material_id", req.MaterialID),
			slog.String("required", req.Required.String()),
			slog.String("shortfall", plan.Shortfall.String()))
	}
	return plan, nil
}

// RequestConsumption previews a consumption and keeps the plan so it can be
// committed later by id through CommitPlan.
func (s *Service) RequestConsumption(ctx context.Context, req ConsumptionRequest) (ConsumptionPlan, error) {
	plan, err := s.SelectForConsumption(ctx, req)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	if s.stash == nil || len(plan.Slices) == 0 {
		return plan, nil
	}
	if err := s.stash.Put(ctx, plan); err != nil {
		return ConsumptionPlan{}, fmt.Errorf("ledger: stash consumption plan: %w", err)
	}
	return plan, nil
}
