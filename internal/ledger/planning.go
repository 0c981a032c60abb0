package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/fixed"
)

// CuttingRequest asks for a cutting plan for one material.
type CuttingRequest struct {
	MaterialID string
	// Gauge restricts the stock considered; empty accepts any gauge.
	Gauge     string
	Reference string
	Cuts      []fixed.Decimal
	// Policy overrides the configured tie-break when set.
	Policy cutting.Policy
}

// StockAvailability counts a material's whole pieces per stock length. Each
// batch contributes the integer part of its current quantity; a fractional
// remainder cannot yield a full pipe and stays out of planning.
func (s *Service) StockAvailability(ctx context.Context, materialID, gauge string) ([]cutting.Stock, error) {
	batches, err := s.repo.ListBatches(ctx, materialID, BatchFilter{
		Spec:          SpecFilter{Gauge: gauge},
		OnlyAvailable: true,
		Order:         OrderFIFO,
	})
	if err != nil {
		return nil, err
	}
	totals := make(map[string]*cutting.Stock)
	var order []string
	for _, b := range batches {
		if !b.Spec.Length.IsPositive() {
			continue
		}
		whole := b.CurrentQuantity.IntPart()
		if whole <= 0 {
			continue
		}
		key := b.Spec.Length.String()
		st, ok := totals[key]
		if !ok {
			st = &cutting.Stock{Length: b.Spec.Length}
			totals[key] = st
			order = append(order, key)
		}
		st.Pieces += int(whole)
	}
	out := make([]cutting.Stock, 0, len(order))
	for _, key := range order {
		out = append(out, *totals[key])
	}
	return out, nil
}

// RequestCuttingPlan optimizes the cuts against current availability and
// stores the result as a DRAFT plan. Batches are not bound until commit, so
// the ledger itself is untouched.
func (s *Service) RequestCuttingPlan(ctx context.Context, req CuttingRequest) (CuttingPlan, error) {
	plan, err := s.planCuts(ctx, req)
	if err != nil {
		return CuttingPlan{}, err
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveCuttingPlan(ctx, plan)
	}); err != nil {
		return CuttingPlan{}, err
	}
	s.logger.Info("cutting plan drafted",
		slog.String("plan_id", plan.ID),
		slog.String("material_id", plan.MaterialID),
		slog.Int("pipes", plan.PipeCount),
		slog.Int("unsatisfied", len(plan.Unsatisfied)),
		slog.String("scrap", plan.TotalScrap.String()))
	return plan, nil
}

func (s *Service) planCuts(ctx context.Context, req CuttingRequest) (CuttingPlan, error) {
	req.MaterialID = strings.TrimSpace(req.MaterialID)
	if req.MaterialID == "" {
		return CuttingPlan{}, fmt.Errorf("%w: material id required", ErrValidation)
	}
	if len(req.Cuts) == 0 {
		return CuttingPlan{}, fmt.Errorf("%w: at least one cut required", ErrValidation)
	}
	if _, err := s.repo.GetMaterial(ctx, req.MaterialID); err != nil {
		return CuttingPlan{}, err
	}
	stock, err := s.StockAvailability(ctx, req.MaterialID, req.Gauge)
	if err != nil {
		return CuttingPlan{}, err
	}
	opts := s.cfg.Cutting
	if req.Policy != "" {
		opts.Policy = req.Policy
	}
	started := time.Now()
	result, err := cutting.Optimize(ctx, req.Cuts, stock, opts)
	s.metrics.OptimizeObserved(string(opts.Policy), time.Since(started))
	if err != nil {
		return CuttingPlan{}, err
	}

	plan := CuttingPlan{
		ID:          uuid.NewString(),
		MaterialID:  req.MaterialID,
		Gauge:       strings.TrimSpace(req.Gauge),
		Reference:   strings.TrimSpace(req.Reference),
		Policy:      opts.Policy,
		Kerf:        opts.Kerf,
		Cuts:        append([]fixed.Decimal(nil), req.Cuts...),
		Unsatisfied: result.Unsatisfied,
		Shortages:   result.Shortages,
		TotalScrap:  result.TotalScrap,
		PipeCount:   result.PipeCount,
		Status:      PlanDraft,
		CreatedAt:   s.now(),
	}
	for _, p := range result.Pipes {
		plan.Assignments = append(plan.Assignments, PipeAssignment{
			StockLength: p.StockLength,
			Cuts:        p.Cuts,
			Scrap:       p.Scrap,
		})
	}
	return plan, nil
}

// PlanMany drafts one cutting plan per request concurrently. Results keep the
// request order; the first failure cancels the rest.
func (s *Service) PlanMany(ctx context.Context, reqs []CuttingRequest) ([]CuttingPlan, error) {
	plans := make([]CuttingPlan, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PlanConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			plan, err := s.RequestCuttingPlan(gctx, req)
			if err != nil {
				return fmt.Errorf("ledger: plan %s: %w", req.MaterialID, err)
			}
			plans[i] = plan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

// GetCuttingPlan loads a stored plan.
func (s *Service) GetCuttingPlan(ctx context.Context, id string) (CuttingPlan, error) {
	return s.repo.GetCuttingPlan(ctx, id)
}
