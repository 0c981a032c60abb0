// Package ledger records material batches, previews consumption against them
// and commits consumption or cutting plans atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/fixed"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups tunables.
type ServiceConfig struct {
	// NodeID seeds the snowflake generator; unique per writing process.
	NodeID int64
	// CommitOrder is the batch order used to bind cutting plan pipes at commit.
	CommitOrder Order
	Cutting     cutting.Options
	// PlanConcurrency bounds PlanMany fan-out. Zero means 4.
	PlanConcurrency int
}

// ServiceDeps are optional collaborators. Nil members are skipped.
type ServiceDeps struct {
	Logger    *slog.Logger
	Audit     AuditPort
	Locker    *MaterialLocker
	Cache     *SummaryCache
	Publisher Publisher
	Metrics   *observability.LedgerMetrics
	// Stash keeps previewed consumption plans for CommitPlan.
	Stash PlanStash
	Clock func() time.Time
}

// Service coordinates ledger operations.
type Service struct {
	repo      Repository
	ids       *IDGenerator
	cfg       ServiceConfig
	logger    *slog.Logger
	audit     AuditPort
	locker    *MaterialLocker
	cache     *SummaryCache
	publisher Publisher
	metrics   *observability.LedgerMetrics
	stash     PlanStash
	clock     func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, cfg ServiceConfig, deps ServiceDeps) (*Service, error) {
	if repo == nil {
		return nil, errors.New("ledger: repository required")
	}
	ids, err := NewIDGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	if cfg.CommitOrder == "" {
		cfg.CommitOrder = OrderFIFO
	}
	if cfg.Cutting.Policy == "" {
		cfg.Cutting.Policy = cutting.PolicyPipesFirst
	}
	if cfg.PlanConcurrency <= 0 {
		cfg.PlanConcurrency = 4
	}
	s := &Service{
		repo:      repo,
		ids:       ids,
		cfg:       cfg,
		logger:    deps.Logger,
		audit:     deps.Audit,
		locker:    deps.Locker,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		stash:     deps.Stash,
		clock:     deps.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locker == nil {
		s.locker = NewMaterialLocker(nil, LockerConfig{Logger: s.logger})
	}
	return s, nil
}

// MaterialInput defines or redefines a material.
type MaterialInput struct {
	ID                string
	Category          Category
	StockUnit         string
	UsageUnit         string
	LowStockThreshold fixed.Decimal
}

// ReceiptInput records one physical stock arrival.
type ReceiptInput struct {
	MaterialID string
	// Category and units are used only when the receipt creates the material.
	Category     Category
	StockUnit    string
	UsageUnit    string
	Spec         Spec
	Quantity     fixed.Decimal
	ActualWeight fixed.Decimal
	UnitCost     fixed.Decimal
	Supplier     string
	// ArrivedAt defaults to now.
	ArrivedAt time.Time
	Actor     string
}

// AdjustInput is a manual correction of one batch.
type AdjustInput struct {
	BatchID BatchID
	Delta   fixed.Decimal
	Reason  string
	Actor   string
}

// ScrapInput writes off damaged or offcut stock from one batch.
type ScrapInput struct {
	BatchID  BatchID
	Quantity fixed.Decimal
	Reason   string
	PlanID   string
	Actor    string
}

// DefineMaterial creates a material or updates its attributes. Defining a
// deactivated material reactivates it.
func (s *Service) DefineMaterial(ctx context.Context, input MaterialInput) (Material, error) {
	m, err := s.materialFromInput(input)
	if err != nil {
		return Material{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetMaterial(ctx, m.ID)
		switch {
		case err == nil:
			m.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrMaterialNotFound):
		default:
			return err
		}
		return tx.UpsertMaterial(ctx, m)
	})
	if err != nil {
		return Material{}, err
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    s.actor(ctx, ""),
		Action:   "ledger:material.define",
		Entity:   "material",
		EntityID: m.ID,
		Meta:     map[string]any{"category": string(m.Category), "low_stock_threshold": m.LowStockThreshold.String()},
	})
	_ = s.bumpCache(ctx, m.ID)
	return m, nil
}

func (s *Service) materialFromInput(input MaterialInput) (Material, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return Material{}, fmt.Errorf("%w: material id required", ErrValidation)
	}
	if !input.Category.Valid() {
		return Material{}, fmt.Errorf("%w: unknown category %q", ErrValidation, input.Category)
	}
	if input.LowStockThreshold.IsNegative() {
		return Material{}, ErrInvalidQuantity
	}
	stockUnit := strings.TrimSpace(input.StockUnit)
	if stockUnit == "" {
		stockUnit = "pcs"
	}
	usageUnit := strings.TrimSpace(input.UsageUnit)
	if usageUnit == "" {
		usageUnit = stockUnit
	}
	return Material{
		ID:                id,
		Category:          input.Category,
		StockUnit:         stockUnit,
		UsageUnit:         usageUnit,
		LowStockThreshold: input.LowStockThreshold,
		Active:            true,
		CreatedAt:         s.now(),
	}, nil
}

// DeactivateMaterial stops new receipts for a material. Existing batches stay
// consumable.
func (s *Service) DeactivateMaterial(ctx context.Context, materialID, actor string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetMaterialActive(ctx, materialID, false)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    s.actor(ctx, actor),
		Action:   "ledger:material.deactivate",
		Entity:   "material",
		EntityID: materialID,
	})
	return nil
}

// ListMaterials returns every material ordered by id.
func (s *Service) ListMaterials(ctx context.Context) ([]Material, error) {
	return s.repo.ListMaterials(ctx)
}

// CreateBatch records a receipt and its RECEIPT transaction in one unit. The
// weight is stored exactly as received.
func (s *Service) CreateBatch(ctx context.Context, input ReceiptInput) (BatchID, error) {
	input.MaterialID = strings.TrimSpace(input.MaterialID)
	if input.MaterialID == "" {
		return 0, fmt.Errorf("%w: material id required", ErrValidation)
	}
	if !input.Quantity.IsPositive() || !input.ActualWeight.IsPositive() || input.UnitCost.IsNegative() {
		return 0, ErrInvalidQuantity
	}
	if input.Spec.Length.IsNegative() {
		return 0, ErrInvalidQuantity
	}
	cost, err := input.Quantity.Mul(input.UnitCost)
	if err != nil {
		return 0, err
	}
	now := s.now()
	arrived := input.ArrivedAt
	if arrived.IsZero() {
		arrived = now
	}
	actor := s.actor(ctx, input.Actor)

	batch := Batch{
		ID:               BatchID(s.ids.Next()),
		MaterialID:       input.MaterialID,
		ArrivedAt:        arrived.UTC(),
		Spec:             input.Spec,
		OriginalQuantity: input.Quantity,
		CurrentQuantity:  input.Quantity,
		ActualWeight:     input.ActualWeight,
		UnitCost:         input.UnitCost,
		Supplier:         strings.TrimSpace(input.Supplier),
	}
	var record StockTransaction
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		material, err := tx.GetMaterial(ctx, input.MaterialID)
		switch {
		case errors.Is(err, ErrMaterialNotFound):
			material, err = s.materialFromInput(MaterialInput{
				ID:        input.MaterialID,
				Category:  input.Category,
				StockUnit: input.StockUnit,
				UsageUnit: input.UsageUnit,
			})
			if err != nil {
				return err
			}
			if err := tx.UpsertMaterial(ctx, material); err != nil {
				return err
			}
		case err != nil:
			return err
		case !material.Active:
			return ErrMaterialInactive
		}
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}
		record = StockTransaction{
			ID:            s.ids.Next(),
			Type:          TransactionReceipt,
			MaterialID:    batch.MaterialID,
			BatchID:       batch.ID,
			QuantityDelta: batch.OriginalQuantity,
			Unit:          material.StockUnit,
			CostDelta:     cost,
			WeightDelta:   batch.ActualWeight,
			OccurredAt:    now,
			Actor:         actor,
		}
		return tx.InsertTransactions(ctx, []StockTransaction{record})
	})
	s.metrics.CommitRecorded(string(KindReceipt), outcome(err))
	if err != nil {
		return 0, err
	}
	s.afterCommit(ctx, CommitEvent{
		Kind:         KindReceipt,
		MaterialID:   batch.MaterialID,
		Actor:        actor,
		CommittedAt:  now,
		Transactions: []StockTransaction{record},
	}, shared.AuditLog{
		Actor:    actor,
		Action:   "ledger:receipt",
		Entity:   "batch",
		EntityID: fmt.Sprint(int64(batch.ID)),
		Meta: map[string]any{
			"material_id": batch.MaterialID,
			"quantity":    batch.OriginalQuantity.String(),
			"unit_cost":   batch.UnitCost.String(),
			"supplier":    batch.Supplier,
		},
	})
	return batch.ID, nil
}

// ListBatches returns a material's batches ordered by (arrival, id).
func (s *Service) ListBatches(ctx context.Context, materialID string, filter BatchFilter) ([]Batch, error) {
	if filter.Order == "" {
		filter.Order = OrderFIFO
	}
	return s.repo.ListBatches(ctx, materialID, filter)
}

// GetBatch loads one batch.
func (s *Service) GetBatch(ctx context.Context, id BatchID) (Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

// AdjustBatch applies a manual correction. The result may not drop below zero
// nor rise above the received quantity.
func (s *Service) AdjustBatch(ctx context.Context, input AdjustInput) (StockTransaction, error) {
	if input.Delta.IsZero() {
		return StockTransaction{}, ErrInvalidQuantity
	}
	return s.correctBatch(ctx, correction{
		kind:    KindAdjustment,
		txType:  TransactionAdjustment,
		batchID: input.BatchID,
		delta:   input.Delta,
		reason:  input.Reason,
		actor:   input.Actor,
	})
}

// WriteOffScrap removes quantity from a batch as SCRAP, optionally linked to
// the cutting plan that produced the offcut.
func (s *Service) WriteOffScrap(ctx context.Context, input ScrapInput) (StockTransaction, error) {
	if !input.Quantity.IsPositive() {
		return StockTransaction{}, ErrInvalidQuantity
	}
	return s.correctBatch(ctx, correction{
		kind:    KindScrap,
		txType:  TransactionScrap,
		batchID: input.BatchID,
		delta:   input.Quantity.Neg(),
		reason:  input.Reason,
		planID:  input.PlanID,
		actor:   input.Actor,
	})
}

type correction struct {
	kind    CommitKind
	txType  TransactionType
	batchID BatchID
	delta   fixed.Decimal
	reason  string
	planID  string
	actor   string
}

func (s *Service) correctBatch(ctx context.Context, c correction) (StockTransaction, error) {
	current, err := s.repo.GetBatch(ctx, c.batchID)
	if err != nil {
		return StockTransaction{}, err
	}
	unlock, err := s.locker.Lock(ctx, current.MaterialID)
	if err != nil {
		return StockTransaction{}, err
	}
	defer unlock()

	now := s.now()
	actor := s.actor(ctx, c.actor)
	var record StockTransaction
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBatch(ctx, c.batchID)
		if err != nil {
			return err
		}
		next, err := b.CurrentQuantity.Add(c.delta)
		if err != nil {
			return err
		}
		if next.IsNegative() {
			return ErrNegativeResultingQuantity
		}
		if next.GreaterThan(b.OriginalQuantity) {
			return fmt.Errorf("%w: adjustment would exceed received quantity %s", ErrInvalidQuantity, b.OriginalQuantity)
		}
		material, err := tx.GetMaterial(ctx, b.MaterialID)
		if err != nil {
			return err
		}
		if _, err := tx.ApplyBatchDelta(ctx, b.ID, c.delta); err != nil {
			return err
		}
		cost, err := c.delta.Mul(b.UnitCost)
		if err != nil {
			return err
		}
		weight, err := b.ActualWeight.MulDivRound(c.delta, b.OriginalQuantity)
		if err != nil {
			return err
		}
		record = StockTransaction{
			ID:            s.ids.Next(),
			Type:          c.txType,
			MaterialID:    b.MaterialID,
			BatchID:       b.ID,
			QuantityDelta: c.delta,
			Unit:          material.StockUnit,
			CostDelta:     cost,
			WeightDelta:   weight,
			OccurredAt:    now,
			Actor:         actor,
			PlanID:        c.planID,
			Reason:        strings.TrimSpace(c.reason),
		}
		return tx.InsertTransactions(ctx, []StockTransaction{record})
	})
	s.metrics.CommitRecorded(string(c.kind), outcome(err))
	if err != nil {
		return StockTransaction{}, err
	}
	s.afterCommit(ctx, CommitEvent{
		PlanID:       c.planID,
		Kind:         c.kind,
		MaterialID:   record.MaterialID,
		Actor:        actor,
		CommittedAt:  now,
		Transactions: []StockTransaction{record},
	}, shared.AuditLog{
		Actor:    actor,
		Action:   "ledger:" + string(c.kind),
		Entity:   "batch",
		EntityID: fmt.Sprint(int64(record.BatchID)),
		Meta: map[string]any{
			"material_id": record.MaterialID,
			"delta":       record.QuantityDelta.String(),
			"reason":      record.Reason,
		},
	})
	return record, nil
}

// Summarize aggregates the remaining stock of a material on demand. Each
// batch contributes its own unit cost and received weight; nothing is averaged
// back into the batches.
func (s *Service) Summarize(ctx context.Context, materialID string) (Summary, error) {
	summary, hit, err := s.cache.Fetch(ctx, materialID, func(ctx context.Context) (Summary, error) {
		return s.summarize(ctx, materialID)
	})
	if err != nil && s.cache != nil && !isLedgerError(err) {
		s.logger.Warn("summary cache unavailable", slog.String("material_id", materialID), slog.Any("error", err))
		return s.summarize(ctx, materialID)
	}
	if s.cache != nil {
		s.metrics.CacheLookup(hit)
	}
	return summary, err
}

func (s *Service) summarize(ctx context.Context, materialID string) (Summary, error) {
	material, err := s.repo.GetMaterial(ctx, materialID)
	if err != nil {
		return Summary{}, err
	}
	batches, err := s.repo.ListBatches(ctx, materialID, BatchFilter{OnlyAvailable: true, Order: OrderFIFO})
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{MaterialID: materialID, BatchCount: len(batches)}
	for _, b := range batches {
		slice, err := sliceOf(b, b.CurrentQuantity)
		if err != nil {
			return Summary{}, err
		}
		if summary.TotalQuantity, err = summary.TotalQuantity.Add(slice.Quantity); err != nil {
			return Summary{}, err
		}
		if summary.TotalWeight, err = summary.TotalWeight.Add(slice.Weight); err != nil {
			return Summary{}, err
		}
		if summary.TotalCost, err = summary.TotalCost.Add(slice.Cost); err != nil {
			return Summary{}, err
		}
	}
	if summary.TotalQuantity.IsPositive() {
		if summary.WeightedAvgCost, err = summary.TotalCost.MulDivRound(fixed.FromInt(1), summary.TotalQuantity); err != nil {
			return Summary{}, err
		}
	}
	if material.LowStockThreshold.IsPositive() {
		summary.LowStock = !summary.TotalQuantity.GreaterThan(material.LowStockThreshold)
	}
	return summary, nil
}

// Transactions returns the append-only log, oldest first.
func (s *Service) Transactions(ctx context.Context, filter TransactionFilter) ([]StockTransaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// Reconcile replays the transaction log of a material against its batches.
// A batch balances when the sum of its transaction deltas equals its current
// quantity.
func (s *Service) Reconcile(ctx context.Context, materialID string) (Reconciliation, error) {
	if _, err := s.repo.GetMaterial(ctx, materialID); err != nil {
		return Reconciliation{}, err
	}
	batches, err := s.repo.ListBatches(ctx, materialID, BatchFilter{Order: OrderFIFO})
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, TransactionFilter{MaterialID: materialID})
	if err != nil {
		return Reconciliation{}, err
	}
	replayed := make(map[BatchID]fixed.Decimal, len(batches))
	rec := Reconciliation{MaterialID: materialID}
	for _, t := range txs {
		if replayed[t.BatchID], err = replayed[t.BatchID].Add(t.QuantityDelta); err != nil {
			return Reconciliation{}, err
		}
		if t.Type == TransactionReceipt {
			continue
		}
		if rec.ConsumedByLog, err = rec.ConsumedByLog.Sub(t.QuantityDelta); err != nil {
			return Reconciliation{}, err
		}
	}
	for _, b := range batches {
		used, err := b.OriginalQuantity.Sub(b.CurrentQuantity)
		if err != nil {
			return Reconciliation{}, err
		}
		if rec.Consumed, err = rec.Consumed.Add(used); err != nil {
			return Reconciliation{}, err
		}
		if !replayed[b.ID].Equal(b.CurrentQuantity) {
			rec.Discrepancies = append(rec.Discrepancies, b.ID)
		}
	}
	rec.Balanced = len(rec.Discrepancies) == 0 && rec.Consumed.Equal(rec.ConsumedByLog)
	if !rec.Balanced {
		s.logger.Warn("ledger out of balance",
			slog.String("material_id", materialID),
			slog.Int("discrepancies", len(rec.Discrepancies)),
			slog.String("consumed", rec.Consumed.String()),
			slog.String("consumed_by_log", rec.ConsumedByLog.String()))
	}
	return rec, nil
}

// afterCommit fans a committed mutation out to the publisher, the cache and
// the audit log. Failures here are logged; the ledger change already stands.
func (s *Service) afterCommit(ctx context.Context, evt CommitEvent, audit shared.AuditLog) {
	for _, t := range evt.Transactions {
		s.metrics.QuantityMoved(string(t.Type), t.QuantityDelta.InexactFloat64())
	}
	if s.publisher != nil {
		if err := s.publisher.PublishTransactions(ctx, evt); err != nil {
			s.logger.Error("publish ledger transactions",
				slog.String("material_id", evt.MaterialID),
				slog.String("kind", string(evt.Kind)),
				slog.Any("error", err))
		}
	}
	_ = s.bumpCache(ctx, evt.MaterialID)
	audit.At = evt.CommittedAt
	s.recordAudit(ctx, audit)
}

func (s *Service) bumpCache(ctx context.Context, materialID string) error {
	if err := s.cache.Bump(ctx, materialID); err != nil {
		s.logger.Warn("bump summary cache", slog.String("material_id", materialID), slog.Any("error", err))
		return err
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func (s *Service) actor(ctx context.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	if actor = shared.ActorFromContext(ctx); actor != "" {
		return actor
	}
	return "system"
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrAlreadyCommitted):
		return observability.OutcomeDuplicate
	case errors.Is(err, ErrOptimisticConflict), errors.Is(err, ErrMaterialBusy):
		return observability.OutcomeConflict
	case isLedgerError(err):
		return observability.OutcomeRejected
	default:
		return observability.OutcomeError
	}
}

func isLedgerError(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrNegativeResultingQuantity, ErrValidation, ErrMaterialInactive,
		ErrOverflow, ErrInvalidCutLength, shared.ErrNotFound, shared.ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
