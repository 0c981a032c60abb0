package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/fixed"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Category classifies a trackable material.
type Category string

const (
	CategoryProfile    Category = "profile"
	CategoryGlass      Category = "glass"
	CategoryHardware   Category = "hardware"
	CategoryConsumable Category = "consumable"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryProfile, CategoryGlass, CategoryHardware, CategoryConsumable:
		return true
	}
	return false
}

// Material identifies a stock item. Materials are deactivated, never deleted.
type Material struct {
	ID                string        `json:"id"`
	Category          Category      `json:"category"`
	StockUnit         string        `json:"stock_unit"`
	UsageUnit         string        `json:"usage_unit"`
	LowStockThreshold fixed.Decimal `json:"low_stock_threshold"`
	Active            bool          `json:"active"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Spec describes the physical variant of a profile batch.
type Spec struct {
	Length     fixed.Decimal `json:"length"`
	LengthUnit string        `json:"length_unit,omitempty"`
	Gauge      string        `json:"gauge,omitempty"`
}

// SpecFilter narrows batches by spec. Zero fields match anything.
type SpecFilter struct {
	Length fixed.Decimal `json:"length"`
	Gauge  string        `json:"gauge,omitempty"`
}

// Matches reports whether the spec passes the filter.
func (f SpecFilter) Matches(s Spec) bool {
	if !f.Length.IsZero() && !f.Length.Equal(s.Length) {
		return false
	}
	if f.Gauge != "" && !strings.EqualFold(f.Gauge, s.Gauge) {
		return false
	}
	return true
}

// BatchID is a monotonic snowflake identifier.
type BatchID int64

// Batch is one stock receipt. UnitCost and ActualWeight are written once.
type Batch struct {
	ID               BatchID       `json:"id"`
	MaterialID       string        `json:"material_id"`
	ArrivedAt        time.Time     `json:"arrived_at"`
	Spec             Spec          `json:"spec"`
	OriginalQuantity fixed.Decimal `json:"original_quantity"`
	CurrentQuantity  fixed.Decimal `json:"current_quantity"`
	ActualWeight     fixed.Decimal `json:"actual_weight"`
	UnitCost         fixed.Decimal `json:"unit_cost"`
	Supplier         string        `json:"supplier,omitempty"`
}

// Before reports whether b arrived before o, ties broken by id.
func (b Batch) Before(o Batch) bool {
	if !b.ArrivedAt.Equal(o.ArrivedAt) {
		return b.ArrivedAt.Before(o.ArrivedAt)
	}
	return b.ID < o.ID
}

// Order is the batch walking order.
type Order string

const (
	OrderFIFO Order = "FIFO"
	OrderLIFO Order = "LIFO"
)

// ParseOrder maps a string to an Order. Empty means FIFO.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToUpper(strings.TrimSpace(s))) {
	case "", OrderFIFO:
		return OrderFIFO, nil
	case OrderLIFO:
		return OrderLIFO, nil
	default:
		return "", fmt.Errorf("ledger: unknown order %q", s)
	}
}

// BatchFilter selects batches for listing.
type BatchFilter struct {
	Spec          SpecFilter
	OnlyAvailable bool
	Order         Order
}

// TransactionType enumerates ledger mutations.
type TransactionType string

const (
	TransactionReceipt     TransactionType = "RECEIPT"
	TransactionConsumption TransactionType = "CONSUMPTION"
	TransactionAdjustment  TransactionType = "ADJUSTMENT"
	TransactionScrap       TransactionType = "SCRAP"
)

// StockTransaction is the append-only record of one change to a batch quantity.
type StockTransaction struct {
	ID            int64           `json:"id"`
	Type          TransactionType `json:"type"`
	MaterialID    string          `json:"material_id"`
	BatchID       BatchID         `json:"batch_id"`
	QuantityDelta fixed.Decimal   `json:"quantity_delta"`
	Unit          string          `json:"unit"`
	CostDelta     fixed.Decimal   `json:"cost_delta"`
	WeightDelta   fixed.Decimal   `json:"weight_delta"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         string          `json:"actor"`
	PlanID        string          `json:"plan_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// TransactionFilter filters the transaction log.
type TransactionFilter struct {
	MaterialID string
	BatchID    BatchID
	PlanID     string
	Types      []TransactionType
	From       time.Time
	To         time.Time
	Limit      int
}

// ConsumptionSlice is the part of one batch a plan takes.
type ConsumptionSlice struct {
	BatchID  BatchID       `json:"batch_id"`
	Quantity fixed.Decimal `json:"quantity"`
	Cost     fixed.Decimal `json:"cost"`
	Weight   fixed.Decimal `json:"weight"`
}

// ConsumptionPlan is a side-effect free preview of a consumption.
type ConsumptionPlan struct {
	ID          string             `json:"id"`
	MaterialID  string             `json:"material_id"`
	Filter      SpecFilter         `json:"filter"`
	Order       Order              `json:"order"`
	Required    fixed.Decimal      `json:"required"`
	Slices      []ConsumptionSlice `json:"slices"`
	Shortfall   fixed.Decimal      `json:"shortfall"`
	TotalCost   fixed.Decimal      `json:"total_cost"`
	TotalWeight fixed.Decimal      `json:"total_weight"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Satisfied reports whether the plan covers the full requirement.
func (p ConsumptionPlan) Satisfied() bool {
	return p.Shortfall.IsZero()
}

// PlanStatus tracks cutting plan lifecycle.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "DRAFT"
	PlanCommitted PlanStatus = "COMMITTED"
)

// PipeAssignment is one stock pipe of a cutting plan. BatchID stays zero until commit.
type PipeAssignment struct {
	StockLength fixed.Decimal   `json:"stock_length"`
	Cuts        []fixed.Decimal `json:"cuts"`
	Scrap       fixed.Decimal   `json:"scrap"`
	BatchID     BatchID         `json:"batch_id,omitempty"`
}

// CuttingPlan is the persisted optimizer result for one material.
type CuttingPlan struct {
	ID          string                `json:"id"`
	MaterialID  string                `json:"material_id"`
	Gauge       string                `json:"gauge,omitempty"`
	Reference   string                `json:"reference,omitempty"`
	Policy      cutting.Policy        `json:"policy"`
	Kerf        fixed.Decimal         `json:"kerf"`
	Cuts        []fixed.Decimal       `json:"cuts"`
	Assignments []PipeAssignment      `json:"assignments"`
	Unsatisfied []cutting.Unsatisfied `json:"unsatisfied,omitempty"`
	Shortages   []cutting.Shortage    `json:"shortages,omitempty"`
	TotalScrap  fixed.Decimal         `json:"total_scrap"`
	PipeCount   int                   `json:"pipe_count"`
	Status      PlanStatus            `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	CommittedAt *time.Time            `json:"committed_at,omitempty"`
	CommittedBy string                `json:"committed_by,omitempty"`
}

// Complete reports whether every requested cut was packed.
func (p CuttingPlan) Complete() bool {
	return len(p.Unsatisfied) == 0
}

// Summary is an on-demand aggregate over a material's remaining batches.
type Summary struct {
	MaterialID      string        `json:"material_id"`
	BatchCount      int           `json:"batch_count"`
	TotalQuantity   fixed.Decimal `json:"total_quantity"`
	TotalWeight     fixed.Decimal `json:"total_weight"`
	TotalCost       fixed.Decimal `json:"total_cost"`
	WeightedAvgCost fixed.Decimal `json:"weighted_avg_cost"`
	LowStock        bool          `json:"low_stock"`
}

// Reconciliation compares batch quantities against the replayed transaction log.
type Reconciliation struct {
	MaterialID    string        `json:"material_id"`
	Balanced      bool          `json:"balanced"`
	Discrepancies []BatchID     `json:"discrepancies,omitempty"`
	Consumed      fixed.Decimal `json:"consumed"`
	ConsumedByLog fixed.Decimal `json:"consumed_by_log"`
}

var (
	// ErrInvalidQuantity indicates a non-positive or out-of-bounds quantity.
	ErrInvalidQuantity = errors.New("ledger: invalid quantity")
	// ErrInvalidCutLength indicates a zero or negative cut length.
	ErrInvalidCutLength = cutting.ErrInvalidCutLength
	// ErrNegativeResultingQuantity indicates an adjustment below zero.
	ErrNegativeResultingQuantity = errors.New("ledger: adjustment would leave negative quantity")
	// ErrCutExceedsStock mirrors the optimizer's per-cut error.
	ErrCutExceedsStock = cutting.ErrCutExceedsStock
	// ErrInsufficientStockLength mirrors the optimizer's per-cut error.
	ErrInsufficientStockLength = cutting.ErrInsufficientStockLength
	// ErrOptimisticConflict indicates the ledger changed under a plan; regenerate and retry.
	ErrOptimisticConflict = fmt.Errorf("ledger: optimistic %w, batch changed since planning", shared.ErrConflict)
	// ErrAlreadyCommitted indicates a plan was committed before.
	ErrAlreadyCommitted = fmt.Errorf("ledger: plan already committed: %w", shared.ErrConflict)
	// ErrOverflow mirrors decimal overflow.
	ErrOverflow = fixed.ErrOverflow

	// ErrMaterialNotFound indicates an unknown material.
	ErrMaterialNotFound = fmt.Errorf("ledger: material %w", shared.ErrNotFound)
	// ErrMaterialInactive indicates receipts against a deactivated material.
	ErrMaterialInactive = errors.New("ledger: material inactive")
	// ErrBatchNotFound indicates an unknown batch.
	ErrBatchNotFound = fmt.Errorf("ledger: batch %w", shared.ErrNotFound)
	// ErrPlanNotFound indicates an unknown plan id.
	ErrPlanNotFound = fmt.Errorf("ledger: plan %w", shared.ErrNotFound)
	// ErrMaterialBusy indicates the material lock could not be obtained.
	ErrMaterialBusy = errors.New("ledger: material locked by another commit")
	// ErrValidation wraps inbound request validation failures.
	ErrValidation = errors.New("ledger: validation failed")
)
