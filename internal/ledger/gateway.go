package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/fixed"
)

// Gateway is the inbound edge of the ledger. Quantities cross it as decimal
// strings and are parsed exactly once here.
type Gateway struct {
	svc       *Service
	validator *validator.Validate
}

// NewGateway wraps the service.
func NewGateway(svc *Service) *Gateway {
	return &Gateway{svc: svc, validator: validator.New()}
}

// Service exposes the wrapped service for read paths.
func (g *Gateway) Service() *Service { return g.svc }

// MaterialForm defines a material.
type MaterialForm struct {
	ID                string `json:"id" validate:"required"`
	Category          string `json:"category" validate:"required,oneof=profile glass hardware consumable"`
	StockUnit         string `json:"stock_unit"`
	UsageUnit         string `json:"usage_unit"`
	LowStockThreshold string `json:"low_stock_threshold" validate:"omitempty,numeric"`
}

// ReceiptForm records a stock arrival.
type ReceiptForm struct {
	MaterialID   string `json:"material_id" validate:"required"`
	Category     string `json:"category" validate:"omitempty,oneof=profile glass hardware consumable"`
	StockUnit    string `json:"stock_unit"`
	UsageUnit    string `json:"usage_unit"`
	Length       string `json:"length" validate:"omitempty,numeric"`
	LengthUnit   string `json:"length_unit"`
	Gauge        string `json:"gauge"`
	Quantity     string `json:"quantity" validate:"required,numeric"`
	ActualWeight string `json:"actual_weight" validate:"required,numeric"`
	UnitCost     string `json:"unit_cost" validate:"required,numeric"`
	Supplier     string `json:"supplier"`
	// ArrivedAt is RFC 3339; empty means now.
	ArrivedAt string `json:"arrived_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Actor     string `json:"actor"`
}

// AdjustForm corrects one batch.
type AdjustForm struct {
	BatchID int64  `json:"batch_id" validate:"required,gt=0"`
	Delta   string `json:"delta" validate:"required,numeric"`
	Reason  string `json:"reason" validate:"required"`
	Actor   string `json:"actor"`
}

// ScrapForm writes off stock from one batch.
type ScrapForm struct {
	BatchID  int64  `json:"batch_id" validate:"required,gt=0"`
	Quantity string `json:"quantity" validate:"required,numeric"`
	Reason   string `json:"reason" validate:"required"`
	PlanID   string `json:"plan_id"`
	Actor    string `json:"actor"`
}

// ConsumptionForm previews a consumption.
type ConsumptionForm struct {
	MaterialID string `json:"material_id" validate:"required"`
	Required   string `json:"required" validate:"required,numeric"`
	Length     string `json:"length" validate:"omitempty,numeric"`
	Gauge      string `json:"gauge"`
	Order      string `json:"order" validate:"omitempty,oneof=FIFO LIFO fifo lifo"`
}

// CuttingForm requests a cutting plan.
type CuttingForm struct {
	MaterialID string   `json:"material_id" validate:"required"`
	Gauge      string   `json:"gauge"`
	Reference  string   `json:"reference"`
	Cuts       []string `json:"cuts" validate:"required,min=1,dive,required,numeric"`
	Policy     string   `json:"policy" validate:"omitempty,oneof=pipes-first scrap-first"`
}

// CommitForm commits a previously returned plan.
type CommitForm struct {
	PlanID string `json:"plan_id" validate:"required"`
	Actor  string `json:"actor"`
}

func (g *Gateway) check(form any) error {
	if err := g.validator.Struct(form); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func parseField(name, value string) (fixed.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return fixed.Zero, nil
	}
	d, err := fixed.Parse(value)
	if err != nil {
		return fixed.Zero, fmt.Errorf("%w: %s: %w", ErrValidation, name, err)
	}
	return d, nil
}

// DefineMaterial validates and defines a material.
func (g *Gateway) DefineMaterial(ctx context.Context, form MaterialForm) (Material, error) {
	if err := g.check(form); err != nil {
		return Material{}, err
	}
	threshold, err := parseField("low_stock_threshold", form.LowStockThreshold)
	if err != nil {
		return Material{}, err
	}
	return g.svc.DefineMaterial(ctx, MaterialInput{
		ID:                form.ID,
		Category:          Category(form.Category),
		StockUnit:         form.StockUnit,
		UsageUnit:         form.UsageUnit,
		LowStockThreshold: threshold,
	})
}

// Receive validates and records a batch.
func (g *Gateway) Receive(ctx context.Context, form ReceiptForm) (BatchID, error) {
	if err := g.check(form); err != nil {
		return 0, err
	}
	input := ReceiptInput{
		MaterialID: form.MaterialID,
		Category:   Category(form.Category),
		StockUnit:  form.StockUnit,
		UsageUnit:  form.UsageUnit,
		Spec:       Spec{LengthUnit: strings.TrimSpace(form.LengthUnit), Gauge: strings.TrimSpace(form.Gauge)},
		Supplier:   form.Supplier,
		Actor:      form.Actor,
	}
	if input.Category == "" {
		input.Category = CategoryProfile
	}
	var err error
	if input.Spec.Length, err = parseField("length", form.Length); err != nil {
		return 0, err
	}
	if input.Quantity, err = parseField("quantity", form.Quantity); err != nil {
		return 0, err
	}
	if input.ActualWeight, err = parseField("actual_weight", form.ActualWeight); err != nil {
		return 0, err
	}
	if input.UnitCost, err = parseField("unit_cost", form.UnitCost); err != nil {
		return 0, err
	}
	if form.ArrivedAt != "" {
		if input.ArrivedAt, err = time.Parse(time.RFC3339, form.ArrivedAt); err != nil {
			return 0, fmt.Errorf("%w: arrived_at: %v", ErrValidation, err)
		}
	}
	return g.svc.CreateBatch(ctx, input)
}

// Adjust validates and applies a manual correction.
func (g *Gateway) Adjust(ctx context.Context, form AdjustForm) (StockTransaction, error) {
	if err := g.check(form); err != nil {
		return StockTransaction{}, err
	}
	delta, err := parseField("delta", form.Delta)
	if err != nil {
		return StockTransaction{}, err
	}
	return g.svc.AdjustBatch(ctx, AdjustInput{
		BatchID: BatchID(form.BatchID),
		Delta:   delta,
		Reason:  form.Reason,
		Actor:   form.Actor,
	})
}

// Scrap validates and writes off stock.
func (g *Gateway) Scrap(ctx context.Context, form ScrapForm) (StockTransaction, error) {
	if err := g.check(form); err != nil {
		return StockTransaction{}, err
	}
	qty, err := parseField("quantity", form.Quantity)
	if err != nil {
		return StockTransaction{}, err
	}
	return g.svc.WriteOffScrap(ctx, ScrapInput{
		BatchID:  BatchID(form.BatchID),
		Quantity: qty,
		Reason:   form.Reason,
		PlanID:   strings.TrimSpace(form.PlanID),
		Actor:    form.Actor,
	})
}

// RequestConsumption previews a consumption. The ledger is not touched.
func (g *Gateway) RequestConsumption(ctx context.Context, form ConsumptionForm) (ConsumptionPlan, error) {
	if err := g.check(form); err != nil {
		return ConsumptionPlan{}, err
	}
	required, err := parseField("required", form.Required)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	length, err := parseField("length", form.Length)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	order, err := ParseOrder(form.Order)
	if err != nil {
		return ConsumptionPlan{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return g.svc.RequestConsumption(ctx, ConsumptionRequest{
		MaterialID: form.MaterialID,
		Required:   required,
		Spec:       SpecFilter{Length: length, Gauge: strings.TrimSpace(form.Gauge)},
		Order:      order,
	})
}

// RequestCuttingPlan drafts a cutting plan.
func (g *Gateway) RequestCuttingPlan(ctx context.Context, form CuttingForm) (CuttingPlan, error) {
	req, err := g.CuttingRequest(form)
	if err != nil {
		return CuttingPlan{}, err
	}
	return g.svc.RequestCuttingPlan(ctx, req)
}

// CuttingRequest validates a form into a service request without planning.
func (g *Gateway) CuttingRequest(form CuttingForm) (CuttingRequest, error) {
	if err := g.check(form); err != nil {
		return CuttingRequest{}, err
	}
	req := CuttingRequest{
		MaterialID: form.MaterialID,
		Gauge:      form.Gauge,
		Reference:  form.Reference,
		Cuts:       make([]fixed.Decimal, 0, len(form.Cuts)),
	}
	for i, raw := range form.Cuts {
		cut, err := parseField(fmt.Sprintf("cuts[%d]", i), raw)
		if err != nil {
			return CuttingRequest{}, err
		}
		req.Cuts = append(req.Cuts, cut)
	}
	if form.Policy != "" {
		policy, err := cutting.ParsePolicy(form.Policy)
		if err != nil {
			return CuttingRequest{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		req.Policy = policy
	}
	return req, nil
}

// CommitPlan commits a cutting plan or a stashed consumption plan by id.
func (g *Gateway) CommitPlan(ctx context.Context, form CommitForm) ([]StockTransaction, error) {
	if err := g.check(form); err != nil {
		return nil, err
	}
	return g.svc.CommitPlan(ctx, strings.TrimSpace(form.PlanID), form.Actor)
}
