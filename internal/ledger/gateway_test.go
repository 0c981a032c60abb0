package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/fixed"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	svc, _ := newTestService(t, ServiceDeps{Stash: NewMemoryPlanStash(time.Minute)})
	return NewGateway(svc)
}

func TestGatewayRejectsMalformedInput(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Receive(ctx, ReceiptForm{MaterialID: "AL", Quantity: "ten", ActualWeight: "1", UnitCost: "1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.Receive(ctx, ReceiptForm{Quantity: "1", ActualWeight: "1", UnitCost: "1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.Receive(ctx, ReceiptForm{MaterialID: "AL", Quantity: "0.00001", ActualWeight: "1", UnitCost: "1"})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, fixed.ErrOverflow)

	_, err = gw.Receive(ctx, ReceiptForm{MaterialID: "AL", Quantity: "1", ActualWeight: "1", UnitCost: "1", ArrivedAt: "yesterday"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.RequestCuttingPlan(ctx, CuttingForm{MaterialID: "AL"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.RequestCuttingPlan(ctx, CuttingForm{MaterialID: "AL", Cuts: []string{"1.2", "x"}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.RequestConsumption(ctx, ConsumptionForm{MaterialID: "AL", Required: "3", Order: "NEWEST"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.DefineMaterial(ctx, MaterialForm{ID: "AL", Category: "timber"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.Adjust(ctx, AdjustForm{BatchID: 0, Delta: "1", Reason: "x"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = gw.CommitPlan(ctx, CommitForm{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestGatewayRoundTrip(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	material, err := gw.DefineMaterial(ctx, MaterialForm{ID: "AL-SASH", Category: "profile", StockUnit: "bar", UsageUnit: "m", LowStockThreshold: "2"})
	require.NoError(t, err)
	require.Equal(t, "bar", material.StockUnit)
	require.Equal(t, "m", material.UsageUnit)

	older, err := gw.Receive(ctx, ReceiptForm{
		MaterialID: "AL-SASH", Length: "6", LengthUnit: "m", Gauge: "1.4",
		Quantity: "3", ActualWeight: "15.75", UnitCost: "120.50", Supplier: "Alumindo",
		ArrivedAt: "2024-03-01T08:00:00Z",
	})
	require.NoError(t, err)
	_, err = gw.Receive(ctx, ReceiptForm{
		MaterialID: "AL-SASH", Length: "6", LengthUnit: "m", Gauge: "1.4",
		Quantity: "2", ActualWeight: "10.5", UnitCost: "125",
		ArrivedAt: "2024-03-02T08:00:00Z",
	})
	require.NoError(t, err)

	batch, err := gw.Service().GetBatch(ctx, older)
	require.NoError(t, err)
	require.Equal(t, "120.5", batch.UnitCost.String())
	require.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), batch.ArrivedAt)

	plan, err := gw.RequestConsumption(ctx, ConsumptionForm{MaterialID: "AL-SASH", Required: "4", Length: "6", Gauge: "1.4", Order: "fifo"})
	require.NoError(t, err)
	require.True(t, plan.Satisfied())
	require.Equal(t, "486.5", plan.TotalCost.String())

	records, err := gw.CommitPlan(ctx, CommitForm{PlanID: plan.ID, Actor: "yard"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	cutPlan, err := gw.RequestCuttingPlan(ctx, CuttingForm{MaterialID: "AL-SASH", Cuts: []string{"2.4", "3.1"}, Policy: "scrap-first"})
	require.NoError(t, err)
	require.Equal(t, cutting.PolicyScrapFirst, cutPlan.Policy)
	require.Equal(t, 1, cutPlan.PipeCount)
	require.Equal(t, "0.5", cutPlan.TotalScrap.String())

	_, err = gw.CommitPlan(ctx, CommitForm{PlanID: cutPlan.ID})
	require.NoError(t, err)

	summary, err := gw.Service().Summarize(ctx, "AL-SASH")
	require.NoError(t, err)
	require.True(t, summary.TotalQuantity.IsZero())
	require.True(t, summary.LowStock)

	tx, err := gw.Scrap(ctx, ScrapForm{BatchID: int64(older), Quantity: "1", Reason: "dent"})
	require.ErrorIs(t, err, ErrNegativeResultingQuantity)
	require.Empty(t, tx.Type)
}
