package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

func main() {
	ctx := context.Background()
	if err := app.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Seeding must not fan events out to a live worker.
	cfg.PublishEvents = false
	rt, err := app.Bootstrap(ctx, cfg, app.NewLogger(cfg, nil), app.RuntimeOptions{})
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	ctx = shared.ContextWithActor(ctx, "seed")

	fmt.Println("→ Seeding materials...")
	if err := seedMaterials(ctx, rt.Gateway); err != nil {
		log.Fatalf("seed materials: %v", err)
	}
	fmt.Println("→ Seeding receipts...")
	if err := seedReceipts(ctx, rt.Gateway); err != nil {
		log.Fatalf("seed receipts: %v", err)
	}
	if err := rt.Persist(); err != nil {
		log.Fatalf("persist: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedMaterials(ctx context.Context, gw *ledger.Gateway) error {
	materials := []ledger.MaterialForm{
		{ID: "AL-6063-FRAME", Category: "profile", StockUnit: "pcs", UsageUnit: "m", LowStockThreshold: "20"},
		{ID: "AL-6063-SASH", Category: "profile", StockUnit: "pcs", UsageUnit: "m", LowStockThreshold: "20"},
		{ID: "GL-CLEAR-5MM", Category: "glass", StockUnit: "sheet", UsageUnit: "m2", LowStockThreshold: "10"},
		{ID: "HW-HINGE-80", Category: "hardware", StockUnit: "pcs", UsageUnit: "pcs", LowStockThreshold: "50"},
		{ID: "CS-SILICONE", Category: "consumable", StockUnit: "tube", UsageUnit: "tube", LowStockThreshold: "24"},
	}
	for _, m := range materials {
		if _, err := gw.DefineMaterial(ctx, m); err != nil {
			return fmt.Errorf("define %s: %w", m.ID, err)
		}
	}
	return nil
}

func seedReceipts(ctx context.Context, gw *ledger.Gateway) error {
	arrived := time.Now().UTC().AddDate(0, 0, -30)
	day := func(n int) string { return arrived.AddDate(0, 0, n).Format(time.RFC3339) }
	receipts := []ledger.ReceiptForm{
		{MaterialID: "AL-6063-FRAME", Length: "5.8", LengthUnit: "m", Gauge: "1.4", Quantity: "60", ActualWeight: "418.5", UnitCost: "182000", Supplier: "PT Alumindo", ArrivedAt: day(0)},
		{MaterialID: "AL-6063-FRAME", Length: "6", LengthUnit: "m", Gauge: "1.4", Quantity: "40", ActualWeight: "289.2", UnitCost: "188500", Supplier: "PT Alumindo", ArrivedAt: day(7)},
		{MaterialID: "AL-6063-FRAME", Length: "6", LengthUnit: "m", Gauge: "1.4", Quantity: "40", ActualWeight: "291.6", UnitCost: "191000", Supplier: "PT Alumindo", ArrivedAt: day(21)},
		{MaterialID: "AL-6063-SASH", Length: "5.8", LengthUnit: "m", Gauge: "1.2", Quantity: "80", ActualWeight: "472", UnitCost: "154000", Supplier: "CV Inti Profil", ArrivedAt: day(3)},
		{MaterialID: "GL-CLEAR-5MM", Quantity: "30", ActualWeight: "1125", UnitCost: "410000", Supplier: "Asahimas", ArrivedAt: day(5)},
		{MaterialID: "HW-HINGE-80", Quantity: "400", ActualWeight: "64", UnitCost: "12500", Supplier: "Dekkson", ArrivedAt: day(2)},
		{MaterialID: "CS-SILICONE", Quantity: "96", ActualWeight: "28.8", UnitCost: "38000", Supplier: "Dow", ArrivedAt: day(9)},
	}
	for _, r := range receipts {
		id, err := gw.Receive(ctx, r)
		if err != nil {
			return fmt.Errorf("receive %s: %w", r.MaterialID, err)
		}
		fmt.Printf("  batch %d %s x%s\n", id, r.MaterialID, r.Quantity)
	}
	return nil
}
