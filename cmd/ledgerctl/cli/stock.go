package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/stockledger/internal/fixed"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

func (c *LedgerCLI) material(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return c.failf("material", "expected define or deactivate")
	}
	switch args[0] {
	case "define":
		fs := c.flags("material define")
		form := ledger.MaterialForm{}
		fs.StringVar(&form.ID, "id", "", "material id")
		fs.StringVar(&form.Category, "category", string(ledger.CategoryProfile), "profile, glass, hardware or consumable")
		fs.StringVar(&form.StockUnit, "stock-unit", "", "unit stock is counted in")
		fs.StringVar(&form.UsageUnit, "usage-unit", "", "unit stock is consumed in")
		fs.StringVar(&form.LowStockThreshold, "threshold", "", "low stock threshold")
		if err := fs.Parse(args[1:]); err != nil {
			return ExitUsage
		}
		m, err := c.opts.Gateway.DefineMaterial(ctx, form)
		if err != nil {
			return c.fail("material define", err)
		}
		if code := c.persist("material define"); code != ExitOK {
			return code
		}
		return c.emit("material define", m, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "material %s (%s) defined, stock unit %s, threshold %s\n",
				m.ID, m.Category, m.StockUnit, m.LowStockThreshold)
		})
	case "deactivate":
		fs := c.flags("material deactivate")
		id := fs.String("id", "", "material id")
		if err := fs.Parse(args[1:]); err != nil {
			return ExitUsage
		}
		if strings.TrimSpace(*id) == "" {
			return c.failf("material deactivate", "--id is required")
		}
		if err := c.opts.Gateway.Service().DeactivateMaterial(ctx, *id, ""); err != nil {
			return c.fail("material deactivate", err)
		}
		if code := c.persist("material deactivate"); code != ExitOK {
			return code
		}
		return c.emit("material deactivate", map[string]any{"id": *id, "active": false}, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "material %s deactivated\n", *id)
		})
	}
	return c.failf("material", "unknown subcommand %q", args[0])
}

func (c *LedgerCLI) receive(ctx context.Context, args []string) int {
	fs := c.flags("receive")
	form := ledger.ReceiptForm{}
	fs.StringVar(&form.MaterialID, "material", "", "material id")
	fs.StringVar(&form.Category, "category", "", "category when the material is new")
	fs.StringVar(&form.StockUnit, "stock-unit", "", "stock unit when the material is new")
	fs.StringVar(&form.Length, "length", "", "stock length of each piece")
	fs.StringVar(&form.LengthUnit, "length-unit", "m", "length unit")
	fs.StringVar(&form.Gauge, "gauge", "", "profile gauge")
	fs.StringVar(&form.Quantity, "qty", "", "quantity received")
	fs.StringVar(&form.ActualWeight, "weight", "", "weighed total")
	fs.StringVar(&form.UnitCost, "cost", "", "cost per stock unit")
	fs.StringVar(&form.Supplier, "supplier", "", "supplier")
	fs.StringVar(&form.ArrivedAt, "arrived", "", "arrival time, RFC 3339 (default now)")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	id, err := c.opts.Gateway.Receive(ctx, form)
	if err != nil {
		return c.fail("receive", err)
	}
	if code := c.persist("receive"); code != ExitOK {
		return code
	}
	b, err := c.opts.Gateway.Service().GetBatch(ctx, id)
	if err != nil {
		return c.fail("receive", err)
	}
	return c.emit("receive", b, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "batch %d received: %s x %s @ %s\n", b.ID, b.MaterialID, b.OriginalQuantity, b.UnitCost)
	})
}

func (c *LedgerCLI) batches(ctx context.Context, args []string) int {
	fs := c.flags("batches")
	material := fs.String("material", "", "material id")
	length := fs.String("length", "", "only this stock length")
	gauge := fs.String("gauge", "", "only this gauge")
	available := fs.Bool("available", false, "hide empty batches")
	order := fs.String("order", "FIFO", "FIFO or LIFO")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if strings.TrimSpace(*material) == "" {
		return c.failf("batches", "--material is required")
	}
	filter := ledger.BatchFilter{OnlyAvailable: *available, Spec: ledger.SpecFilter{Gauge: strings.TrimSpace(*gauge)}}
	var err error
	if filter.Order, err = ledger.ParseOrder(*order); err != nil {
		return c.failf("batches", "%v", err)
	}
	if *length != "" {
		if filter.Spec.Length, err = fixed.Parse(*length); err != nil {
			return c.failf("batches", "invalid --length: %v", err)
		}
	}
	list, err := c.opts.Gateway.Service().ListBatches(ctx, *material, filter)
	if err != nil {
		return c.fail("batches", err)
	}
	return c.emit("batches", list, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tARRIVED\tLENGTH\tGAUGE\tCURRENT\tORIGINAL\tUNIT COST")
		for _, b := range list {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.ArrivedAt.Format(time.RFC3339),
				b.Spec.Length, b.Spec.Gauge, b.CurrentQuantity, b.OriginalQuantity, b.UnitCost)
		}
		_ = tw.Flush()
	})
}

func (c *LedgerCLI) adjust(ctx context.Context, args []string) int {
	fs := c.flags("adjust")
	form := ledger.AdjustForm{}
	fs.Int64Var(&form.BatchID, "batch", 0, "batch id")
	fs.StringVar(&form.Delta, "delta", "", "signed quantity change")
	fs.StringVar(&form.Reason, "reason", "", "why the batch is corrected")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	record, err := c.opts.Gateway.Adjust(ctx, form)
	if err != nil {
		return c.fail("adjust", err)
	}
	if code := c.persist("adjust"); code != ExitOK {
		return code
	}
	return c.emit("adjust", record, func(w io.Writer) { renderTransactions(w, []ledger.StockTransaction{record}) })
}

func (c *LedgerCLI) scrap(ctx context.Context, args []string) int {
	fs := c.flags("scrap")
	form := ledger.ScrapForm{}
	fs.Int64Var(&form.BatchID, "batch", 0, "batch id")
	fs.StringVar(&form.Quantity, "qty", "", "quantity written off")
	fs.StringVar(&form.Reason, "reason", "", "why the stock is scrapped")
	fs.StringVar(&form.PlanID, "plan", "", "cutting plan the offcut came from")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	record, err := c.opts.Gateway.Scrap(ctx, form)
	if err != nil {
		return c.fail("scrap", err)
	}
	if code := c.persist("scrap"); code != ExitOK {
		return code
	}
	return c.emit("scrap", record, func(w io.Writer) { renderTransactions(w, []ledger.StockTransaction{record}) })
}

func (c *LedgerCLI) summary(ctx context.Context, args []string) int {
	fs := c.flags("summary")
	material := fs.String("material", "", "material id")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if strings.TrimSpace(*material) == "" {
		return c.failf("summary", "--material is required")
	}
	s, err := c.opts.Gateway.Service().Summarize(ctx, *material)
	if err != nil {
		return c.fail("summary", err)
	}
	code := c.emit("summary", s, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "%s: %d batch(es), quantity %s, weight %s, cost %s, weighted avg cost %s\n",
			s.MaterialID, s.BatchCount, s.TotalQuantity, s.TotalWeight, s.TotalCost, s.WeightedAvgCost)
		if s.LowStock {
			_, _ = fmt.Fprintln(w, "LOW STOCK")
		}
	})
	return warnIf(code, s.LowStock)
}

func (c *LedgerCLI) reconcile(ctx context.Context, args []string) int {
	fs := c.flags("reconcile")
	material := fs.String("material", "", "material id (default all)")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	svc := c.opts.Gateway.Service()
	ids := []string{strings.TrimSpace(*material)}
	if ids[0] == "" {
		materials, err := svc.ListMaterials(ctx)
		if err != nil {
			return c.fail("reconcile", err)
		}
		ids = ids[:0]
		for _, m := range materials {
			ids = append(ids, m.ID)
		}
	}
	results := make([]ledger.Reconciliation, 0, len(ids))
	balanced := true
	for _, id := range ids {
		rec, err := svc.Reconcile(ctx, id)
		if err != nil {
			return c.fail("reconcile", err)
		}
		balanced = balanced && rec.Balanced
		results = append(results, rec)
	}
	code := c.emit("reconcile", results, func(w io.Writer) {
		for _, rec := range results {
			status := "balanced"
			if !rec.Balanced {
				status = fmt.Sprintf("OUT OF BALANCE, batches %v", rec.Discrepancies)
			}
			_, _ = fmt.Fprintf(w, "%s: consumed %s, by log %s, %s\n", rec.MaterialID, rec.Consumed, rec.ConsumedByLog, status)
		}
	})
	return warnIf(code, !balanced)
}

func (c *LedgerCLI) transactions(ctx context.Context, args []string) int {
	fs := c.flags("tx")
	filter := ledger.TransactionFilter{}
	var batch int64
	fs.StringVar(&filter.MaterialID, "material", "", "material id")
	fs.Int64Var(&batch, "batch", 0, "batch id")
	fs.StringVar(&filter.PlanID, "plan", "", "plan id")
	fs.IntVar(&filter.Limit, "limit", 0, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	filter.BatchID = ledger.BatchID(batch)
	list, err := c.opts.Gateway.Service().Transactions(ctx, filter)
	if err != nil {
		return c.fail("tx", err)
	}
	return c.emit("tx", list, func(w io.Writer) { renderTransactions(w, list) })
}

func renderTransactions(w io.Writer, list []ledger.StockTransaction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tBATCH\tQTY\tCOST\tWEIGHT\tACTOR\tPLAN\tREASON")
	for _, t := range list {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, t.BatchID,
			t.QuantityDelta, t.CostDelta, t.WeightDelta, t.Actor, t.PlanID, t.Reason)
	}
	_ = tw.Flush()
}
