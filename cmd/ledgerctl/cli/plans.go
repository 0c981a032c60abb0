package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/jobs"
)

// SelectResult is the JSON shape of `select`.
type SelectResult struct {
	Plan         ledger.ConsumptionPlan    `json:"plan"`
	Committed    bool                      `json:"committed"`
	Transactions []ledger.StockTransaction `json:"transactions,omitempty"`
}

func (c *LedgerCLI) selectCmd(ctx context.Context, args []string) int {
	fs := c.flags("select")
	form := ledger.ConsumptionForm{}
	fs.StringVar(&form.MaterialID, "material", "", "material id")
	fs.StringVar(&form.Required, "qty", "", "required quantity")
	fs.StringVar(&form.Length, "length", "", "only this stock length")
	fs.StringVar(&form.Gauge, "gauge", "", "only this gauge")
	fs.StringVar(&form.Order, "order", "FIFO", "FIFO or LIFO")
	commit := fs.Bool("commit", false, "commit the plan when it covers the full quantity")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	plan, err := c.opts.Gateway.RequestConsumption(ctx, form)
	if err != nil {
		return c.fail("select", err)
	}
	result := SelectResult{Plan: plan}
	if *commit && plan.Satisfied() {
		result.Transactions, err = c.opts.Gateway.CommitPlan(ctx, ledger.CommitForm{PlanID: plan.ID})
		if err != nil {
			return c.fail("select", err)
		}
		result.Committed = true
	}
	// The stash may live in the state file, so an uncommitted plan is saved too.
	if code := c.persist("select"); code != ExitOK {
		return code
	}
	code := c.emit("select", result, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "plan %s: %s of %s, %s order\n", plan.ID, plan.Required, plan.MaterialID, plan.Order)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "BATCH\tQTY\tCOST\tWEIGHT")
		for _, s := range plan.Slices {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.BatchID, s.Quantity, s.Cost, s.Weight)
		}
		_ = tw.Flush()
		_, _ = fmt.Fprintf(w, "total cost %s, total weight %s\n", plan.TotalCost, plan.TotalWeight)
		if !plan.Satisfied() {
			_, _ = fmt.Fprintf(w, "SHORTFALL %s\n", plan.Shortfall)
		}
		switch {
		case result.Committed:
			_, _ = fmt.Fprintf(w, "committed %d transaction(s)\n", len(result.Transactions))
		case *commit:
			_, _ = fmt.Fprintln(w, "not committed: plan does not cover the required quantity")
		}
	})
	return warnIf(code, !plan.Satisfied())
}

func (c *LedgerCLI) cuttingForm(name string, args []string) (ledger.CuttingForm, int) {
	fs := c.flags(name)
	form := ledger.CuttingForm{}
	var cuts string
	fs.StringVar(&form.MaterialID, "material", "", "material id")
	fs.StringVar(&cuts, "cuts", "", "comma separated cut lengths, e.g. 7,7,5,3")
	fs.StringVar(&form.Gauge, "gauge", "", "only stock of this gauge")
	fs.StringVar(&form.Reference, "ref", "", "work order or quotation reference")
	fs.StringVar(&form.Policy, "policy", "", "pipes-first or scrap-first (default from config)")
	if err := fs.Parse(args); err != nil {
		return form, ExitUsage
	}
	form.Cuts = splitList(cuts)
	if len(form.Cuts) == 0 {
		return form, c.failf(name, "--cuts is required")
	}
	return form, ExitOK
}

func (c *LedgerCLI) plan(ctx context.Context, args []string) int {
	form, code := c.cuttingForm("plan", args)
	if code != ExitOK {
		return code
	}
	plan, err := c.opts.Gateway.RequestCuttingPlan(ctx, form)
	if err != nil {
		return c.fail("plan", err)
	}
	if code := c.persist("plan"); code != ExitOK {
		return code
	}
	code = c.emit("plan", plan, func(w io.Writer) { renderCuttingPlan(w, plan) })
	return warnIf(code, !plan.Complete())
}

func renderCuttingPlan(w io.Writer, plan ledger.CuttingPlan) {
	_, _ = fmt.Fprintf(w, "cutting plan %s for %s (%s, kerf %s), %s\n", plan.ID, plan.MaterialID, plan.Policy, plan.Kerf, plan.Status)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PIPE\tSTOCK\tCUTS\tSCRAP\tBATCH")
	for i, a := range plan.Assignments {
		cuts := make([]string, len(a.Cuts))
		for k, cut := range a.Cuts {
			cuts[k] = cut.String()
		}
		batch := "-"
		if a.BatchID != 0 {
			batch = fmt.Sprint(int64(a.BatchID))
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, a.StockLength, strings.Join(cuts, "+"), a.Scrap, batch)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%d pipe(s), total scrap %s\n", plan.PipeCount, plan.TotalScrap)
	for _, u := range plan.Unsatisfied {
		_, _ = fmt.Fprintf(w, "UNSATISFIED cut #%d (%s): %s\n", u.Index+1, u.Length, u.Reason)
	}
	for _, s := range plan.Shortages {
		_, _ = fmt.Fprintf(w, "SHORTAGE %s: need %d, have %d\n", s.Length, s.Required, s.Available)
	}
}

func (c *LedgerCLI) commit(ctx context.Context, args []string) int {
	fs := c.flags("commit")
	form := ledger.CommitForm{}
	fs.StringVar(&form.PlanID, "plan", "", "plan id")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	records, err := c.opts.Gateway.CommitPlan(ctx, form)
	if err != nil {
		if errors.Is(err, ledger.ErrOptimisticConflict) {
			_, _ = fmt.Fprintln(c.opts.Stderr, "commit: stock changed since planning, request a new plan")
		}
		return c.fail("commit", err)
	}
	if code := c.persist("commit"); code != ExitOK {
		return code
	}
	return c.emit("commit", records, func(w io.Writer) { renderTransactions(w, records) })
}

func (c *LedgerCLI) enqueuePlan(ctx context.Context, args []string) int {
	form, code := c.cuttingForm("enqueue-plan", args)
	if code != ExitOK {
		return code
	}
	if c.opts.Queue == nil {
		return c.fail("enqueue-plan", errors.New("task queue unavailable, set REDIS_ADDR"))
	}
	if _, err := c.opts.Gateway.CuttingRequest(form); err != nil {
		return c.fail("enqueue-plan", err)
	}
	info, err := c.opts.Queue.EnqueueCuttingOptimize(ctx, jobs.CuttingOptimizePayload{Requests: []ledger.CuttingForm{form}})
	if err != nil {
		return c.fail("enqueue-plan", err)
	}
	out := map[string]string{"task_id": info.ID, "queue": info.Queue, "type": info.Type}
	return c.emit("enqueue-plan", out, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "enqueued %s on %s as %s\n", info.Type, info.Queue, info.ID)
	})
}

func (c *LedgerCLI) migrate(ctx context.Context, args []string) int {
	if err := c.flags("migrate").Parse(args); err != nil {
		return ExitUsage
	}
	if c.opts.Migrate == nil {
		return c.fail("migrate", errors.New("migrations need LEDGER_STORE=postgres"))
	}
	applied, err := c.opts.Migrate(ctx)
	if err != nil {
		return c.fail("migrate", err)
	}
	return c.emit("migrate", map[string]any{"applied": applied}, func(w io.Writer) {
		if len(applied) == 0 {
			_, _ = fmt.Fprintln(w, "schema up to date")
			return
		}
		for _, name := range applied {
			_, _ = fmt.Fprintf(w, "applied %s\n", name)
		}
	})
}
