package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/jobs"
)

type harness struct {
	cli      *LedgerCLI
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	persists int
}

func newHarness(t *testing.T, queue OptimizeQueue) *harness {
	t.Helper()
	svc, err := ledger.NewService(ledger.NewMemoryRepository(), ledger.ServiceConfig{NodeID: 5}, ledger.ServiceDeps{
		Stash: ledger.NewMemoryPlanStash(0),
	})
	require.NoError(t, err)
	h := &harness{stdout: new(bytes.Buffer), stderr: new(bytes.Buffer)}
	opts := Options{
		Gateway: ledger.NewGateway(svc),
		Persist: func() error { h.persists++; return nil },
		Stdout:  h.stdout,
		Stderr:  h.stderr,
	}
	if queue != nil {
		opts.Queue = queue
	}
	h.cli, err = New(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, args ...string) int {
	t.Helper()
	h.stdout.Reset()
	h.stderr.Reset()
	return h.cli.Run(context.Background(), args)
}

func (h *harness) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), v), h.stdout.String())
}

type fakeQueue struct {
	payloads []jobs.CuttingOptimizePayload
}

func (q *fakeQueue) EnqueueCuttingOptimize(ctx context.Context, payload jobs.CuttingOptimizePayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault, Type: jobs.TaskCuttingOptimize}, nil
}

func seedFIFO(t *testing.T, h *harness) {
	t.Helper()
	require.Equal(t, ExitOK, h.run(t, "receive", "--material", "AL-6063", "--length", "6", "--qty", "10",
		"--weight", "20", "--cost", "100", "--arrived", "2024-03-01T08:00:00Z"))
	require.Equal(t, ExitOK, h.run(t, "receive", "--material", "AL-6063", "--length", "6", "--qty", "20",
		"--weight", "40", "--cost", "110", "--arrived", "2024-03-02T08:00:00Z"))
}

func TestSelectCommandFIFOCost(t *testing.T) {
	h := newHarness(t, nil)
	seedFIFO(t, h)

	require.Equal(t, ExitOK, h.run(t, "--json", "select", "--material", "AL-6063", "--qty", "15"))
	var result SelectResult
	h.decode(t, &result)
	require.False(t, result.Committed)
	require.Equal(t, "1550", result.Plan.TotalCost.String())
	require.Len(t, result.Plan.Slices, 2)
	require.Equal(t, "10", result.Plan.Slices[0].Quantity.String())
	require.Equal(t, "5", result.Plan.Slices[1].Quantity.String())
	require.Equal(t, 3, h.persists)
}

func TestSelectCommandCommitAndShortfall(t *testing.T) {
	h := newHarness(t, nil)
	seedFIFO(t, h)

	require.Equal(t, ExitWarning, h.run(t, "--json", "select", "--material", "AL-6063", "--qty", "45", "--commit"))
	var short SelectResult
	h.decode(t, &short)
	require.False(t, short.Committed)
	require.Equal(t, "15", short.Plan.Shortfall.String())

	require.Equal(t, ExitOK, h.run(t, "--json", "--actor", "yard", "select", "--material", "AL-6063", "--qty", "12", "--commit"))
	var done SelectResult
	h.decode(t, &done)
	require.True(t, done.Committed)
	require.Len(t, done.Transactions, 2)
	require.Equal(t, "yard", done.Transactions[0].Actor)

	require.Equal(t, ExitOK, h.run(t, "--json", "summary", "--material", "AL-6063"))
	var summary ledger.Summary
	h.decode(t, &summary)
	require.Equal(t, "18", summary.TotalQuantity.String())

	require.Equal(t, ExitFailure, h.run(t, "commit", "--plan", done.Plan.ID))
	require.Contains(t, h.stderr.String(), "already committed")
}

func TestPlanAndCommitCuttingPlan(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, ExitOK, h.run(t, "receive", "--material", "AL-6063", "--length", "12", "--qty", "2",
		"--weight", "25.5", "--cost", "80"))

	require.Equal(t, ExitOK, h.run(t, "--json", "plan", "--material", "AL-6063", "--cuts", "7, 7,5,3", "--ref", "WO-9"))
	var plan ledger.CuttingPlan
	h.decode(t, &plan)
	require.Equal(t, 2, plan.PipeCount)
	require.Equal(t, "2", plan.TotalScrap.String())
	require.Equal(t, ledger.PlanDraft, plan.Status)

	require.Equal(t, ExitOK, h.run(t, "--json", "commit", "--plan", plan.ID))
	var records []ledger.StockTransaction
	h.decode(t, &records)
	require.Len(t, records, 1)
	require.Equal(t, "-2", records[0].QuantityDelta.String())

	require.Equal(t, ExitFailure, h.run(t, "commit", "--plan", plan.ID))

	require.Equal(t, ExitOK, h.run(t, "tx", "--plan", plan.ID))
	require.Contains(t, h.stdout.String(), "CONSUMPTION")
	require.Contains(t, h.stdout.String(), "cutting plan")
}

func TestPlanCommandWarnsOnUnsatisfiedCuts(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, ExitOK, h.run(t, "receive", "--material", "AL-6063", "--length", "6", "--qty", "1",
		"--weight", "12", "--cost", "80"))

	require.Equal(t, ExitWarning, h.run(t, "plan", "--material", "AL-6063", "--cuts", "4,7"))
	require.Contains(t, h.stdout.String(), "UNSATISFIED cut #2")
}

func TestSummaryWarnsOnLowStock(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, ExitOK, h.run(t, "material", "define", "--id", "GL-6MM", "--category", "glass", "--threshold", "30"))
	require.Equal(t, ExitOK, h.run(t, "receive", "--material", "GL-6MM", "--qty", "10", "--weight", "150", "--cost", "45"))

	require.Equal(t, ExitWarning, h.run(t, "summary", "--material", "GL-6MM"))
	require.Contains(t, h.stdout.String(), "LOW STOCK")

	require.Equal(t, ExitOK, h.run(t, "material", "deactivate", "--id", "GL-6MM"))
	require.Equal(t, ExitFailure, h.run(t, "receive", "--material", "GL-6MM", "--qty", "1", "--weight", "15", "--cost", "45"))
}

func TestAdjustScrapAndReconcile(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, ExitOK, h.run(t, "--json", "receive", "--material", "AL-6063", "--length", "6", "--qty", "10",
		"--weight", "20", "--cost", "100"))
	var batch ledger.Batch
	h.decode(t, &batch)
	id := strconv.FormatInt(int64(batch.ID), 10)

	require.Equal(t, ExitOK, h.run(t, "adjust", "--batch", id, "--delta", "-2", "--reason", "recount"))
	require.Equal(t, ExitOK, h.run(t, "scrap", "--batch", id, "--qty", "1", "--reason", "bent"))
	require.Equal(t, ExitFailure, h.run(t, "scrap", "--batch", id, "--qty", "8", "--reason", "bent"))

	require.Equal(t, ExitOK, h.run(t, "--json", "batches", "--material", "AL-6063", "--available"))
	var batches []ledger.Batch
	h.decode(t, &batches)
	require.Len(t, batches, 1)
	require.Equal(t, "7", batches[0].CurrentQuantity.String())

	require.Equal(t, ExitOK, h.run(t, "--json", "reconcile"))
	var recs []ledger.Reconciliation
	h.decode(t, &recs)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Balanced)
	require.Equal(t, "3", recs[0].Consumed.String())
}

func TestEnqueuePlan(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, ExitFailure, h.run(t, "enqueue-plan", "--material", "AL-6063", "--cuts", "2"))
	require.Contains(t, h.stderr.String(), "REDIS_ADDR")

	queue := &fakeQueue{}
	h = newHarness(t, queue)
	require.Equal(t, ExitFailure, h.run(t, "enqueue-plan", "--material", "AL-6063", "--cuts", "2,x"))
	require.Empty(t, queue.payloads)

	require.Equal(t, ExitOK, h.run(t, "enqueue-plan", "--material", "AL-6063", "--cuts", "2,1.5", "--policy", "scrap-first"))
	require.Contains(t, h.stdout.String(), "task-1")
	require.Len(t, queue.payloads, 1)
	require.Equal(t, []string{"2", "1.5"}, queue.payloads[0].Requests[0].Cuts)
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, ExitUsage, h.run(t))
	require.Contains(t, h.stderr.String(), "usage: ledgerctl")
	require.Equal(t, ExitUsage, h.run(t, "frobnicate"))
	require.Equal(t, ExitUsage, h.run(t, "summary"))
	require.Equal(t, ExitUsage, h.run(t, "plan", "--material", "AL-6063"))
	require.Equal(t, ExitUsage, h.run(t, "material"))
	require.Equal(t, ExitUsage, h.run(t, "receive", "--bogus"))
	require.Equal(t, ExitFailure, h.run(t, "migrate"))

	require.Equal(t, ExitFailure, h.run(t, "receive", "--material", "AL-6063", "--qty", "abc", "--weight", "1", "--cost", "1"))
	require.Contains(t, h.stderr.String(), "validation")
	require.Zero(t, h.persists)
}

func TestMigrateCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.cli.opts.Migrate = func(ctx context.Context) ([]string, error) {
		return []string{"001_ledger.sql"}, nil
	}
	require.Equal(t, ExitOK, h.run(t, "migrate"))
	require.Contains(t, h.stdout.String(), "applied 001_ledger.sql")

	h.cli.opts.Migrate = func(ctx context.Context) ([]string, error) { return nil, errors.New("checksum mismatch") }
	require.Equal(t, ExitFailure, h.run(t, "migrate"))
	require.Contains(t, h.stderr.String(), "checksum mismatch")
}
