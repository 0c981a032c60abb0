package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	seen  map[string]bool
	tasks []*asynq.Task
	queue []string
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	var id, queue string
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			id = opt.Value().(string)
		case asynq.QueueOpt:
			queue = opt.Value().(string)
		}
	}
	if f.seen[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.seen[id] = true
	f.tasks = append(f.tasks, task)
	f.queue = append(f.queue, queue)
	return &asynq.TaskInfo{ID: id, Queue: queue, Type: task.Type()}, nil
}

type recordingJournal struct {
	events    []ledger.CommitEvent
	summaries []ledger.ScrapSummary
	fail      error
}

func (r *recordingJournal) PostTransactions(ctx context.Context, evt ledger.CommitEvent) error {
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingJournal) RecordScrap(ctx context.Context, summary ledger.ScrapSummary) error {
	r.summaries = append(r.summaries, summary)
	return nil
}

func newGateway(t *testing.T, publisher ledger.Publisher) *ledger.Gateway {
	t.Helper()
	svc, err := ledger.NewService(ledger.NewMemoryRepository(), ledger.ServiceConfig{NodeID: 3}, ledger.ServiceDeps{Publisher: publisher})
	require.NoError(t, err)
	return ledger.NewGateway(svc)
}

func receivePipes(t *testing.T, gw *ledger.Gateway, length, pieces string) {
	t.Helper()
	_, err := gw.Receive(context.Background(), ledger.ReceiptForm{
		MaterialID:   "AL-6063",
		Length:       length,
		LengthUnit:   "m",
		Gauge:        "1.4",
		Quantity:     pieces,
		ActualWeight: "40",
		UnitCost:     "75.5",
	})
	require.NoError(t, err)
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestPublisherDeliversCommitEventsToJournal(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	gw := newGateway(t, NewPublisher(enqueuer))
	ctx := context.Background()
	receivePipes(t, gw, "12", "2")

	plan, err := gw.RequestCuttingPlan(ctx, ledger.CuttingForm{MaterialID: "AL-6063", Cuts: []string{"7", "5", "4.5"}})
	require.NoError(t, err)
	_, err = gw.CommitPlan(ctx, ledger.CommitForm{PlanID: plan.ID, Actor: "planner"})
	require.NoError(t, err)

	require.Len(t, enqueuer.tasks, 3)
	require.Equal(t, TaskTransactionsPosted, enqueuer.tasks[0].Type())
	require.Equal(t, TaskCuttingSummary, enqueuer.tasks[1].Type())
	require.Equal(t, TaskTransactionsPosted, enqueuer.tasks[2].Type())
	for _, q := range enqueuer.queue {
		require.Equal(t, QueueLedger, q)
	}

	journal := &recordingJournal{}
	job := NewLedgerEventsJob(journal, nil, testMetrics())
	require.NoError(t, job.HandleTransactions(ctx, enqueuer.tasks[2]))
	require.NoError(t, job.HandleScrapSummary(ctx, enqueuer.tasks[1]))

	require.Len(t, journal.events, 1)
	evt := journal.events[0]
	require.Equal(t, ledger.KindCutting, evt.Kind)
	require.Equal(t, plan.ID, evt.PlanID)
	require.Equal(t, "planner", evt.Actor)
	require.Len(t, evt.Transactions, 1)
	require.Equal(t, "-2", evt.Transactions[0].QuantityDelta.String())

	require.Len(t, journal.summaries, 1)
	require.Equal(t, plan.ID, journal.summaries[0].PlanID)
	require.Equal(t, 2, journal.summaries[0].PipeCount)
}

func TestPublisherTreatsDuplicateTaskIDAsDelivered(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	pub := NewPublisher(enqueuer)
	summary := ledger.ScrapSummary{PlanID: "plan-1", MaterialID: "AL-6063"}

	require.NoError(t, pub.PublishScrapSummary(context.Background(), summary))
	require.NoError(t, pub.PublishScrapSummary(context.Background(), summary))
	require.Len(t, enqueuer.tasks, 1)

	require.NoError(t, pub.PublishTransactions(context.Background(), ledger.CommitEvent{MaterialID: "AL-6063"}))
	require.Len(t, enqueuer.tasks, 1)

	var unset *Publisher
	require.Error(t, unset.PublishScrapSummary(context.Background(), summary))
}

func TestLedgerEventsJobRejectsMalformedPayloads(t *testing.T) {
	job := NewLedgerEventsJob(&recordingJournal{}, nil, testMetrics())
	ctx := context.Background()

	err := job.HandleTransactions(ctx, asynq.NewTask(TaskTransactionsPosted, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.HandleScrapSummary(ctx, asynq.NewTask(TaskCuttingSummary, []byte(`{"material_id":"AL-6063"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	var unset *LedgerEventsJob
	require.Error(t, unset.HandleTransactions(ctx, asynq.NewTask(TaskTransactionsPosted, nil)))
}

func TestLedgerEventsJobRetriesJournalFailures(t *testing.T) {
	boom := errors.New("journal offline")
	job := NewLedgerEventsJob(&recordingJournal{fail: boom}, nil, testMetrics())
	task, err := NewTransactionsPostedTask(ledger.CommitEvent{MaterialID: "AL-6063", Kind: ledger.KindReceipt})
	require.NoError(t, err)

	err = job.HandleTransactions(context.Background(), task)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestLogJournalWritesTotals(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	job := NewLedgerEventsJob(nil, logger, testMetrics())
	gw := newGateway(t, nil)
	receivePipes(t, gw, "6", "4")
	txs, err := gw.Service().Transactions(context.Background(), ledger.TransactionFilter{MaterialID: "AL-6063"})
	require.NoError(t, err)

	task, err := NewTransactionsPostedTask(ledger.CommitEvent{Kind: ledger.KindReceipt, MaterialID: "AL-6063", Transactions: txs})
	require.NoError(t, err)
	require.NoError(t, job.HandleTransactions(context.Background(), task))
	require.Contains(t, buf.String(), `"quantity_delta":"4"`)
	require.Contains(t, buf.String(), `"cost_delta":"302"`)
}

func TestCuttingOptimizeJobDraftsPlans(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	gw := newGateway(t, nil)
	receivePipes(t, gw, "6", "5")
	job := NewCuttingOptimizeJob(gw, logger, testMetrics())

	task, err := NewCuttingOptimizeTask(CuttingOptimizePayload{Requests: []ledger.CuttingForm{
		{MaterialID: "AL-6063", Cuts: []string{"2.5", "2.5", "1.2"}, Reference: "WO-17"},
		{MaterialID: "AL-6063", Cuts: []string{"4"}, Policy: "scrap-first"},
	}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Contains(t, buf.String(), "cutting plan ready")
	require.Contains(t, buf.String(), `"reference":"WO-17"`)
}

func TestCuttingOptimizeJobSkipsRetryOnBadInput(t *testing.T) {
	gw := newGateway(t, nil)
	job := NewCuttingOptimizeJob(gw, nil, testMetrics())
	ctx := context.Background()

	_, err := NewCuttingOptimizeTask(CuttingOptimizePayload{})
	require.Error(t, err)

	err = job.Handle(ctx, asynq.NewTask(TaskCuttingOptimize, []byte(`{"requests":[]}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewCuttingOptimizeTask(CuttingOptimizePayload{Requests: []ledger.CuttingForm{{MaterialID: "AL-6063", Cuts: []string{"abc"}}}})
	require.NoError(t, err)
	err = job.Handle(ctx, task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, ledger.ErrValidation)

	task, err = NewCuttingOptimizeTask(CuttingOptimizePayload{Requests: []ledger.CuttingForm{{MaterialID: "missing", Cuts: []string{"1"}}}})
	require.NoError(t, err)
	err = job.Handle(ctx, task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, ledger.ErrMaterialNotFound)
}

func TestReconcileJob(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	gw := newGateway(t, nil)
	receivePipes(t, gw, "6", "5")
	receivePipes(t, gw, "12", "1")
	job := NewReconcileJob(gw.Service(), logger, testMetrics())
	ctx := context.Background()

	task, err := NewReconcileTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.Contains(t, buf.String(), `"imbalanced":0`)
	require.Contains(t, buf.String(), `"materials":1`)

	require.NoError(t, job.Handle(ctx, asynq.NewTask(TaskLedgerReconcile, nil)))

	task, err = NewReconcileTask("missing")
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(ctx, task), asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []struct {
			Queue   string `json:"queue"`
			Pending int    `json:"pending"`
		} `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	require.Equal(t, QueueLedger, body.Queues[0].Queue)
	require.Equal(t, QueueDefault, body.Queues[1].Queue)
}

func TestRetryPolicyForLockContention(t *testing.T) {
	busy := fmt.Errorf("commit: %w", ledger.ErrMaterialBusy)
	task := asynq.NewTask(TaskLedgerReconcile, nil)

	require.False(t, isFailure(busy))
	require.True(t, isFailure(errors.New("boom")))
	require.False(t, isFailure(nil))

	require.Equal(t, busyRetryDelay, retryDelay(5, busy, task))
	require.Greater(t, retryDelay(1, errors.New("boom"), task), time.Duration(0))
}

func TestTaskErrorReporterLevels(t *testing.T) {
	var buf bytes.Buffer
	report := taskErrorReporter(slog.New(slog.NewTextHandler(&buf, nil)))
	task := asynq.NewTask(TaskCuttingOptimize, nil)

	report(context.Background(), task, fmt.Errorf("bad payload: %w", asynq.SkipRetry))
	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "task dropped")

	buf.Reset()
	report(context.Background(), task, errors.New("postgres down"))
	require.Contains(t, buf.String(), "level=ERROR")
	require.Contains(t, buf.String(), "task exhausted retries")
	require.Contains(t, buf.String(), TaskCuttingOptimize)
}
