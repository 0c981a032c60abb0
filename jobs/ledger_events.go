package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/fixed"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Journal receives ledger events on the accounting side.
type Journal interface {
	PostTransactions(ctx context.Context, evt ledger.CommitEvent) error
	RecordScrap(ctx context.Context, summary ledger.ScrapSummary) error
}

// LogJournal writes ledger events as structured log records.
type LogJournal struct {
	Logger *slog.Logger
}

func (j LogJournal) PostTransactions(ctx context.Context, evt ledger.CommitEvent) error {
	cost, qty := fixed.Zero, fixed.Zero
	var err error
	for _, t := range evt.Transactions {
		if cost, err = cost.Add(t.CostDelta); err != nil {
			return err
		}
		if qty, err = qty.Add(t.QuantityDelta); err != nil {
			return err
		}
	}
	j.log().InfoContext(ctx, "ledger transactions posted",
		slog.String("kind", string(evt.Kind)),
		slog.String("material_id", evt.MaterialID),
		slog.String("plan_id", evt.PlanID),
		slog.String("actor", evt.Actor),
		slog.Int("transactions", len(evt.Transactions)),
		slog.String("quantity_delta", qty.String()),
		slog.String("cost_delta", cost.String()))
	return nil
}

func (j LogJournal) RecordScrap(ctx context.Context, summary ledger.ScrapSummary) error {
	j.log().InfoContext(ctx, "cutting scrap recorded",
		slog.String("plan_id", summary.PlanID),
		slog.String("material_id", summary.MaterialID),
		slog.String("reference", summary.Reference),
		slog.Int("pipes", summary.PipeCount),
		slog.String("scrap", summary.TotalScrap.String()),
		slog.String("utilization", summary.Utilization.String()))
	return nil
}

func (j LogJournal) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// LedgerEventsJob consumes the events the ledger publishes after a commit.
type LedgerEventsJob struct {
	Journal Journal
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerEventsJob wires the consumer. A nil journal logs events.
func NewLedgerEventsJob(journal Journal, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerEventsJob {
	if journal == nil {
		journal = LogJournal{Logger: logger}
	}
	return &LedgerEventsJob{Journal: journal, Logger: logger, Metrics: metrics}
}

// HandleTransactions processes TaskTransactionsPosted.
func (j *LedgerEventsJob) HandleTransactions(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Journal == nil {
		return errors.New("ledger events: handler not configured")
	}
	var evt ledger.CommitEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("ledger events: decode: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskTransactionsPosted)
	defer func() { err = tracker.End(err) }()

	if err := j.Journal.PostTransactions(ctx, evt); err != nil {
		j.logger(TaskTransactionsPosted).Error("post transactions",
			slog.String("material_id", evt.MaterialID), slog.Any("error", err))
		return err
	}
	j.metrics().AddDelivered("transactions", len(evt.Transactions))
	return nil
}

// HandleScrapSummary processes TaskCuttingSummary.
func (j *LedgerEventsJob) HandleScrapSummary(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Journal == nil {
		return errors.New("ledger events: handler not configured")
	}
	var summary ledger.ScrapSummary
	if err := json.Unmarshal(t.Payload(), &summary); err != nil {
		return fmt.Errorf("ledger events: decode: %v: %w", err, asynq.SkipRetry)
	}
	if summary.PlanID == "" {
		return fmt.Errorf("ledger events: scrap summary without plan id: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskCuttingSummary)
	defer func() { err = tracker.End(err) }()

	if err := j.Journal.RecordScrap(ctx, summary); err != nil {
		j.logger(TaskCuttingSummary).Error("record scrap",
			slog.String("plan_id", summary.PlanID), slog.Any("error", err))
		return err
	}
	j.metrics().AddDelivered("scrap_summary", 1)
	return nil
}

func (j *LedgerEventsJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *LedgerEventsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func jobNow(clock func() time.Time) time.Time {
	if clock != nil {
		return clock()
	}
	return time.Now().UTC()
}
