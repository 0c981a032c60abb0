package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// ReconcileJob replays the transaction log of every material, or of one, and
// reports batches whose stored quantity disagrees with the log.
type ReconcileJob struct {
	Ledger  *ledger.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconcileJob wires dependencies for the reconcile handler.
func NewReconcileJob(svc *ledger.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Ledger: svc, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLedgerReconcile. Imbalances are reported, not
// returned: retrying would not change the outcome.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger reconcile: decode: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskLedgerReconcile)
	defer func() { err = tracker.End(err) }()

	logger := j.logger()
	started := j.now()
	materials := []string{payload.MaterialID}
	if payload.MaterialID == "" {
		list, err := j.Ledger.ListMaterials(ctx)
		if err != nil {
			logger.Error("list materials", slog.Any("error", err))
			return err
		}
		materials = materials[:0]
		for _, m := range list {
			materials = append(materials, m.ID)
		}
	}

	imbalanced := 0
	for _, id := range materials {
		rec, err := j.Ledger.Reconcile(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrMaterialNotFound) {
				logger.Warn("reconcile unknown material", slog.String("material_id", id))
				return fmt.Errorf("ledger reconcile: %w: %w", err, asynq.SkipRetry)
			}
			logger.Error("reconcile material", slog.String("material_id", id), slog.Any("error", err))
			return err
		}
		if !rec.Balanced {
			imbalanced++
		}
	}
	j.metrics().AddImbalances(imbalanced)
	logger.Info("completed ledger reconcile",
		slog.Int("materials", len(materials)),
		slog.Int("imbalanced", imbalanced),
		slog.Duration("duration", j.now().Sub(started)))
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileJob) now() time.Time { return jobNow(j.clock) }
