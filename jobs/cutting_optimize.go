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

// CuttingOptimizeJob drafts cutting plans off the request path. Drafting does
// not touch the ledger, so a retried task only leaves an extra draft behind.
type CuttingOptimizeJob struct {
	Gateway *ledger.Gateway
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCuttingOptimizeJob wires dependencies for the optimize handler.
func NewCuttingOptimizeJob(gateway *ledger.Gateway, logger *slog.Logger, metrics *jobmetrics.Metrics) *CuttingOptimizeJob {
	return &CuttingOptimizeJob{Gateway: gateway, Logger: logger, Metrics: metrics}
}

// Handle processes TaskCuttingOptimize.
func (j *CuttingOptimizeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Gateway == nil {
		return errors.New("cutting optimize: handler not configured")
	}
	var payload CuttingOptimizePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("cutting optimize: decode: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Requests) == 0 {
		return fmt.Errorf("cutting optimize: empty payload: %w", asynq.SkipRetry)
	}
	reqs := make([]ledger.CuttingRequest, 0, len(payload.Requests))
	for i, form := range payload.Requests {
		req, err := j.Gateway.CuttingRequest(form)
		if err != nil {
			return fmt.Errorf("cutting optimize: request %d: %w: %w", i, err, asynq.SkipRetry)
		}
		reqs = append(reqs, req)
	}

	tracker := j.metrics().Track(TaskCuttingOptimize)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Int("requests", len(reqs)))
	started := j.now()
	plans, err := j.Gateway.Service().PlanMany(ctx, reqs)
	if err != nil {
		if errors.Is(err, ledger.ErrMaterialNotFound) || errors.Is(err, ledger.ErrValidation) {
			logger.Warn("cutting optimize rejected", slog.Any("error", err))
			return fmt.Errorf("cutting optimize: %w: %w", err, asynq.SkipRetry)
		}
		logger.Error("cutting optimize", slog.Any("error", err))
		return err
	}
	for _, plan := range plans {
		logger.Info("cutting plan ready",
			slog.String("plan_id", plan.ID),
			slog.String("material_id", plan.MaterialID),
			slog.String("reference", plan.Reference),
			slog.Int("pipes", plan.PipeCount),
			slog.Int("unsatisfied", len(plan.Unsatisfied)))
	}
	logger.Info("completed cutting optimize", slog.Duration("duration", j.now().Sub(started)))
	return nil
}

func (j *CuttingOptimizeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCuttingOptimize))
	}
	return slog.Default().With(slog.String("job", TaskCuttingOptimize))
}

func (j *CuttingOptimizeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CuttingOptimizeJob) now() time.Time { return jobNow(j.clock) }
