package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts       asynq.RedisClientOpt
	Logger          *slog.Logger
	Concurrency     int
	ShutdownTimeout time.Duration
	Handlers        []TaskHandler
	Cron            []CronRegistration
}

// busyRetryDelay is how long a task waits after losing the material lock.
const busyRetryDelay = 2 * time.Second

// NewWorker constructs a Worker instance. Ledger events are weighted above
// planning work so downstream consumers stay close to the ledger.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueLedger:  6,
			QueueDefault: 3,
		},
		IsFailure:       isFailure,
		RetryDelayFunc:  retryDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler:    asynq.ErrorHandlerFunc(taskErrorReporter(logger)),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("worker: schedule %s %q: %w", entry.Task.Type(), entry.Spec, err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// isFailure keeps lock contention out of the failure counts; the task is
// still retried.
func isFailure(err error) bool {
	return err != nil && !errors.Is(err, ledger.ErrMaterialBusy)
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.Is(err, ledger.ErrMaterialBusy) {
		return busyRetryDelay
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

func taskErrorReporter(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		attrs := []any{slog.String("type", task.Type()), slog.Any("error", err)}
		if id, ok := asynq.GetTaskID(ctx); ok {
			attrs = append(attrs, slog.String("task_id", id))
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		attrs = append(attrs, slog.Int("retried", retried), slog.Int("max_retry", maxRetry))
		switch {
		case errors.Is(err, asynq.SkipRetry):
			logger.Warn("task dropped", attrs...)
		case retried >= maxRetry:
			logger.Error("task exhausted retries", attrs...)
		default:
			logger.Warn("task failed, will retry", attrs...)
		}
	}
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
		defer w.scheduler.Shutdown()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	w.logger.Info("worker started", slog.String("queues", QueueLedger+","+QueueDefault))
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// Publisher returns a ledger publisher sharing this client.
func (c *Client) Publisher() *Publisher {
	return NewPublisher(c.client)
}

// EnqueueCuttingOptimize enqueues a background planning task.
func (c *Client) EnqueueCuttingOptimize(ctx context.Context, payload CuttingOptimizePayload) (*asynq.TaskInfo, error) {
	task, err := NewCuttingOptimizeTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(2*time.Minute))
}

// EnqueueReconcile enqueues a reconciliation of one material, or all when empty.
func (c *Client) EnqueueReconcile(ctx context.Context, materialID string) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(materialID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queues := []queueHealth{{Queue: QueueLedger}, {Queue: QueueDefault}}
	if h.inspector != nil {
		for i, q := range queues {
			info, err := h.inspector.GetQueueInfo(q.Queue)
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			if err != nil {
				h.logger.Warn("jobs health", slog.String("queue", q.Queue), slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "", "queue inspector unavailable")
				return
			}
			if info != nil {
				queues[i].Pending = info.Pending
			}
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": queues})
}
