package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// Enqueuer is the subset of *asynq.Client used by Publisher.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher hands ledger events to the worker through asynq. Task ids are
// derived from the event so a retried publish does not duplicate delivery.
type Publisher struct {
	enqueuer Enqueuer
	maxRetry int
}

// NewPublisher builds a ledger.Publisher on top of an asynq client.
func NewPublisher(enqueuer Enqueuer) *Publisher {
	return &Publisher{enqueuer: enqueuer, maxRetry: 10}
}

var _ ledger.Publisher = (*Publisher)(nil)

// PublishTransactions enqueues one commit's transactions.
func (p *Publisher) PublishTransactions(ctx context.Context, evt ledger.CommitEvent) error {
	if len(evt.Transactions) == 0 {
		return nil
	}
	task, err := NewTransactionsPostedTask(evt)
	if err != nil {
		return err
	}
	id := "txn:" + strconv.FormatInt(evt.Transactions[0].ID, 10)
	return p.enqueue(ctx, task, id)
}

// PublishScrapSummary enqueues a cutting plan's scrap report.
func (p *Publisher) PublishScrapSummary(ctx context.Context, summary ledger.ScrapSummary) error {
	task, err := NewCuttingSummaryTask(summary)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, task, "scrap:"+summary.PlanID)
}

func (p *Publisher) enqueue(ctx context.Context, task *asynq.Task, id string) error {
	if p == nil || p.enqueuer == nil {
		return errors.New("jobs: publisher not configured")
	}
	_, err := p.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(QueueLedger),
		asynq.TaskID(id),
		asynq.MaxRetry(p.maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", task.Type(), err)
	}
	return nil
}
