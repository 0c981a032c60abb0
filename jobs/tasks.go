package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/ledger"
)

const (
	// QueueDefault carries planning and maintenance work.
	QueueDefault = "default"
	// QueueLedger carries events emitted by ledger commits.
	QueueLedger = "ledger"

	// TaskTransactionsPosted delivers the transactions of one commit downstream.
	TaskTransactionsPosted = "ledger:transactions.posted"
	// TaskCuttingSummary delivers the scrap report of a committed cutting plan.
	TaskCuttingSummary = "ledger:cutting.summary"
	// TaskCuttingOptimize drafts cutting plans in the background.
	TaskCuttingOptimize = "cutting:optimize"
	// TaskLedgerReconcile replays the transaction log against batch quantities.
	TaskLedgerReconcile = "ledger:reconcile"
)

// CuttingOptimizePayload lists the plans to draft. Quantities stay decimal
// strings until the ledger gateway parses them.
type CuttingOptimizePayload struct {
	Requests []ledger.CuttingForm `json:"requests"`
}

// ReconcilePayload restricts reconciliation to one material; empty means all.
type ReconcilePayload struct {
	MaterialID string `json:"material_id,omitempty"`
}

// NewTransactionsPostedTask wraps a commit event.
func NewTransactionsPostedTask(evt ledger.CommitEvent) (*asynq.Task, error) {
	return newJSONTask(TaskTransactionsPosted, evt)
}

// NewCuttingSummaryTask wraps a scrap summary.
func NewCuttingSummaryTask(summary ledger.ScrapSummary) (*asynq.Task, error) {
	return newJSONTask(TaskCuttingSummary, summary)
}

// NewCuttingOptimizeTask builds a background planning task.
func NewCuttingOptimizeTask(payload CuttingOptimizePayload) (*asynq.Task, error) {
	if len(payload.Requests) == 0 {
		return nil, fmt.Errorf("jobs: %s needs at least one request", TaskCuttingOptimize)
	}
	return newJSONTask(TaskCuttingOptimize, payload)
}

// NewReconcileTask builds a reconciliation task.
func NewReconcileTask(materialID string) (*asynq.Task, error) {
	return newJSONTask(TaskLedgerReconcile, ReconcilePayload{MaterialID: materialID})
}

func newJSONTask(typename string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode %s: %w", typename, err)
	}
	return asynq.NewTask(typename, data), nil
}
