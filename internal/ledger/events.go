package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/fixed"
)

// CommitKind names what produced a batch of transactions.
type CommitKind string

const (
	KindReceipt     CommitKind = "receipt"
	KindAdjustment  CommitKind = "adjustment"
	KindScrap       CommitKind = "scrap"
	KindConsumption CommitKind = "consumption"
	KindCutting     CommitKind = "cutting"
)

// CommitEvent carries the transactions written by one ledger mutation to the
// accounting side.
type CommitEvent struct {
	PlanID       string             `json:"plan_id,omitempty"`
	Kind         CommitKind         `json:"kind"`
	MaterialID   string             `json:"material_id"`
	Actor        string             `json:"actor"`
	CommittedAt  time.Time          `json:"committed_at"`
	Transactions []StockTransaction `json:"transactions"`
}

// LengthUsage is the per stock length breakdown of a committed cutting plan.
type LengthUsage struct {
	Length fixed.Decimal `json:"length"`
	Pipes  int           `json:"pipes"`
	Scrap  fixed.Decimal `json:"scrap"`
}

// ScrapSummary is the manufacturing report produced by a cutting plan commit.
type ScrapSummary struct {
	PlanID      string        `json:"plan_id"`
	MaterialID  string        `json:"material_id"`
	Reference   string        `json:"reference,omitempty"`
	PipeCount   int           `json:"pipe_count"`
	StockUsed   fixed.Decimal `json:"stock_used"`
	TotalScrap  fixed.Decimal `json:"total_scrap"`
	Utilization fixed.Decimal `json:"utilization"`
	ByLength    []LengthUsage `json:"by_length"`
	Unsatisfied int           `json:"unsatisfied"`
	CommittedAt time.Time     `json:"committed_at"`
}

// Publisher delivers ledger events to downstream collaborators.
type Publisher interface {
	PublishTransactions(ctx context.Context, evt CommitEvent) error
	PublishScrapSummary(ctx context.Context, summary ScrapSummary) error
}

// NewScrapSummary aggregates a committed plan.
func NewScrapSummary(plan CuttingPlan) (ScrapSummary, error) {
	summary := ScrapSummary{
		PlanID:      plan.ID,
		MaterialID:  plan.MaterialID,
		Reference:   plan.Reference,
		PipeCount:   len(plan.Assignments),
		TotalScrap:  plan.TotalScrap,
		Unsatisfied: len(plan.Unsatisfied),
	}
	if plan.CommittedAt != nil {
		summary.CommittedAt = *plan.CommittedAt
	}
	byLength := make(map[string]*LengthUsage)
	for _, a := range plan.Assignments {
		var err error
		if summary.StockUsed, err = summary.StockUsed.Add(a.StockLength); err != nil {
			return ScrapSummary{}, err
		}
		key := a.StockLength.String()
		usage, ok := byLength[key]
		if !ok {
			usage = &LengthUsage{Length: a.StockLength}
			byLength[key] = usage
		}
		usage.Pipes++
		if usage.Scrap, err = usage.Scrap.Add(a.Scrap); err != nil {
			return ScrapSummary{}, err
		}
	}
	for _, usage := range byLength {
		summary.ByLength = append(summary.ByLength, *usage)
	}
	sort.Slice(summary.ByLength, func(i, j int) bool {
		return summary.ByLength[i].Length.LessThan(summary.ByLength[j].Length)
	})
	if summary.StockUsed.IsPositive() {
		used, err := summary.StockUsed.Sub(summary.TotalScrap)
		if err != nil {
			return ScrapSummary{}, err
		}
		if summary.Utilization, err = used.MulDivRound(fixed.FromInt(100), summary.StockUsed); err != nil {
			return ScrapSummary{}, err
		}
	}
	return summary, nil
}

// MemoryPublisher records events in process. Tests and the file-backed CLI use it.
type MemoryPublisher struct {
	mu        sync.Mutex
	events    []CommitEvent
	summaries []ScrapSummary
}

func (p *MemoryPublisher) PublishTransactions(ctx context.Context, evt CommitEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *MemoryPublisher) PublishScrapSummary(ctx context.Context, summary ScrapSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, summary)
	return nil
}

// Events returns a copy of the published commit events.
func (p *MemoryPublisher) Events() []CommitEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CommitEvent(nil), p.events...)
}

// Summaries returns a copy of the published scrap summaries.
func (p *MemoryPublisher) Summaries() []ScrapSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ScrapSummary(nil), p.summaries...)
}
