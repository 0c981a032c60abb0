package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/fixed"
)

// MemoryRepository keeps the ledger in process. Each WithTx works on a copy of
// the state that replaces the original only when fn succeeds.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memoryState
}

type committedPlan struct {
	Kind        string    `json:"kind"`
	CommittedAt time.Time `json:"committed_at"`
}

type memoryState struct {
	Materials    map[string]Material      `json:"materials"`
	Batches      map[BatchID]Batch        `json:"batches"`
	Transactions []StockTransaction       `json:"transactions"`
	Plans        map[string]CuttingPlan   `json:"plans"`
	Committed    map[string]committedPlan `json:"committed"`
	Stashed      map[string]stashedPlan   `json:"stashed,omitempty"`
}

// NewMemoryRepository returns an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

// LoadMemoryRepository restores a ledger written by Save.
func LoadMemoryRepository(r io.Reader) (*MemoryRepository, error) {
	state := newMemoryState()
	if err := json.NewDecoder(r).Decode(state); err != nil && err != io.EOF {
		return nil, fmt.Errorf("ledger: load memory state: %w", err)
	}
	state.ensure()
	return &MemoryRepository{state: state}, nil
}

// Save writes the whole ledger as JSON.
func (r *MemoryRepository) Save(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.state)
}

func newMemoryState() *memoryState {
	s := &memoryState{}
	s.ensure()
	return s
}

func (s *memoryState) ensure() {
	if s.Materials == nil {
		s.Materials = make(map[string]Material)
	}
	if s.Batches == nil {
		s.Batches = make(map[BatchID]Batch)
	}
	if s.Plans == nil {
		s.Plans = make(map[string]CuttingPlan)
	}
	if s.Committed == nil {
		s.Committed = make(map[string]committedPlan)
	}
	if s.Stashed == nil {
		s.Stashed = make(map[string]stashedPlan)
	}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		Materials:    make(map[string]Material, len(s.Materials)),
		Batches:      make(map[BatchID]Batch, len(s.Batches)),
		Transactions: append([]StockTransaction(nil), s.Transactions...),
		Plans:        make(map[string]CuttingPlan, len(s.Plans)),
		Committed:    make(map[string]committedPlan, len(s.Committed)),
		Stashed:      make(map[string]stashedPlan, len(s.Stashed)),
	}
	for k, v := range s.Materials {
		out.Materials[k] = v
	}
	for k, v := range s.Batches {
		out.Batches[k] = v
	}
	for k, v := range s.Plans {
		out.Plans[k] = v
	}
	for k, v := range s.Committed {
		out.Committed[k] = v
	}
	for k, v := range s.Stashed {
		out.Stashed[k] = v
	}
	return out
}

// WithTx runs fn against a private copy of the state and publishes it on success.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{state: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepository) GetMaterial(ctx context.Context, id string) (Material, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getMaterial(id)
}

func (r *MemoryRepository) ListMaterials(ctx context.Context) ([]Material, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listMaterials(), nil
}

func (r *MemoryRepository) GetBatch(ctx context.Context, id BatchID) (Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getBatch(id)
}

func (r *MemoryRepository) ListBatches(ctx context.Context, materialID string, filter BatchFilter) ([]Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listBatches(materialID, filter), nil
}

func (r *MemoryRepository) GetCuttingPlan(ctx context.Context, id string) (CuttingPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getPlan(id)
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]StockTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listTransactions(filter), nil
}

func (s *memoryState) getMaterial(id string) (Material, error) {
	m, ok := s.Materials[id]
	if !ok {
		return Material{}, ErrMaterialNotFound
	}
	return m, nil
}

func (s *memoryState) listMaterials() []Material {
	out := make([]Material, 0, len(s.Materials))
	for _, m := range s.Materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryState) getBatch(id BatchID) (Batch, error) {
	b, ok := s.Batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (s *memoryState) listBatches(materialID string, filter BatchFilter) []Batch {
	var out []Batch
	for _, b := range s.Batches {
		if b.MaterialID != materialID {
			continue
		}
		if filter.OnlyAvailable && !b.CurrentQuantity.IsPositive() {
			continue
		}
		if !filter.Spec.Matches(b.Spec) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.Order == OrderLIFO {
			return out[j].Before(out[i])
		}
		return out[i].Before(out[j])
	})
	return out
}

func (s *memoryState) getPlan(id string) (CuttingPlan, error) {
	p, ok := s.Plans[id]
	if !ok {
		return CuttingPlan{}, ErrPlanNotFound
	}
	return p, nil
}

func (s *memoryState) listTransactions(filter TransactionFilter) []StockTransaction {
	types := make(map[TransactionType]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}
	var out []StockTransaction
	for _, t := range s.Transactions {
		switch {
		case filter.MaterialID != "" && t.MaterialID != filter.MaterialID:
			continue
		case filter.BatchID != 0 && t.BatchID != filter.BatchID:
			continue
		case filter.PlanID != "" && t.PlanID != filter.PlanID:
			continue
		case len(types) > 0 && !types[t.Type]:
			continue
		case !filter.From.IsZero() && t.OccurredAt.Before(filter.From):
			continue
		case !filter.To.IsZero() && t.OccurredAt.After(filter.To):
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

type memoryTx struct {
	state *memoryState
}

func (tx *memoryTx) GetMaterial(ctx context.Context, id string) (Material, error) {
	return tx.state.getMaterial(id)
}

func (tx *memoryTx) ListMaterials(ctx context.Context) ([]Material, error) {
	return tx.state.listMaterials(), nil
}

func (tx *memoryTx) GetBatch(ctx context.Context, id BatchID) (Batch, error) {
	return tx.state.getBatch(id)
}

func (tx *memoryTx) ListBatches(ctx context.Context, materialID string, filter BatchFilter) ([]Batch, error) {
	return tx.state.listBatches(materialID, filter), nil
}

func (tx *memoryTx) GetCuttingPlan(ctx context.Context, id string) (CuttingPlan, error) {
	return tx.state.getPlan(id)
}

func (tx *memoryTx) ListTransactions(ctx context.Context, filter TransactionFilter) ([]StockTransaction, error) {
	return tx.state.listTransactions(filter), nil
}

func (tx *memoryTx) UpsertMaterial(ctx context.Context, m Material) error {
	tx.state.Materials[m.ID] = m
	return nil
}

func (tx *memoryTx) SetMaterialActive(ctx context.Context, id string, active bool) error {
	m, ok := tx.state.Materials[id]
	if !ok {
		return ErrMaterialNotFound
	}
	m.Active = active
	tx.state.Materials[id] = m
	return nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, b Batch) error {
	if _, exists := tx.state.Batches[b.ID]; exists {
		return fmt.Errorf("ledger: batch %d already exists", b.ID)
	}
	tx.state.Batches[b.ID] = b
	return nil
}

func (tx *memoryTx) ApplyBatchDelta(ctx context.Context, id BatchID, delta fixed.Decimal) (Batch, error) {
	b, ok := tx.state.Batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	next, err := b.CurrentQuantity.Add(delta)
	if err != nil {
		return Batch{}, err
	}
	if next.IsNegative() || next.GreaterThan(b.OriginalQuantity) {
		return Batch{}, ErrOptimisticConflict
	}
	b.CurrentQuantity = next
	tx.state.Batches[id] = b
	return b, nil
}

func (tx *memoryTx) InsertTransactions(ctx context.Context, txs []StockTransaction) error {
	tx.state.Transactions = append(tx.state.Transactions, txs...)
	return nil
}

func (tx *memoryTx) RegisterCommittedPlan(ctx context.Context, planID, kind string, at time.Time) error {
	if _, exists := tx.state.Committed[planID]; exists {
		return ErrAlreadyCommitted
	}
	tx.state.Committed[planID] = committedPlan{Kind: kind, CommittedAt: at}
	return nil
}

func (tx *memoryTx) SaveCuttingPlan(ctx context.Context, plan CuttingPlan) error {
	if _, exists := tx.state.Plans[plan.ID]; exists {
		return fmt.Errorf("ledger: cutting plan %s already exists", plan.ID)
	}
	tx.state.Plans[plan.ID] = plan
	return nil
}

func (tx *memoryTx) MarkCuttingPlanCommitted(ctx context.Context, plan CuttingPlan) error {
	current, ok := tx.state.Plans[plan.ID]
	if !ok {
		return ErrPlanNotFound
	}
	if current.Status != PlanDraft {
		return ErrAlreadyCommitted
	}
	current.Status = PlanCommitted
	current.Assignments = plan.Assignments
	current.CommittedAt = plan.CommittedAt
	current.CommittedBy = plan.CommittedBy
	tx.state.Plans[plan.ID] = current
	return nil
}
