package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PlanStash holds consumption plans between preview and commit so callers can
// commit them by id. Stashing never touches the ledger.
type PlanStash interface {
	Put(ctx context.Context, plan ConsumptionPlan) error
	Get(ctx context.Context, id string) (ConsumptionPlan, error)
}

// RedisPlanStash keeps plans in Redis until they expire.
type RedisPlanStash struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPlanStash constructs the stash. Zero ttl means one hour.
func NewRedisPlanStash(client *redis.Client, ttl time.Duration) *RedisPlanStash {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisPlanStash{client: client, ttl: ttl}
}

func stashKey(id string) string {
	return fmt.Sprintf("ledger:consumption_plan:%s", id)
}

func (s *RedisPlanStash) Put(ctx context.Context, plan ConsumptionPlan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stashKey(plan.ID), raw, s.ttl).Err()
}

func (s *RedisPlanStash) Get(ctx context.Context, id string) (ConsumptionPlan, error) {
	raw, err := s.client.Get(ctx, stashKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ConsumptionPlan{}, ErrPlanNotFound
	}
	if err != nil {
		return ConsumptionPlan{}, err
	}
	var plan ConsumptionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return ConsumptionPlan{}, fmt.Errorf("ledger: decode consumption plan: %w", err)
	}
	return plan, nil
}

// MemoryPlanStash is the in-process PlanStash.
type MemoryPlanStash struct {
	mu    sync.Mutex
	ttl   time.Duration
	plans map[string]stashedPlan
}

type stashedPlan struct {
	Plan      ConsumptionPlan `json:"plan"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewMemoryPlanStash constructs the stash. Zero ttl means one hour.
func NewMemoryPlanStash(ttl time.Duration) *MemoryPlanStash {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryPlanStash{ttl: ttl, plans: make(map[string]stashedPlan)}
}

func (s *MemoryPlanStash) Put(ctx context.Context, plan ConsumptionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, p := range s.plans {
		if now.After(p.ExpiresAt) {
			delete(s.plans, id)
		}
	}
	s.plans[plan.ID] = stashedPlan{Plan: plan, ExpiresAt: now.Add(s.ttl)}
	return nil
}

func (s *MemoryPlanStash) Get(ctx context.Context, id string) (ConsumptionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok || time.Now().After(p.ExpiresAt) {
		return ConsumptionPlan{}, ErrPlanNotFound
	}
	return p.Plan, nil
}

// StatePlanStash keeps plans inside a MemoryRepository, so they are saved with
// the state file and a later process can commit them.
type StatePlanStash struct {
	repo *MemoryRepository
	ttl  time.Duration
}

// PlanStash returns a stash backed by the repository state. Zero ttl means one hour.
func (r *MemoryRepository) PlanStash(ttl time.Duration) *StatePlanStash {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StatePlanStash{repo: r, ttl: ttl}
}

func (s *StatePlanStash) Put(ctx context.Context, plan ConsumptionPlan) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	now := time.Now()
	for id, p := range s.repo.state.Stashed {
		if now.After(p.ExpiresAt) {
			delete(s.repo.state.Stashed, id)
		}
	}
	s.repo.state.Stashed[plan.ID] = stashedPlan{Plan: plan, ExpiresAt: now.Add(s.ttl)}
	return nil
}

func (s *StatePlanStash) Get(ctx context.Context, id string) (ConsumptionPlan, error) {
	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()
	p, ok := s.repo.state.Stashed[id]
	if !ok || time.Now().After(p.ExpiresAt) {
		return ConsumptionPlan{}, ErrPlanNotFound
	}
	return p.Plan, nil
}
