package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MaterialLocker serialises commits per material. Inside one process a keyed
// mutex is enough; with a Redis client the lock also spans processes.
type MaterialLocker struct {
	mu      sync.Mutex
	local   map[string]*materialSlot
	redis   *redislock.Client
	ttl     time.Duration
	retries int
	logger  *slog.Logger
}

type materialSlot struct {
	ch   chan struct{}
	refs int
}

// LockerConfig tunes the distributed lock. Zero values fall back to defaults.
type LockerConfig struct {
	TTL     time.Duration
	Retries int
	Logger  *slog.Logger
}

// NewMaterialLocker builds a locker. client may be nil for a single process.
func NewMaterialLocker(client *redis.Client, cfg LockerConfig) *MaterialLocker {
	l := &MaterialLocker{
		local:   make(map[string]*materialSlot),
		ttl:     cfg.TTL,
		retries: cfg.Retries,
		logger:  cfg.Logger,
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Second
	}
	if l.retries <= 0 {
		l.retries = 40
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if client != nil {
		l.redis = redislock.New(client)
	}
	return l
}

// Lock blocks until the material is free or ctx ends. The returned func
// releases the lock and must be called exactly once.
func (l *MaterialLocker) Lock(ctx context.Context, materialID string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	slot := l.acquire(materialID)
	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(materialID)
		return nil, ctx.Err()
	}
	releaseLocal := func() {
		<-slot.ch
		l.drop(materialID)
	}
	if l.redis == nil {
		return releaseLocal, nil
	}

	key := shared.MaterialLockKey(materialID)
	lock, err := l.redis.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), l.retries),
	})
	if err != nil {
		releaseLocal()
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrMaterialBusy, materialID)
		}
		return nil, fmt.Errorf("ledger: obtain material lock: %w", err)
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release material lock", slog.String("material_id", materialID), slog.Any("error", err))
		}
		releaseLocal()
	}, nil
}

func (l *MaterialLocker) acquire(materialID string) *materialSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.local[materialID]
	if !ok {
		slot = &materialSlot{ch: make(chan struct{}, 1)}
		l.local[materialID] = slot
	}
	slot.refs++
	return slot
}

func (l *MaterialLocker) drop(materialID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.local[materialID]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs == 0 {
		delete(l.local, materialID)
	}
}
