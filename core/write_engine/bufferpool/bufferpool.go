// Package bufferpool keeps the item payloads of spatial index nodes under a
// shared item budget. Payloads are evicted least recently used first; pinned
// payloads are never evicted.
package bufferpool

import (
	"container/list" // For LRU
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"go.uber.org/zap"
)

var (
	ErrNotResident = errors.New("payload is not resident in the pool")
	ErrNotPinned   = errors.New("payload is not pinned")
)

// Owner is the lock guarding the structure an Evictable belongs to.
// *sync.Mutex satisfies it.
type Owner interface {
	TryLock() bool
	Unlock()
}

// Evictable is a payload the pool may discard. Discard is called with the
// owner's lock held and must not call back into the pool.
type Evictable interface {
	Owner() Owner
	Discard(ctx context.Context) error
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Budget          int
	Used            int
	Resident        int
	Pinned          int
	Admitted        int64
	Evictions       int64
	FailedEvictions int64
	SkippedLocked   int64
}

type entry struct {
	e        Evictable
	size     int
	pinCount int
	elem     *list.Element
}

// Config configures a Pool.
type Config struct {
	// Budget is the number of items allowed to stay resident. Zero disables
	// eviction.
	Budget  int
	Logger  *zap.Logger
	Metrics *internaltelemetry.PoolMetrics
}

// Pool is an LRU of resident payloads shared by any number of indexes.
type Pool struct {
	mu      sync.Mutex
	budget  int
	used    int
	lruList *list.List // front is most recently used; values are *entry
	entries map[Evictable]*entry
	logger  *zap.Logger
	metrics *internaltelemetry.PoolMetrics
	stats   Stats
}

// New creates a pool.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		budget:  cfg.Budget,
		lruList: list.New(),
		entries: make(map[Evictable]*entry),
		logger:  logger.Named("bufferpool"),
		metrics: cfg.Metrics,
	}
	p.logger.Info("memory pool initialized", zap.Int("budget", cfg.Budget))
	return p
}

// Admit registers e as the most recently used payload with size items and
// then evicts other payloads until the pool is within budget. held is the
// owner already locked by the caller; victims it owns are discarded without
// locking. Admitting a resident payload only updates its size.
func (p *Pool) Admit(ctx context.Context, held Owner, e Evictable, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if en, ok := p.entries[e]; ok {
		p.resizeLocked(ctx, en, size)
		p.lruList.MoveToFront(en.elem)
	} else {
		en := &entry{e: e, size: size}
		en.elem = p.lruList.PushFront(en)
		p.entries[e] = en
		p.used += size
		p.stats.Admitted++
		if p.metrics != nil {
			p.metrics.AdmittedCounter.Add(ctx, 1)
			p.metrics.ResidentItemsUpDown.Add(ctx, int64(size))
		}
	}
	p.enforceLocked(ctx, held, e)
}

// Resize records a new item count for a resident payload and enforces the
// budget.
func (p *Pool) Resize(ctx context.Context, held Owner, e Evictable, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	en, ok := p.entries[e]
	if !ok {
		return ErrNotResident
	}
	p.resizeLocked(ctx, en, size)
	p.lruList.MoveToFront(en.elem)
	p.enforceLocked(ctx, held, e)
	return nil
}

func (p *Pool) resizeLocked(ctx context.Context, en *entry, size int) {
	delta := size - en.size
	en.size = size
	p.used += delta
	if p.metrics != nil && delta != 0 {
		p.metrics.ResidentItemsUpDown.Add(ctx, int64(delta))
	}
}

// Touch marks e as most recently used. Unknown payloads are ignored.
func (p *Pool) Touch(e Evictable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if en, ok := p.entries[e]; ok {
		p.lruList.MoveToFront(en.elem)
	}
}

// Pin protects e from eviction until the matching Unpin.
func (p *Pool) Pin(e Evictable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	en, ok := p.entries[e]
	if !ok {
		return ErrNotResident
	}
	en.pinCount++
	p.lruList.MoveToFront(en.elem)
	return nil
}

// Unpin releases one pin on e and enforces the budget.
func (p *Pool) Unpin(ctx context.Context, held Owner, e Evictable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	en, ok := p.entries[e]
	if !ok {
		return ErrNotResident
	}
	if en.pinCount == 0 {
		p.logger.Warn("unpin of unpinned payload")
		return ErrNotPinned
	}
	en.pinCount--
	p.enforceLocked(ctx, held, nil)
	return nil
}

// Enforce evicts until the pool is within budget or nothing more can go.
func (p *Pool) Enforce(ctx context.Context, held Owner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enforceLocked(ctx, held, nil)
}

// Remove forgets e without discarding it.
func (p *Pool) Remove(ctx context.Context, e Evictable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if en, ok := p.entries[e]; ok {
		p.dropLocked(ctx, en)
	}
}

// RemoveOwned forgets every payload owned by owner, for instance when an
// index is closed.
func (p *Pool) RemoveOwned(ctx context.Context, owner Owner) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for e, en := range p.entries {
		if e.Owner() == owner {
			p.dropLocked(ctx, en)
			n++
		}
	}
	return n
}

// Transfer hands the entry of from over to to, keeping its size, pins and
// LRU position.
func (p *Pool) Transfer(from, to Evictable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	en, ok := p.entries[from]
	if !ok {
		return fmt.Errorf("%w: transfer source", ErrNotResident)
	}
	if _, taken := p.entries[to]; taken {
		return fmt.Errorf("transfer target is already resident")
	}
	delete(p.entries, from)
	en.e = to
	p.entries[to] = en
	return nil
}

// Resident reports whether e is tracked by the pool.
func (p *Pool) Resident(e Evictable) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[e]
	return ok
}

// Used returns the number of resident items.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Budget returns the configured budget.
func (p *Pool) Budget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget
}

// SetBudget changes the budget and enforces it.
func (p *Pool) SetBudget(ctx context.Context, held Owner, budget int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget = budget
	p.enforceLocked(ctx, held, nil)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Budget = p.budget
	s.Used = p.used
	s.Resident = len(p.entries)
	for _, en := range p.entries {
		if en.pinCount > 0 {
			s.Pinned++
		}
	}
	return s
}

func (p *Pool) dropLocked(ctx context.Context, en *entry) {
	p.lruList.Remove(en.elem)
	delete(p.entries, en.e)
	p.used -= en.size
	if p.metrics != nil {
		p.metrics.ResidentItemsUpDown.Add(ctx, -int64(en.size))
	}
}

// enforceLocked walks the LRU list from the back and discards unpinned
// payloads until used <= budget. keep is never chosen. This method MUST be
// called with p.mu locked.
func (p *Pool) enforceLocked(ctx context.Context, held Owner, keep Evictable) {
	if p.budget <= 0 {
		return
	}
	e := p.lruList.Back()
	for p.used > p.budget && e != nil {
		en := e.Value.(*entry)
		e = e.Prev()
		if en.pinCount > 0 || en.e == keep {
			continue
		}
		p.evictLocked(ctx, held, en)
	}
	if p.used > p.budget {
		p.logger.Debug("pool over budget, remaining payloads are pinned or busy",
			zap.Int("used", p.used), zap.Int("budget", p.budget))
	}
}

func (p *Pool) evictLocked(ctx context.Context, held Owner, en *entry) {
	owner := en.e.Owner()
	if owner != held {
		if !owner.TryLock() {
			p.stats.SkippedLocked++
			return
		}
		defer owner.Unlock()
	}

	start := time.Now()
	if err := en.e.Discard(ctx); err != nil {
		p.stats.FailedEvictions++
		p.logger.Warn("failed to discard payload, keeping it resident", zap.Int("items", en.size), zap.Error(err))
		if p.metrics != nil {
			p.metrics.FailedEvictionsCounter.Add(ctx, 1)
		}
		return
	}
	p.stats.Evictions++
	if p.metrics != nil {
		p.metrics.EvictionsCounter.Add(ctx, 1)
		p.metrics.EvictionLatencyHistogram.Record(ctx, time.Since(start).Microseconds())
	}
	p.logger.Debug("evicted payload", zap.Int("items", en.size))
	p.dropLocked(ctx, en)
}
