// Package pool provides bounded concurrency accounting for node execution.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/dagflow/types"
	"golang.org/x/time/rate"
)

// GlobalCategory is the label reported for the global limit in Stats.
const GlobalCategory = "_global"

var ErrAcquireTimeout = errors.New("slot acquire timeout")

// RateConfig configures an optional token bucket for a category.
type RateConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// SlotManagerConfig configures the manager. A max of 0 means unlimited.
type SlotManagerConfig struct {
	Global         int                   `json:"global" yaml:"global"`
	Categories     map[string]int        `json:"categories" yaml:"categories"`
	Rates          map[string]RateConfig `json:"rates" yaml:"rates"`
	AcquireTimeout time.Duration         `json:"acquire_timeout" yaml:"acquire_timeout"`
}

// DefaultSlotManagerConfig returns sensible defaults.
func DefaultSlotManagerConfig() SlotManagerConfig {
	return SlotManagerConfig{
		Global: 64,
		Categories: map[string]int{
			"agent":        8,
			"http_request": 16,
		},
	}
}

// counter is a lock-free bounded counter. Waiters park on the current
// generation channel, which Release closes and replaces.
type counter struct {
	max      atomic.Int64
	active   atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
	notify   atomic.Pointer[chan struct{}]
	limiter  atomic.Pointer[rate.Limiter]
}

func newCounter(max int) *counter {
	c := &counter{}
	c.max.Store(int64(max))
	ch := make(chan struct{})
	c.notify.Store(&ch)
	return c
}

// tryAcquire is the CAS loop: read, verify < max, compare-and-swap to +1.
func (c *counter) tryAcquire() bool {
	for {
		current := c.active.Load()
		limit := c.max.Load()
		if limit > 0 && current >= limit {
			return false
		}
		if c.active.CompareAndSwap(current, current+1) {
			c.acquired.Add(1)
			return true
		}
	}
}

func (c *counter) acquire(ctx context.Context) error {
	if c.tryAcquire() {
		return nil
	}
	c.waiting.Add(1)
	defer c.waiting.Add(-1)
	for {
		// Load the generation before re-checking so a concurrent release
		// cannot slip between the check and the wait.
		ch := *c.notify.Load()
		if c.tryAcquire() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *counter) release() {
	for {
		current := c.active.Load()
		if current <= 0 {
			return
		}
		if c.active.CompareAndSwap(current, current-1) {
			break
		}
	}
	c.wake()
}

func (c *counter) wake() {
	next := make(chan struct{})
	prev := c.notify.Swap(&next)
	close(*prev)
}

func (c *counter) stats() SlotStats {
	return SlotStats{
		Active:   c.active.Load(),
		Waiting:  c.waiting.Load(),
		Max:      c.max.Load(),
		Acquired: c.acquired.Load(),
	}
}

// SlotManager grants execution slots per node category and globally.
// It is shared by reference across all concurrently executing node tasks.
type SlotManager struct {
	global         *counter
	categories     sync.Map // string -> *counter
	acquireTimeout atomic.Int64
}

// NewSlotManager creates a manager from config.
func NewSlotManager(cfg SlotManagerConfig) *SlotManager {
	m := &SlotManager{global: newCounter(cfg.Global)}
	m.acquireTimeout.Store(int64(cfg.AcquireTimeout))
	for category, max := range cfg.Categories {
		m.Configure(category, max)
	}
	for category, rc := range cfg.Rates {
		m.ConfigureRate(category, rc.RPS, rc.Burst)
	}
	return m
}

func (m *SlotManager) counter(category string) *counter {
	if c, ok := m.categories.Load(category); ok {
		return c.(*counter)
	}
	c, _ := m.categories.LoadOrStore(category, newCounter(0))
	return c.(*counter)
}

// Configure sets the maximum concurrent slots for a category.
func (m *SlotManager) Configure(category string, max int) {
	if max < 0 {
		max = 0
	}
	c := m.counter(category)
	c.max.Store(int64(max))
	c.wake()
}

// ConfigureGlobal sets the global maximum across all categories.
func (m *SlotManager) ConfigureGlobal(max int) {
	if max < 0 {
		max = 0
	}
	m.global.max.Store(int64(max))
	m.global.wake()
}

// ConfigureRate attaches a token bucket to a category; rps <= 0 removes it.
func (m *SlotManager) ConfigureRate(category string, rps float64, burst int) {
	c := m.counter(category)
	if rps <= 0 {
		c.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter.Store(rate.NewLimiter(rate.Limit(rps), burst))
}

// SetAcquireTimeout bounds how long Acquire may wait; 0 waits until ctx ends.
func (m *SlotManager) SetAcquireTimeout(d time.Duration) {
	m.acquireTimeout.Store(int64(d))
}

// Acquire blocks until a slot is available under both the category limit and
// the global limit. A configured acquire timeout surfaces as a retryable
// concurrency_timeout error; parent cancellation returns ctx.Err().
func (m *SlotManager) Acquire(ctx context.Context, category string) error {
	waitCtx := ctx
	if d := time.Duration(m.acquireTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := m.acquire(waitCtx, category)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrConcurrencyTimeout,
			fmt.Sprintf("no %q slot within %v", category, time.Duration(m.acquireTimeout.Load()))).
			WithCause(ErrAcquireTimeout)
	}
	return err
}

func (m *SlotManager) acquire(ctx context.Context, category string) error {
	c := m.counter(category)
	if l := c.limiter.Load(); l != nil {
		if err := l.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 令牌要等到 deadline 之后才可用，Wait 会立即返回
			if _, ok := ctx.Deadline(); ok {
				return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return err
		}
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	if err := m.global.acquire(ctx); err != nil {
		c.release()
		return err
	}
	return nil
}

// TryAcquire grabs a slot without waiting.
func (m *SlotManager) TryAcquire(category string) bool {
	c := m.counter(category)
	if l := c.limiter.Load(); l != nil && !l.Allow() {
		return false
	}
	if !c.tryAcquire() {
		return false
	}
	if !m.global.tryAcquire() {
		c.release()
		return false
	}
	return true
}

// Release returns a slot previously obtained by Acquire or TryAcquire.
func (m *SlotManager) Release(category string) {
	m.global.release()
	m.counter(category).release()
}

// SlotStats is a point-in-time view of one counter.
type SlotStats struct {
	Active   int64 `json:"active"`
	Waiting  int64 `json:"waiting"`
	Max      int64 `json:"max"`
	Acquired int64 `json:"acquired"`
}

// Stats is a snapshot of all counters. It is not linearizable with
// concurrent acquires and releases.
type Stats struct {
	Global     SlotStats            `json:"global"`
	Categories map[string]SlotStats `json:"categories"`
}

// Stats returns a snapshot of active and queued counts.
func (m *SlotManager) Stats() Stats {
	s := Stats{
		Global:     m.global.stats(),
		Categories: make(map[string]SlotStats),
	}
	m.categories.Range(func(key, value any) bool {
		s.Categories[key.(string)] = value.(*counter).stats()
		return true
	})
	return s
}
