package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"golang.org/x/time/rate"

	"github.com/and161185/robosync/internal/errs"
)

// Config tunes a Memory limiter.
type Config struct {
	RPS      float64       // sustained requests per second per key
	Burst    int           // bucket size
	Window   time.Duration // failures older than this do not count
	MaxFails int           // failures within Window that trigger a block
	MinBlock time.Duration // first block duration
	MaxBlock time.Duration // cap for repeated blocks
}

// DefaultConfig is sized for a handful of polling loops per coordinator.
func DefaultConfig() Config {
	return Config{
		RPS:      4,
		Burst:    8,
		Window:   2 * time.Minute,
		MaxFails: 5,
		MinBlock: 10 * time.Second,
		MaxBlock: 5 * time.Minute,
	}
}

// Memory is an in-process limiter: a token bucket per key plus failure lockout
// whose duration doubles on every consecutive block.
type Memory struct {
	cfg Config
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	bucket       *rate.Limiter
	fails        int
	firstFail    time.Time
	blockedUntil time.Time
	blocks       *backoff.Backoff
}

// NewMemory constructs an in-memory limiter.
func NewMemory(cfg Config) *Memory {
	return NewMemoryWithClock(cfg, clock.New())
}

// NewMemoryWithClock constructs an in-memory limiter driven by clk.
func NewMemoryWithClock(cfg Config, clk clock.Clock) *Memory {
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Memory{cfg: cfg, clk: clk, entries: make(map[string]*entry)}
}

func (l *Memory) get(key string) *entry {
	e, ok := l.entries[key]
	if !ok {
		limit := rate.Inf
		if l.cfg.RPS > 0 {
			limit = rate.Limit(l.cfg.RPS)
		}
		e = &entry{
			bucket: rate.NewLimiter(limit, l.cfg.Burst),
			blocks: &backoff.Backoff{Min: l.cfg.MinBlock, Max: l.cfg.MaxBlock, Factor: 2},
		}
		l.entries[key] = e
	}
	return e
}

// Allow reports whether a request may be sent now and a retry-after duration.
func (l *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.get(key)
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	r := e.bucket.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

// Wait blocks until the bucket admits a request or ctx is done.
func (l *Memory) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	now := l.clk.Now()
	e := l.get(key)
	if e.blockedUntil.After(now) {
		retry := e.blockedUntil.Sub(now)
		l.mu.Unlock()
		return fmt.Errorf("%s locked out for %s: %w", key, retry, errs.ErrRateLimited)
	}
	r := e.bucket.ReserveN(now, 1)
	l.mu.Unlock()

	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	t := l.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clk.Now())
		return ctx.Err()
	}
}

// Success resets counters for key.
func (l *Memory) Success(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.get(key)
	e.fails = 0
	e.firstFail = time.Time{}
	e.blocks.Reset()
	return nil
}

// Failure records a failed request; may set a block until a future time.
func (l *Memory) Failure(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.get(key)
	if e.fails == 0 || now.Sub(e.firstFail) > l.cfg.Window {
		e.fails = 0
		e.firstFail = now
	}
	e.fails++
	if e.fails < l.cfg.MaxFails {
		return false, 0, nil
	}
	blockFor := e.blocks.Duration()
	e.blockedUntil = now.Add(blockFor)
	e.fails = 0
	e.firstFail = time.Time{}
	return true, blockFor, nil
}

var _ Limiter = (*Memory)(nil)
