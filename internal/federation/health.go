package federation

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/robosync/internal/coordinator"
)

// Health statuses.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CoordinatorHealth tracks check results for one coordinator.
type CoordinatorHealth struct {
	ShortAlias       string
	Status           string
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
}

// HealthMonitor periodically checks enabled coordinators. A coordinator that fails
// maxFailures checks in a row is marked not-live; one successful check restores it.
type HealthMonitor struct {
	fed         *Federation
	clk         clock.Clock
	log         *zap.Logger
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	checkFunc   func(ctx context.Context, c *coordinator.Coordinator) error
	onChange    func(alias string, live bool)

	mu     sync.RWMutex
	health map[string]*CoordinatorHealth
}

// NewHealthMonitor creates a monitor probing every interval.
func NewHealthMonitor(fed *Federation, interval time.Duration, log *zap.Logger, clk clock.Clock) *HealthMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HealthMonitor{
		fed:         fed,
		clk:         clk,
		log:         log,
		interval:    interval,
		timeout:     15 * time.Second,
		maxFailures: 3,
		checkFunc:   func(ctx context.Context, c *coordinator.Coordinator) error { return c.CheckInfo(ctx) },
		health:      make(map[string]*CoordinatorHealth),
	}
}

// SetCheckFunction overrides the check, by default Coordinator.CheckInfo. The check must
// not change liveness itself.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, c *coordinator.Coordinator) error) {
	h.checkFunc = fn
}

// SetMaxFailures sets the consecutive failures that mark a coordinator not-live.
func (h *HealthMonitor) SetMaxFailures(n int) { h.maxFailures = n }

// SetOnChange registers a callback for liveness transitions.
func (h *HealthMonitor) SetOnChange(fn func(alias string, live bool)) { h.onChange = fn }

// Run checks immediately and then on every tick until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	t := h.clk.Ticker(h.interval)
	defer t.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-t.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			h.log.Debug("health monitor stopped")
			return
		}
	}
}

// CheckAll checks all enabled coordinators concurrently and forgets removed ones.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	current := map[string]bool{}
	var g errgroup.Group
	for _, c := range h.fed.Enabled() {
		current[c.ShortAlias()] = true
		g.Go(func() error {
			h.check(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for alias := range h.health {
		if !current[alias] {
			delete(h.health, alias)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, c *coordinator.Coordinator) {
	alias := c.ShortAlias()
	h.mu.Lock()
	rec, ok := h.health[alias]
	if !ok {
		rec = &CoordinatorHealth{ShortAlias: alias, Status: StatusUnknown}
		h.health[alias] = rec
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(cctx, c)
	cancel()

	h.mu.Lock()
	now := h.clk.Now()
	rec.LastCheck = now
	prev := rec.Status
	if err != nil {
		rec.ConsecutiveFails++
		h.log.Debug("coordinator check failed", zap.String("coordinator", alias),
			zap.Int("fails", rec.ConsecutiveFails), zap.Error(err))
		if rec.ConsecutiveFails >= h.maxFailures {
			rec.Status = StatusUnhealthy
		}
	} else {
		rec.Status = StatusHealthy
		rec.ConsecutiveFails = 0
		rec.LastHealthy = now
	}
	status := rec.Status
	h.mu.Unlock()

	switch {
	case err == nil:
		c.SetLive(true)
	case status == StatusUnhealthy:
		c.SetLive(false)
	}
	if prev != status && status != StatusUnknown {
		h.log.Info("coordinator health changed", zap.String("coordinator", alias), zap.String("status", status))
		if h.onChange != nil {
			h.onChange(alias, status == StatusHealthy)
		}
	}
}

// Health returns a copy of the record for alias, nil if never checked.
func (h *HealthMonitor) Health(alias string) *CoordinatorHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.health[alias]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// IsHealthy reports whether alias passed its last check streak.
func (h *HealthMonitor) IsHealthy(alias string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.health[alias]
	return ok && rec.Status == StatusHealthy
}
