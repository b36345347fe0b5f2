// Package federation fans requests out to the set of coordinators a client trusts.
package federation

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

// maxLotteryWeight caps the dev fund share that buys lottery odds.
const maxLotteryWeight = 50

// RobotTarget receives per-coordinator registration results for one identity.
type RobotTarget interface {
	Credentials() coordinator.Credentials
	SetLoading(shortAlias string)
	ApplyRobot(shortAlias string, patch model.RobotPatch, err error)
}

// Federation owns the coordinators and the session lottery.
type Federation struct {
	log *zap.Logger
	rng *rand.Rand

	mu      sync.RWMutex
	coords  map[string]*coordinator.Coordinator
	added   []string // insertion order
	lottery []string // nil until first computed
}

// Option customizes a Federation.
type Option func(*Federation)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(f *Federation) { f.log = l } }

// WithSeed fixes the lottery seed, otherwise a random session seed is used.
func WithSeed(seed uint64) Option {
	return func(f *Federation) { f.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// New builds a federation from coordinators.
func New(coords []*coordinator.Coordinator, opts ...Option) *Federation {
	f := &Federation{
		log:    zap.NewNop(),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		coords: make(map[string]*coordinator.Coordinator, len(coords)),
	}
	for _, o := range opts {
		o(f)
	}
	for _, c := range coords {
		f.add(c)
	}
	return f
}

func (f *Federation) add(c *coordinator.Coordinator) bool {
	if _, ok := f.coords[c.ShortAlias()]; ok {
		return false
	}
	f.coords[c.ShortAlias()] = c
	f.added = append(f.added, c.ShortAlias())
	if f.lottery != nil {
		f.lottery = append(f.lottery, c.ShortAlias())
	}
	return true
}

// AddCoordinator registers a coordinator. A coordinator with a known alias is rejected.
func (f *Federation) AddCoordinator(c *coordinator.Coordinator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.add(c) {
		return fmt.Errorf("coordinator %q already in federation", c.ShortAlias())
	}
	return nil
}

// Get returns a coordinator by short alias.
func (f *Federation) Get(alias string) (*coordinator.Coordinator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.coords[alias]
	if !ok {
		return nil, fmt.Errorf("coordinator %q: %w", alias, errs.ErrNotFound)
	}
	return c, nil
}

// Enable turns a coordinator on.
func (f *Federation) Enable(alias string) error { return f.setEnabled(alias, true) }

// Disable turns a coordinator off. Its cached state is kept.
func (f *Federation) Disable(alias string) error { return f.setEnabled(alias, false) }

func (f *Federation) setEnabled(alias string, v bool) error {
	c, err := f.Get(alias)
	if err != nil {
		return err
	}
	c.SetEnabled(v)
	f.log.Info("coordinator toggled", zap.String("coordinator", alias), zap.Bool("enabled", v))
	return nil
}

// SetRoute points every coordinator at network and transport.
func (f *Federation) SetRoute(n model.Network, t model.Transport) {
	for _, c := range f.All() {
		c.SetRoute(n, t)
	}
}

// All returns every coordinator in lottery order.
func (f *Federation) All() []*coordinator.Coordinator {
	order := f.Lottery()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return lo.Map(order, func(a string, _ int) *coordinator.Coordinator { return f.coords[a] })
}

// Enabled returns enabled coordinators in lottery order.
func (f *Federation) Enabled() []*coordinator.Coordinator {
	return lo.Filter(f.All(), func(c *coordinator.Coordinator, _ int) bool { return c.Enabled() })
}

// Lottery returns short aliases ordered by a weighted shuffle on dev fund donation.
// The draw happens once per session; coordinators that are not live sink to the end.
func (f *Federation) Lottery() []string {
	f.mu.Lock()
	if f.lottery == nil {
		f.lottery = f.draw()
	}
	order := append([]string(nil), f.lottery...)
	live := make(map[string]bool, len(order))
	for _, a := range order {
		live[a] = f.coords[a].Live()
	}
	f.mu.Unlock()

	sort.SliceStable(order, func(i, j int) bool { return live[order[i]] && !live[order[j]] })
	return order
}

// draw orders by descending u^(1/w), a weighted random permutation. Zero weight draws last.
func (f *Federation) draw() []string {
	type ticket struct {
		alias string
		key   float64
	}
	tickets := make([]ticket, 0, len(f.added))
	for _, a := range f.added {
		w := float64(min(f.coords[a].DevFundDonation(), maxLotteryWeight))
		u := f.rng.Float64()
		key := -1 + u // keeps zero weights below every positive draw, random among themselves
		if w > 0 {
			key = math.Pow(u, 1/w)
		}
		tickets = append(tickets, ticket{alias: a, key: key})
	}
	sort.SliceStable(tickets, func(i, j int) bool { return tickets[i].key > tickets[j].key })
	return lo.Map(tickets, func(t ticket, _ int) string { return t.alias })
}

// AggregateBook refreshes every live enabled coordinator's book concurrently and
// merges them in lottery order. A coordinator that is not live stays enabled and
// keeps its cached book, but is left out of the merge.
func (f *Federation) AggregateBook(ctx context.Context) ([]model.PublicOrder, error) {
	enabled := f.Enabled()
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range enabled {
		if !c.Live() {
			continue
		}
		g.Go(func() error {
			if _, err := c.FetchBook(gctx); err != nil {
				f.log.Warn("book fetch failed", zap.String("coordinator", c.ShortAlias()), zap.Error(err))
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", c.ShortAlias(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// re-read order: failures above may have changed liveness
	var book []model.PublicOrder
	for _, c := range f.Enabled() {
		if !c.Live() {
			continue
		}
		book = append(book, c.Book()...)
	}
	return book, merr.ErrorOrNil()
}

// FetchRobotEverywhere registers the identity with every enabled coordinator in parallel.
// Each result lands in the target's sub-record for that coordinator; errors are aggregated.
func (f *Federation) FetchRobotEverywhere(ctx context.Context, target RobotTarget) error {
	enabled := f.Enabled()
	if len(enabled) == 0 {
		return fmt.Errorf("no enabled coordinators: %w", errs.ErrCoordinatorUnavailable)
	}
	cred := target.Credentials()
	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)
	for _, c := range enabled {
		target.SetLoading(c.ShortAlias())
		wg.Add(1)
		go func() {
			defer wg.Done()
			patch, err := c.RegisterOrLogin(ctx, cred)
			target.ApplyRobot(c.ShortAlias(), patch, err)
			if err != nil {
				f.log.Warn("robot registration failed", zap.String("coordinator", c.ShortAlias()), zap.Error(err))
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merr.ErrorOrNil()
}

// RefreshAll refreshes info and limits of every enabled coordinator.
func (f *Federation) RefreshAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range f.Enabled() {
		g.Go(func() error {
			if err := c.Refresh(gctx); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", c.ShortAlias(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}
