package ordersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

// Ref identifies an order across the federation.
type Ref struct {
	ShortAlias string
	ID         int64
}

func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.ShortAlias, r.ID) }

// Poller fetches the latest state of an order.
type Poller interface {
	Poll(ctx context.Context, ref Ref) (model.Order, error)
}

// PollFunc adapts a function to Poller.
type PollFunc func(ctx context.Context, ref Ref) (model.Order, error)

func (f PollFunc) Poll(ctx context.Context, ref Ref) (model.Order, error) { return f(ctx, ref) }

// Syncer tracks at most one order and polls it on a status-driven timer.
// Responses that belong to an earlier Track call, or that were overtaken by a
// newer poll, are discarded.
type Syncer struct {
	poller      Poller
	clk         clock.Clock
	log         *zap.Logger
	hooks       Hooks
	pollTimeout time.Duration
	factor      int

	mu         sync.Mutex
	ref        *Ref
	gen        uint64 // bumped by Track and Stop
	seq        uint64 // last issued poll
	applied    uint64 // last poll whose response was accepted
	current    *model.Order
	timer      *clock.Timer
	background bool
	halted     bool // bad_request or terminal
	paid       map[payKey]bool
	ctx        context.Context
	cancel     context.CancelFunc
}

type payKey struct {
	ref    Ref
	status model.Status
}

// Option configures a Syncer.
type Option func(*Syncer)

func WithClock(c clock.Clock) Option         { return func(s *Syncer) { s.clk = c } }
func WithLogger(l *zap.Logger) Option        { return func(s *Syncer) { s.log = l } }
func WithHooks(h Hooks) Option               { return func(s *Syncer) { s.hooks = h } }
func WithPollTimeout(d time.Duration) Option { return func(s *Syncer) { s.pollTimeout = d } }

// WithBackgroundFactor overrides BackgroundFactor. Values below 1 are ignored.
func WithBackgroundFactor(n int) Option {
	return func(s *Syncer) {
		if n >= 1 {
			s.factor = n
		}
	}
}

// New creates an idle Syncer.
func New(p Poller, opts ...Option) *Syncer {
	s := &Syncer{
		poller:      p,
		clk:         clock.New(),
		log:         zap.NewNop(),
		pollTimeout: 30 * time.Second,
		factor:      BackgroundFactor,
		paid:        make(map[payKey]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Track makes ref the tracked order and polls it immediately. Any previous
// order is dropped along with its in-flight poll.
func (s *Syncer) Track(ref Ref) {
	s.mu.Lock()
	s.resetLocked()
	s.ref = &ref
	s.ctx, s.cancel = context.WithCancel(context.Background())
	gen := s.gen
	s.mu.Unlock()

	s.log.Debug("tracking order", zap.Stringer("order", ref))
	go s.fire(gen)
}

// Stop drops the tracked order.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Syncer) resetLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.ref = nil
	s.current = nil
	s.halted = false
	s.seq, s.applied = 0, 0
}

// Kick polls the tracked order now instead of waiting for its timer.
// It is a no-op when nothing is tracked or polling has halted.
func (s *Syncer) Kick() {
	s.mu.Lock()
	if s.ref == nil || s.halted {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	gen := s.gen
	s.mu.Unlock()
	go s.fire(gen)
}

// SetBackground switches the interval factor and restarts the pending timer.
func (s *Syncer) SetBackground(bg bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.background == bg {
		return
	}
	s.background = bg
	if s.timer != nil && s.current != nil {
		s.armLocked(s.current.Status)
	}
}

// Current returns the last accepted state of the tracked order.
func (s *Syncer) Current() (model.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.Order{}, false
	}
	return *s.current, true
}

// Tracked returns the tracked order reference.
func (s *Syncer) Tracked() (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref == nil {
		return Ref{}, false
	}
	return *s.ref, true
}

// Observe feeds an order obtained outside the poll loop, e.g. the response of
// an order action. It returns ErrStaleResponse when o is not the tracked order.
func (s *Syncer) Observe(o model.Order) error {
	s.mu.Lock()
	if s.ref == nil || s.ref.ID != o.ID || s.ref.ShortAlias != o.ShortAlias {
		s.mu.Unlock()
		return errs.ErrStaleResponse
	}
	s.seq++
	seq, gen := s.seq, s.gen
	s.mu.Unlock()
	return s.handle(gen, seq, o, nil)
}

func (s *Syncer) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.ref == nil || s.halted {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ref, ctx := *s.ref, s.ctx
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	o, err := s.poller.Poll(pctx, ref)
	cancel()
	if err == nil && (o.ID != ref.ID || o.ShortAlias != ref.ShortAlias) {
		err = fmt.Errorf("%w: got %s#%d for %s", errs.ErrStaleResponse, o.ShortAlias, o.ID, ref)
	}
	if herr := s.handle(gen, seq, o, err); errors.Is(herr, errs.ErrStaleResponse) {
		s.log.Debug("discarded poll response", zap.Stringer("order", ref), zap.Error(herr))
	}
}

// handle applies one response. Hooks run after the lock is released.
func (s *Syncer) handle(gen, seq uint64, o model.Order, err error) error {
	s.mu.Lock()
	if gen != s.gen || s.ref == nil {
		s.mu.Unlock()
		return errs.ErrStaleResponse
	}
	if seq < s.applied {
		s.mu.Unlock()
		return errs.ErrStaleResponse
	}
	s.applied = seq
	ref := *s.ref

	if err != nil {
		if _, ok := errs.AsBadRequest(err); ok {
			s.halted = true
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
		} else {
			status := model.StatusUnknown
			if s.current != nil {
				status = s.current.Status
			}
			s.armLocked(status)
		}
		s.mu.Unlock()
		s.log.Warn("order poll failed", zap.Stringer("order", ref), zap.Error(err))
		if s.hooks.OnError != nil {
			s.hooks.OnError(ref, err)
		}
		return nil
	}

	s.current = &o
	var (
		req    PaymentRequest
		notify bool
	)
	if r, ok := PaymentFor(o); ok {
		key := payKey{ref: ref, status: o.Status}
		if !s.paid[key] {
			s.paid[key] = true
			req, notify = r, true
		}
	}
	if o.Status.IsTerminal() {
		s.halted = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	} else {
		s.armLocked(o.Status)
	}
	s.mu.Unlock()

	if s.hooks.OnOrder != nil {
		s.hooks.OnOrder(o)
	}
	if notify && s.hooks.OnPayment != nil {
		s.hooks.OnPayment(req)
	}
	return nil
}

func (s *Syncer) armLocked(status model.Status) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	d, ok := Interval(status, false)
	if !ok {
		return
	}
	if s.background {
		d *= time.Duration(s.factor)
	}
	gen := s.gen
	// the mock clock runs callbacks under its own lock, so never poll inline
	s.timer = s.clk.AfterFunc(d, func() { go s.fire(gen) })
}
