package ordersync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// scriptPoller answers every poll with the configured order or error.
type scriptPoller struct {
	mu    sync.Mutex
	calls int
	order model.Order
	err   error
}

func (p *scriptPoller) Poll(_ context.Context, ref Ref) (model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return model.Order{}, p.err
	}
	o := p.order
	o.ID, o.ShortAlias = ref.ID, ref.ShortAlias
	return o, nil
}

func (p *scriptPoller) set(status model.Status, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order.Status = status
	p.err = err
}

func (p *scriptPoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recorder collects hook output.
type recorder struct {
	mu       sync.Mutex
	orders   []model.Order
	payments []PaymentRequest
	errors   []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnOrder: func(o model.Order) {
			r.mu.Lock()
			r.orders = append(r.orders, o)
			r.mu.Unlock()
		},
		OnPayment: func(p PaymentRequest) {
			r.mu.Lock()
			r.payments = append(r.payments, p)
			r.mu.Unlock()
		},
		OnError: func(_ Ref, err error) {
			r.mu.Lock()
			r.errors = append(r.errors, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (orders, payments, fails int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders), len(r.payments), len(r.errors)
}

func (r *recorder) waitOrders(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { o, _, _ := r.counts(); return o >= n }, waitFor, tick)
}

func (r *recorder) waitErrors(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { _, _, e := r.counts(); return e >= n }, waitFor, tick)
}

func newSyncer(p Poller) (*Syncer, *clock.Mock, *recorder) {
	clk := clock.NewMock()
	rec := &recorder{}
	return New(p, WithClock(clk), WithHooks(rec.hooks())), clk, rec
}

var ref = Ref{ShortAlias: "satstralia", ID: 42}

func TestInterval_Table(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status model.Status
		want   time.Duration
		ok     bool
	}{
		{model.StatusWaitingMakerBond, 3 * time.Second, true},
		{model.StatusPublic, 35 * time.Second, true},
		{model.StatusPaused, 180 * time.Second, true},
		{model.StatusWaitingCollateral, 8 * time.Second, true},
		{model.StatusChatFiatSent, 10 * time.Second, true},
		{model.StatusInDispute, 100 * time.Second, true},
		{model.StatusFailedRouting, 30 * time.Second, true},
		{model.StatusDisputeWait, 300 * time.Second, true},
		{model.StatusUnknown, unknownInterval, true},
		{model.StatusSuccessful, 0, false},
		{model.StatusCancelled, 0, false},
		{model.StatusTakerLostDispute, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			d, ok := Interval(tt.status, false)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
		})
	}

	d, ok := Interval(model.StatusPublic, true)
	require.True(t, ok)
	require.Equal(t, 35*time.Second*BackgroundFactor, d)
}

func TestSyncer_PollsOnStatusCadenceAndStopsAtTerminal(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{}
	p.set(model.StatusPublic, nil)
	s, clk, rec := newSyncer(p)

	s.Track(ref)
	rec.waitOrders(t, 1)
	require.Equal(t, 1, p.count())

	clk.Add(34 * time.Second)
	require.Equal(t, 1, p.count(), "no poll before the interval elapses")
	clk.Add(time.Second)
	rec.waitOrders(t, 2)

	p.set(model.StatusSuccessful, nil)
	clk.Add(35 * time.Second)
	rec.waitOrders(t, 3)
	cur, ok := s.Current()
	require.True(t, ok)
	require.Equal(t, model.StatusSuccessful, cur.Status)

	clk.Add(time.Hour)
	s.Kick()
	require.Never(t, func() bool { return p.count() > 3 }, 50*time.Millisecond, tick)
}

func TestSyncer_BackgroundStretchesInterval(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{}
	p.set(model.StatusPaused, nil)
	s, clk, rec := newSyncer(p)
	s.SetBackground(true)

	s.Track(ref)
	rec.waitOrders(t, 1)

	clk.Add(180 * time.Second)
	require.Equal(t, 1, p.count())
	clk.Add(720 * time.Second)
	rec.waitOrders(t, 2)

	s.SetBackground(false)
	clk.Add(180 * time.Second)
	rec.waitOrders(t, 3)
}

func TestSyncer_DiscardsStaleResponses(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	other := Ref{ShortAlias: "temple", ID: 7}

	p := PollFunc(func(_ context.Context, r Ref) (model.Order, error) {
		if r == ref {
			entered <- struct{}{}
			<-release
		}
		return model.Order{ID: r.ID, ShortAlias: r.ShortAlias, Status: model.StatusPublic}, nil
	})
	s, _, rec := newSyncer(p)

	s.Track(ref)
	<-entered
	s.Track(other)
	rec.waitOrders(t, 1)
	close(release)

	require.Never(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, o := range rec.orders {
			if o.ID == ref.ID {
				return true
			}
		}
		return false
	}, 100*time.Millisecond, tick)

	cur, ok := s.Current()
	require.True(t, ok)
	require.Equal(t, other.ID, cur.ID)

	err := s.Observe(model.Order{ID: ref.ID, ShortAlias: ref.ShortAlias})
	require.ErrorIs(t, err, errs.ErrStaleResponse)
}

func TestSyncer_ObserveAppliesTrackedOrder(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{}
	p.set(model.StatusPublic, nil)
	s, _, rec := newSyncer(p)
	s.Track(ref)
	rec.waitOrders(t, 1)

	require.NoError(t, s.Observe(model.Order{ID: ref.ID, ShortAlias: ref.ShortAlias, Status: model.StatusPaused}))
	cur, _ := s.Current()
	require.Equal(t, model.StatusPaused, cur.Status)
}

func TestSyncer_PaymentRequestedOncePerStatus(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{order: model.Order{IsMaker: true, BondInvoice: "lnbc1bond", BondSatoshis: 3000}}
	p.set(model.StatusWaitingMakerBond, nil)
	s, clk, rec := newSyncer(p)

	s.Track(ref)
	rec.waitOrders(t, 1)
	for i := 2; i <= 3; i++ {
		clk.Add(3 * time.Second)
		rec.waitOrders(t, i)
	}

	rec.mu.Lock()
	require.Len(t, rec.payments, 1)
	got := rec.payments[0]
	rec.mu.Unlock()
	require.Equal(t, PayMakerBond, got.Kind)
	require.Equal(t, "lnbc1bond", got.Invoice)
	require.Equal(t, int64(3000), got.Satoshis)

	p.set(model.StatusPublic, nil)
	clk.Add(3 * time.Second)
	rec.waitOrders(t, 4)
	_, payments, _ := rec.counts()
	require.Equal(t, 1, payments)
}

func TestSyncer_BadRequestHaltsPolling(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{}
	p.set(model.StatusUnknown, &errs.BadRequestError{Field: "bad_request", Message: "This order has been cancelled"})
	s, clk, rec := newSyncer(p)

	s.Track(ref)
	rec.waitErrors(t, 1)
	clk.Add(time.Hour)
	s.Kick()
	require.Never(t, func() bool { return p.count() > 1 }, 50*time.Millisecond, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	br, ok := errs.AsBadRequest(rec.errors[0])
	require.True(t, ok)
	require.Equal(t, "This order has been cancelled", br.Message)
}

func TestSyncer_TransientErrorRetries(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{}
	p.set(model.StatusUnknown, errors.New("connection reset"))
	s, clk, rec := newSyncer(p)

	s.Track(ref)
	rec.waitErrors(t, 1)

	p.set(model.StatusChatSendingFiat, nil)
	clk.Add(unknownInterval)
	rec.waitOrders(t, 1)
	require.Equal(t, 2, p.count())
}

func TestSyncer_KickAndStop(t *testing.T) {
	t.Parallel()
	p := &scriptPoller{}
	p.set(model.StatusDisputeWait, nil)
	s, clk, rec := newSyncer(p)

	s.Track(ref)
	rec.waitOrders(t, 1)
	s.Kick()
	rec.waitOrders(t, 2)

	s.Stop()
	_, tracked := s.Tracked()
	require.False(t, tracked)
	clk.Add(time.Hour)
	require.Never(t, func() bool { return p.count() > 2 }, 50*time.Millisecond, tick)
}
