package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/federation"
	"github.com/and161185/robosync/internal/garage"
	"github.com/and161185/robosync/internal/keyderiv"
	"github.com/and161185/robosync/internal/limiter"
	"github.com/and161185/robosync/internal/model"
	"github.com/and161185/robosync/internal/ordersync"
	"github.com/and161185/robosync/internal/wallet"
)

const alias = "satstralia"

// fakeCoordinator serves one robot with one order. The order moves to Public once
// the bond is paid and to Cancelled on a cancel action.
type fakeCoordinator struct {
	srv      *httptest.Server
	status   atomic.Int64
	polls    atomic.Int64
	robots   atomic.Int64
	invoices chan string
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{invoices: make(chan string, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/robot/", func(w http.ResponseWriter, _ *http.Request) {
		f.robots.Add(1)
		_, _ = fmt.Fprint(w, `{"nickname":"HairyBadger","hash_id":"h","found":true,"active_order_id":9}`)
	})
	mux.HandleFunc("/api/order/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body struct {
				Action  string `json:"action"`
				Invoice string `json:"invoice"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			switch body.Action {
			case "cancel":
				f.status.Store(int64(model.StatusCancelled))
			case "update_invoice":
				f.invoices <- body.Invoice
				f.status.Store(int64(model.StatusChatSendingFiat))
			}
		} else {
			f.polls.Add(1)
		}
		_, _ = fmt.Fprintf(w, `{"id":9,"status":%d,"is_maker":true,"is_buyer":true,"bond_invoice":"lnbc1bond","bond_satoshis":3000,"invoice_amount":97000}`, f.status.Load())
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) federation() *federation.Federation {
	c := coordinator.New(coordinator.Config{
		ShortAlias: alias,
		Endpoints:  coordinator.Endpoints{model.Mainnet: {model.Clearnet: f.srv.URL}},
		Enabled:    true,
	},
		coordinator.WithClients(coordinator.Clients{Direct: f.srv.Client()}),
		coordinator.WithLimiter(limiter.NewMemory(limiter.Config{RPS: 1000, Burst: 1000, Window: time.Minute, MaxFails: 1000, MinBlock: time.Second, MaxBlock: time.Second})),
	)
	return federation.New([]*coordinator.Coordinator{c})
}

// fakeWallet pays every invoice and issues a fixed one.
type fakeWallet struct {
	mu    sync.Mutex
	paid  []string
	onPay func()
}

func (w *fakeWallet) PayInvoice(_ context.Context, inv string) (string, error) {
	w.mu.Lock()
	w.paid = append(w.paid, inv)
	w.mu.Unlock()
	if w.onPay != nil {
		w.onPay()
	}
	return "preimage", nil
}

func (w *fakeWallet) MakeInvoice(_ context.Context, sats int64, _ string) (string, error) {
	return fmt.Sprintf("lnbc%dbuyer", sats), nil
}

func (w *fakeWallet) invoices() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paid...)
}

var _ wallet.Wallet = (*fakeWallet)(nil)

// fakeNotes records the key sets pushed to the bus.
type fakeNotes struct {
	mu   sync.Mutex
	sets [][]model.Identity
}

func (n *fakeNotes) Start(context.Context) {}
func (n *fakeNotes) Close()                {}
func (n *fakeNotes) SetIdentities(ids []model.Identity) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sets = append(n.sets, ids)
	return true
}

func (n *fakeNotes) last() []model.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sets) == 0 {
		return nil
	}
	return n.sets[len(n.sets)-1]
}

func newClient(t *testing.T, f *fakeCoordinator, w wallet.Wallet, notes Notifications) *Client {
	t.Helper()
	key, err := keyderiv.GenerateGarageKey()
	require.NoError(t, err)
	g := garage.New()
	require.NoError(t, g.SetMasterSecret(context.Background(), key.Encode()))

	c := New(Deps{
		Garage:        g,
		Federation:    f.federation(),
		Notifications: notes,
		Wallet:        w,
		SyncOptions:   []ordersync.Option{ordersync.WithClock(clock.NewMock())},
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestClient_TracksActiveOrderAndPaysBond(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	w := &fakeWallet{onPay: func() { f.status.Store(int64(model.StatusPublic)) }}
	c := newClient(t, f, w, nil)

	slot, err := c.CreateRobot(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool {
		ref, ok := c.Syncer().Tracked()
		return ok && ref == ordersync.Ref{ShortAlias: alias, ID: 9}
	})

	// bond paid by the wallet, then an immediate re-poll
	waitFor(t, func() bool { return len(w.invoices()) == 1 })
	require.Equal(t, "lnbc1bond", w.invoices()[0])
	waitFor(t, func() bool {
		o, ok := slot.Order()
		return ok && o.Status == model.StatusPublic
	})
	waitFor(t, func() bool { return len(c.PendingPayments()) == 0 })
	require.Len(t, w.invoices(), 1, "one payment per status")
}

func TestClient_WithoutWalletPaymentStaysPending(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	c := newClient(t, f, nil, nil)

	_, err := c.CreateRobot(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { return len(c.PendingPayments()) == 1 })
	p := c.PendingPayments()[0]
	require.Equal(t, ordersync.PayMakerBond, p.Kind)
	require.Equal(t, int64(3000), p.Satoshis)
}

func TestClient_SubmitsBuyerInvoice(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	f.status.Store(int64(model.StatusWaitingInvoice))
	c := newClient(t, f, &fakeWallet{}, nil)

	_, err := c.CreateRobot(context.Background())
	require.NoError(t, err)
	select {
	case inv := <-f.invoices:
		require.True(t, strings.HasPrefix(inv, "-----BEGIN PGP SIGNED MESSAGE-----"), inv)
		require.Contains(t, inv, "\nlnbc97000buyer\n")
	case <-time.After(2 * time.Second):
		t.Fatal("invoice never submitted")
	}
	waitFor(t, func() bool {
		o, ok := c.Syncer().Current()
		return ok && o.Status == model.StatusChatSendingFiat
	})
}

func TestClient_NotificationKicksTrackedOrder(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	f.status.Store(int64(model.StatusPublic))
	c := newClient(t, f, nil, nil)

	_, err := c.CreateRobot(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { return f.polls.Load() == 1 })

	c.HandleNotification(model.NotificationEvent{ID: "e1", ShortAlias: "temple", OrderID: 9})
	require.Never(t, func() bool { return f.polls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	c.HandleNotification(model.NotificationEvent{ID: "e2", ShortAlias: alias, OrderID: 9, StatusHint: model.StatusWaitingTakerBond})
	waitFor(t, func() bool { return f.polls.Load() == 2 })
	require.Len(t, c.RecentNotifications(), 2)
}

func TestClient_OrderActionFeedsScheduler(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	f.status.Store(int64(model.StatusPublic))
	c := newClient(t, f, nil, nil)

	slot, err := c.CreateRobot(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { _, ok := c.Syncer().Current(); return ok })

	o, err := c.OrderAction(context.Background(), coordinator.ActionRequest{Action: coordinator.ActionCancel})
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, o.Status)
	waitFor(t, func() bool {
		cur, ok := c.Syncer().Current()
		return ok && cur.Status == model.StatusCancelled
	})
	_, _, active := slot.ActiveOrder()
	require.False(t, active)
	r, _ := slot.Robot(alias)
	require.Equal(t, int64(9), r.LastOrderID)

	_, err = c.OrderAction(context.Background(), coordinator.ActionRequest{Action: "explode"})
	require.Error(t, err)
}

func TestClient_KeySetFollowsGarage(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	notes := &fakeNotes{}
	c := newClient(t, f, nil, notes)
	ctx := context.Background()

	_, err := c.CreateRobot(ctx)
	require.NoError(t, err)
	_, err = c.Garage().NextAccount(ctx, c.Federation())
	require.NoError(t, err)
	require.Len(t, notes.last(), 2)

	require.NoError(t, c.Garage().WipeSecret(ctx))
	require.Empty(t, notes.last())
	_, tracked := c.Syncer().Tracked()
	require.False(t, tracked)
}

func TestClient_RefreshesCurrentRobot(t *testing.T) {
	t.Parallel()
	f := newFakeCoordinator(t)
	f.status.Store(int64(model.StatusPublic))
	key, err := keyderiv.GenerateGarageKey()
	require.NoError(t, err)
	g := garage.New()
	require.NoError(t, g.SetMasterSecret(context.Background(), key.Encode()))

	mock := clock.NewMock()
	c := New(Deps{
		Garage:          g,
		Federation:      f.federation(),
		RefreshInterval: time.Minute,
		Clock:           mock,
		SyncOptions:     []ordersync.Option{ordersync.WithClock(mock)},
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)

	_, err = c.CreateRobot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), f.robots.Load())

	// the ticker goroutine may not have subscribed yet
	waitFor(t, func() bool {
		mock.Add(time.Minute)
		return f.robots.Load() >= 2
	})
}
