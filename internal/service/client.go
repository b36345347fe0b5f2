// Package service wires the garage, federation, order scheduler and notification
// bus into one client.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/federation"
	"github.com/and161185/robosync/internal/garage"
	"github.com/and161185/robosync/internal/model"
	"github.com/and161185/robosync/internal/ordersync"
	"github.com/and161185/robosync/internal/wallet"
)

// recentLimit bounds the notifications kept for display.
const recentLimit = 100

// Notifications is the relay subscription the client keys to its identities.
type Notifications interface {
	Start(ctx context.Context)
	SetIdentities(ids []model.Identity) bool
	Close()
}

// Deps are the collaborators of a Client. Garage and Federation are required.
type Deps struct {
	Garage        *garage.Garage
	Federation    *federation.Federation
	Health        *federation.HealthMonitor
	Notifications Notifications
	Wallet        wallet.Wallet
	Logger        *zap.Logger
	SyncOptions   []ordersync.Option
	PayTimeout    time.Duration

	// RefreshInterval re-reads coordinator info and the current robot; zero disables it.
	RefreshInterval time.Duration
	Clock           clock.Clock
}

// Client is the single owner of a user's trading session.
type Client struct {
	garage     *garage.Garage
	fed        *federation.Federation
	health     *federation.HealthMonitor
	notes      Notifications
	wallet     wallet.Wallet
	log        *zap.Logger
	sync       *ordersync.Syncer
	payTimeout time.Duration
	refresh    time.Duration
	clk        clock.Clock

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[ordersync.Ref]ordersync.PaymentRequest
	recent  []model.NotificationEvent
	live    []func(alias string, live bool)
	wg      sync.WaitGroup
}

// New builds a client. Nothing runs until Start.
func New(d Deps) *Client {
	c := &Client{
		garage:     d.Garage,
		fed:        d.Federation,
		health:     d.Health,
		notes:      d.Notifications,
		wallet:     d.Wallet,
		log:        d.Logger,
		payTimeout: d.PayTimeout,
		refresh:    d.RefreshInterval,
		clk:        d.Clock,
		ctx:        context.Background(),
		pending:    map[ordersync.Ref]ordersync.PaymentRequest{},
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.wallet == nil {
		c.wallet = wallet.None{}
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.payTimeout <= 0 {
		c.payTimeout = 2 * time.Minute
	}
	opts := append([]ordersync.Option{
		ordersync.WithLogger(c.log.Named("ordersync")),
		ordersync.WithHooks(ordersync.Hooks{
			OnOrder:   c.onOrder,
			OnPayment: c.onPayment,
			OnError:   c.onPollError,
		}),
	}, d.SyncOptions...)
	c.sync = ordersync.New(ordersync.PollFunc(c.poll), opts...)
	c.garage.OnSlotUpdate(c.onGarageEvent)
	return c
}

// Start loads the stored secret and starts the background loops.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel = ctx, cancel
	c.mu.Unlock()

	if err := c.garage.Load(ctx); err != nil && !errors.Is(err, errs.ErrNoSecret) {
		cancel()
		return fmt.Errorf("load garage: %w", err)
	}
	if c.health != nil {
		c.health.SetOnChange(func(alias string, live bool) {
			c.log.Info("coordinator liveness changed", zap.String("coordinator", alias), zap.Bool("live", live))
			c.mu.Lock()
			hooks := slices.Clone(c.live)
			c.mu.Unlock()
			for _, fn := range hooks {
				fn(alias, live)
			}
		})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.health.Run(ctx)
		}()
	}
	if c.notes != nil {
		c.notes.SetIdentities(c.garage.Identities())
		c.notes.Start(ctx)
	}
	if c.refresh > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.refreshLoop(ctx)
		}()
	}
	c.retrack()
	return nil
}

// refreshLoop keeps coordinator info and the current robot fresh. A robot refresh
// is how orders made from another device become tracked.
func (c *Client) refreshLoop(ctx context.Context) {
	t := c.clk.Ticker(c.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := c.fed.RefreshAll(ctx); err != nil {
			c.log.Debug("coordinator refresh incomplete", zap.Error(err))
		}
		if cur, ok := c.garage.Current(); ok {
			if err := c.garage.Refresh(ctx, c.fed, cur.Token()); err != nil {
				c.log.Debug("robot refresh incomplete", zap.Uint32("index", cur.AccountIndex()), zap.Error(err))
			}
		}
	}
}

// Close stops every loop started by Start.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.sync.Stop()
	if c.notes != nil {
		c.notes.Close()
	}
	c.wg.Wait()
}

// OnLiveness registers a listener for coordinator liveness transitions.
func (c *Client) OnLiveness(fn func(alias string, live bool)) {
	c.mu.Lock()
	c.live = append(c.live, fn)
	c.mu.Unlock()
}

func (c *Client) Garage() *garage.Garage             { return c.garage }
func (c *Client) Federation() *federation.Federation { return c.fed }
func (c *Client) Syncer() *ordersync.Syncer          { return c.sync }

func (c *Client) rootCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// CreateRobot derives the next identity, registers it everywhere and selects it.
func (c *Client) CreateRobot(ctx context.Context) (*garage.Slot, error) {
	return c.garage.CreateIdentity(ctx, c.fed)
}

// Recover scans for previously used identities.
func (c *Client) Recover(ctx context.Context) (garage.RecoveryResult, error) {
	return c.garage.RecoverFromRelays(ctx, c.fed)
}

// Book returns the federation's public order book.
func (c *Client) Book(ctx context.Context) ([]model.PublicOrder, error) {
	return c.fed.AggregateBook(ctx)
}

// SetForeground stretches polling while the tracked order is not on screen.
func (c *Client) SetForeground(fg bool) { c.sync.SetBackground(!fg) }

// TakeOrder takes a public order with the current robot and starts tracking it.
func (c *Client) TakeOrder(ctx context.Context, alias string, id int64, amount string) (model.Order, error) {
	slot, coord, err := c.route(alias)
	if err != nil {
		return model.Order{}, err
	}
	o, err := coord.PostOrderAction(ctx, id, coordinator.ActionRequest{Action: coordinator.ActionTake, Amount: amount}, slot.Credentials())
	if err != nil {
		return model.Order{}, err
	}
	slot.SetOrder(o)
	c.persist(ctx, slot)
	return o, nil
}

// ActiveOrder fetches the current robot's active order and records it on the slot.
func (c *Client) ActiveOrder(ctx context.Context) (model.Order, error) {
	cur, ok := c.garage.Current()
	if !ok {
		return model.Order{}, fmt.Errorf("no robot selected: %w", errs.ErrNotFound)
	}
	alias, id, ok := cur.ActiveOrder()
	if !ok {
		return model.Order{}, fmt.Errorf("no active order: %w", errs.ErrNotFound)
	}
	_, coord, err := c.route(alias)
	if err != nil {
		return model.Order{}, err
	}
	o, err := coord.FetchOrder(ctx, id, cur.Credentials())
	if err != nil {
		return model.Order{}, err
	}
	if err := c.sync.Observe(o); err != nil {
		// not tracked yet, record directly
		cur.SetOrder(o)
		c.persist(ctx, cur)
	}
	return o, nil
}

// OrderAction runs an action on the tracked order and feeds the response to the scheduler.
func (c *Client) OrderAction(ctx context.Context, req coordinator.ActionRequest) (model.Order, error) {
	if !req.Action.Valid() {
		return model.Order{}, fmt.Errorf("unknown order action %q", req.Action)
	}
	ref, ok := c.sync.Tracked()
	if !ok {
		return model.Order{}, fmt.Errorf("no tracked order: %w", errs.ErrNotFound)
	}
	slot, coord, err := c.route(ref.ShortAlias)
	if err != nil {
		return model.Order{}, err
	}
	o, err := coord.PostOrderAction(ctx, ref.ID, req, slot.Credentials())
	if err != nil {
		return model.Order{}, err
	}
	if err := c.sync.Observe(o); err != nil && !errors.Is(err, errs.ErrStaleResponse) {
		return o, err
	}
	return o, nil
}

// PendingPayments lists payment requests no wallet has settled yet.
func (c *Client) PendingPayments() []ordersync.PaymentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ordersync.PaymentRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	return out
}

// RecentNotifications returns the latest attributed notifications, oldest first.
func (c *Client) RecentNotifications() []model.NotificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.NotificationEvent(nil), c.recent...)
}

// HandleNotification is the bus handler. A notification about the tracked order
// triggers an immediate poll.
func (c *Client) HandleNotification(n model.NotificationEvent) {
	c.mu.Lock()
	c.recent = append(c.recent, n)
	if len(c.recent) > recentLimit {
		c.recent = c.recent[len(c.recent)-recentLimit:]
	}
	c.mu.Unlock()

	ref, ok := c.sync.Tracked()
	if ok && n.OrderID == ref.ID && n.ShortAlias == ref.ShortAlias {
		c.log.Debug("notification for tracked order", zap.Stringer("order", ref), zap.Stringer("status_hint", n.StatusHint))
		c.sync.Kick()
	}
}

// route returns the current slot and the coordinator for alias.
func (c *Client) route(alias string) (*garage.Slot, *coordinator.Coordinator, error) {
	slot, ok := c.garage.Current()
	if !ok {
		return nil, nil, fmt.Errorf("no robot selected: %w", errs.ErrNotFound)
	}
	coord, err := c.fed.Get(alias)
	if err != nil {
		return nil, nil, err
	}
	return slot, coord, nil
}

func (c *Client) poll(ctx context.Context, ref ordersync.Ref) (model.Order, error) {
	slot, coord, err := c.route(ref.ShortAlias)
	if err != nil {
		return model.Order{}, err
	}
	return coord.FetchOrder(ctx, ref.ID, slot.Credentials())
}

func (c *Client) onOrder(o model.Order) {
	slot := c.owner(o)
	if slot == nil {
		return
	}
	slot.SetOrder(o)
	c.persist(c.rootCtx(), slot)
}

// owner finds the slot whose robot holds o at its coordinator.
func (c *Client) owner(o model.Order) *garage.Slot {
	if cur, ok := c.garage.Current(); ok {
		if alias, id, ok := cur.ActiveOrder(); ok && alias == o.ShortAlias && id == o.ID {
			return cur
		}
	}
	for _, s := range c.garage.Slots() {
		r, ok := s.Robot(o.ShortAlias)
		if ok && (r.ActiveOrderID == o.ID || r.LastOrderID == o.ID) {
			return s
		}
	}
	return nil
}

func (c *Client) onPollError(ref ordersync.Ref, err error) {
	if br, ok := errs.AsBadRequest(err); ok {
		c.log.Warn("coordinator rejected order poll, polling stopped", zap.Stringer("order", ref), zap.String("reason", br.Message))
		return
	}
	c.log.Debug("order poll failed", zap.Stringer("order", ref), zap.Error(err))
}

func (c *Client) persist(ctx context.Context, s *garage.Slot) {
	if err := c.garage.Save(ctx, s); err != nil {
		c.log.Warn("persist slot failed", zap.Uint32("index", s.AccountIndex()), zap.Error(err))
	}
}

// onGarageEvent keeps the key set and the tracked order in step with the garage.
func (c *Client) onGarageEvent(ev garage.Event) {
	switch ev.Kind {
	case garage.SecretChanged, garage.SlotAdded, garage.SlotRemoved:
		if c.notes != nil {
			c.notes.SetIdentities(c.garage.Identities())
		}
		c.retrack()
	case garage.SlotSelected:
		c.retrack()
	case garage.SlotUpdated:
		if cur, ok := c.garage.Current(); ok && cur.Token() == ev.Token {
			c.retrack()
		}
	}
}

// retrack points the scheduler at the current slot's active order. A finished
// order stays tracked so its final state remains readable.
func (c *Client) retrack() {
	cur, ok := c.garage.Current()
	if !ok {
		c.sync.Stop()
		return
	}
	alias, id, ok := cur.ActiveOrder()
	want := ordersync.Ref{ShortAlias: alias, ID: id}
	tracked, has := c.sync.Tracked()
	switch {
	case ok && (!has || tracked != want):
		c.sync.Track(want)
	case !ok && has && c.owner(model.Order{ShortAlias: tracked.ShortAlias, ID: tracked.ID}) != cur:
		c.sync.Stop()
	}
}
