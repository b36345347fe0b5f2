package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/ordersync"
	"github.com/and161185/robosync/internal/wallet"
)

// onPayment parks the request and hands it to the wallet in the background.
func (c *Client) onPayment(req ordersync.PaymentRequest) {
	ref := ordersync.Ref{ShortAlias: req.Order.ShortAlias, ID: req.Order.ID}
	c.mu.Lock()
	c.pending[ref] = req
	ctx := c.ctx
	c.mu.Unlock()

	c.log.Info("payment requested",
		zap.Stringer("order", ref),
		zap.Stringer("kind", req.Kind),
		zap.Int64("sats", req.Satoshis),
	)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.settle(ctx, ref, req)
	}()
}

// settle pays or invoices through the wallet. Without a wallet the request stays
// pending for the user to act on.
func (c *Client) settle(ctx context.Context, ref ordersync.Ref, req ordersync.PaymentRequest) {
	ctx, cancel := context.WithTimeout(ctx, c.payTimeout)
	defer cancel()

	err := c.pay(ctx, ref, req)
	switch {
	case errors.Is(err, wallet.ErrNoWallet):
		c.log.Info("awaiting manual payment", zap.Stringer("order", ref), zap.Stringer("kind", req.Kind))
		return
	case err != nil:
		c.log.Warn("wallet payment failed", zap.Stringer("order", ref), zap.Stringer("kind", req.Kind), zap.Error(err))
		return
	}

	c.mu.Lock()
	if cur, ok := c.pending[ref]; ok && cur.Kind == req.Kind && cur.Order.Status == req.Order.Status {
		delete(c.pending, ref)
	}
	c.mu.Unlock()
	c.sync.Kick()
}

func (c *Client) pay(ctx context.Context, ref ordersync.Ref, req ordersync.PaymentRequest) error {
	if req.Kind != ordersync.SubmitInvoice {
		if req.Invoice == "" {
			return fmt.Errorf("%s: coordinator sent no invoice", req.Kind)
		}
		_, err := c.wallet.PayInvoice(ctx, req.Invoice)
		return err
	}
	inv, err := c.wallet.MakeInvoice(ctx, req.Satoshis, "robosats "+ref.String())
	if err != nil {
		return err
	}
	slot, coord, err := c.route(ref.ShortAlias)
	if err != nil {
		return err
	}
	o, err := coord.PostOrderAction(ctx, ref.ID, coordinator.ActionRequest{
		Action:  coordinator.ActionUpdateInvoice,
		Invoice: inv,
	}, slot.Credentials())
	if err != nil {
		return fmt.Errorf("submit invoice: %w", err)
	}
	_ = c.sync.Observe(o)
	return nil
}
