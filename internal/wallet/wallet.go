// Package wallet is the optional Lightning capability payment requests are routed to.
package wallet

import (
	"context"
	"errors"
)

// ErrNoWallet is returned by None. Callers treat it as "the user pays by hand".
var ErrNoWallet = errors.New("no wallet configured")

// Wallet pays and creates Lightning invoices.
type Wallet interface {
	// PayInvoice pays a bolt11 invoice and returns the preimage.
	PayInvoice(ctx context.Context, invoice string) (preimage string, err error)
	// MakeInvoice creates an invoice for sats.
	MakeInvoice(ctx context.Context, sats int64, memo string) (invoice string, err error)
}

// None is the absent wallet.
type None struct{}

func (None) PayInvoice(context.Context, string) (string, error)         { return "", ErrNoWallet }
func (None) MakeInvoice(context.Context, int64, string) (string, error) { return "", ErrNoWallet }

var _ Wallet = None{}
