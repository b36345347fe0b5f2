package ordersync

import (
	"github.com/and161185/robosync/internal/model"
)

// PaymentKind names the action a status asks of the robot.
type PaymentKind int

const (
	PayMakerBond PaymentKind = iota
	PayTakerBond
	PayEscrow
	SubmitInvoice
)

func (k PaymentKind) String() string {
	switch k {
	case PayMakerBond:
		return "pay_maker_bond"
	case PayTakerBond:
		return "pay_taker_bond"
	case PayEscrow:
		return "pay_escrow"
	case SubmitInvoice:
		return "submit_invoice"
	}
	return "unknown"
}

// PaymentRequest is raised once per order status transition that needs a payment
// or an invoice from the robot.
type PaymentRequest struct {
	Kind     PaymentKind
	Order    model.Order
	Invoice  string // hold invoice to pay; empty for SubmitInvoice
	Satoshis int64
}

// PaymentFor maps an order to the request its status implies, if any.
func PaymentFor(o model.Order) (PaymentRequest, bool) {
	switch {
	case o.Status == model.StatusWaitingMakerBond && o.IsMaker:
		return PaymentRequest{Kind: PayMakerBond, Order: o, Invoice: o.BondInvoice, Satoshis: o.BondSatoshis}, true
	case o.Status == model.StatusWaitingTakerBond && o.IsTaker:
		return PaymentRequest{Kind: PayTakerBond, Order: o, Invoice: o.BondInvoice, Satoshis: o.BondSatoshis}, true
	case (o.Status == model.StatusWaitingCollateralAndInvoice || o.Status == model.StatusWaitingCollateral) && o.IsSeller:
		return PaymentRequest{Kind: PayEscrow, Order: o, Invoice: o.EscrowInvoice, Satoshis: o.EscrowSatoshis}, true
	case (o.Status == model.StatusWaitingCollateralAndInvoice || o.Status == model.StatusWaitingInvoice ||
		o.Status == model.StatusFailedRouting) && o.IsBuyer:
		return PaymentRequest{Kind: SubmitInvoice, Order: o, Satoshis: o.InvoiceAmount}, true
	}
	return PaymentRequest{}, false
}

// Hooks receive scheduler output. Every field is optional.
type Hooks struct {
	OnOrder   func(model.Order)
	OnPayment func(PaymentRequest)
	OnError   func(Ref, error)
}
