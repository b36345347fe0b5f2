package coordinator

import (
	"github.com/and161185/robosync/internal/convert"
	"github.com/and161185/robosync/internal/model"
)

// Action is an order action accepted by POST /api/order/.
type Action string

const (
	ActionTake            Action = "take"
	ActionCancel          Action = "cancel"
	ActionPause           Action = "pause"
	ActionConfirm         Action = "confirm"
	ActionUndoConfirm     Action = "undo_confirm"
	ActionDispute         Action = "dispute"
	ActionUpdateInvoice   Action = "update_invoice"
	ActionUpdateAddress   Action = "update_address"
	ActionSubmitStatement Action = "submit_statement"
	ActionRateUser        Action = "rate_user"
	ActionRatePlatform    Action = "rate_platform"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionTake, ActionCancel, ActionPause, ActionConfirm, ActionUndoConfirm, ActionDispute,
		ActionUpdateInvoice, ActionUpdateAddress, ActionSubmitStatement, ActionRateUser, ActionRatePlatform:
		return true
	}
	return false
}

// ActionRequest is an order action with its optional arguments.
type ActionRequest struct {
	Action           Action
	Invoice          string
	RoutingBudgetPPM int64
	Address          string
	MiningFeeRate    string
	Statement        string
	Rating           int
	CancelStatus     *model.Status // status the client believes the order is in
	Amount           string        // take amount for range orders
	Password         string
}

func (r ActionRequest) wire() convert.OrderAction {
	out := convert.OrderAction{
		Action:           string(r.Action),
		Invoice:          r.Invoice,
		RoutingBudgetPPM: r.RoutingBudgetPPM,
		Address:          r.Address,
		MiningFeeRate:    r.MiningFeeRate,
		Statement:        r.Statement,
		Rating:           r.Rating,
		Amount:           r.Amount,
		Password:         r.Password,
	}
	if r.CancelStatus != nil {
		s := int(*r.CancelStatus)
		out.CancelStatus = &s
	}
	return out
}
