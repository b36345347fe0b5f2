// Package ordersync polls the tracked order at a cadence set by its lifecycle status.
package ordersync

import (
	"time"

	"github.com/and161185/robosync/internal/model"
)

// BackgroundFactor stretches every interval while the order is not in the foreground.
const BackgroundFactor = 5

// unknownInterval applies when a response carried no recognizable status.
const unknownInterval = 10 * time.Second

// intervals is indexed by status; zero means no further polling.
var intervals = [model.NumStatuses]time.Duration{
	model.StatusWaitingMakerBond:            3 * time.Second,
	model.StatusPublic:                      35 * time.Second,
	model.StatusPaused:                      180 * time.Second,
	model.StatusWaitingTakerBond:            3 * time.Second,
	model.StatusCancelled:                   0,
	model.StatusExpired:                     0,
	model.StatusWaitingCollateralAndInvoice: 8 * time.Second,
	model.StatusWaitingCollateral:           8 * time.Second,
	model.StatusWaitingInvoice:              8 * time.Second,
	model.StatusChatSendingFiat:             10 * time.Second,
	model.StatusChatFiatSent:                10 * time.Second,
	model.StatusInDispute:                   100 * time.Second,
	model.StatusCollabCancelled:             0,
	model.StatusSendingSats:                 10 * time.Second,
	model.StatusSuccessful:                  0,
	model.StatusFailedRouting:               30 * time.Second,
	model.StatusDisputeWait:                 300 * time.Second,
	model.StatusMakerLostDispute:            0,
	model.StatusTakerLostDispute:            0,
}

// Interval returns the delay before the next poll of an order in status s.
// ok is false for terminal statuses.
func Interval(s model.Status, background bool) (d time.Duration, ok bool) {
	switch {
	case s.IsTerminal():
		return 0, false
	case !s.Valid():
		d = unknownInterval
	default:
		d = intervals[s]
	}
	if background {
		d *= BackgroundFactor
	}
	return d, true
}
