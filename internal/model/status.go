package model

import "fmt"

// Status is the closed set of order lifecycle states as numbered by coordinators.
type Status int

const (
	StatusWaitingMakerBond            Status = 0
	StatusPublic                      Status = 1
	StatusPaused                      Status = 2
	StatusWaitingTakerBond            Status = 3
	StatusCancelled                   Status = 4
	StatusExpired                     Status = 5
	StatusWaitingCollateralAndInvoice Status = 6
	StatusWaitingCollateral           Status = 7
	StatusWaitingInvoice              Status = 8
	StatusChatSendingFiat             Status = 9
	StatusChatFiatSent                Status = 10
	StatusInDispute                   Status = 11
	StatusCollabCancelled             Status = 12
	StatusSendingSats                 Status = 13
	StatusSuccessful                  Status = 14
	StatusFailedRouting               Status = 15
	StatusDisputeWait                 Status = 16
	StatusMakerLostDispute            Status = 17
	StatusTakerLostDispute            Status = 18

	// StatusUnknown marks an absent or out-of-range status.
	StatusUnknown Status = -1
)

// NumStatuses is the size of the closed status set.
const NumStatuses = 19

var statusNames = [NumStatuses]string{
	"Waiting for maker bond",
	"Public",
	"Paused",
	"Waiting for taker bond",
	"Cancelled",
	"Expired",
	"Waiting for trade collateral and buyer invoice",
	"Waiting only for seller trade collateral",
	"Waiting only for buyer invoice",
	"Sending fiat - In chatroom",
	"Fiat sent - In chatroom",
	"In dispute",
	"Collaboratively cancelled",
	"Sending satoshis to buyer",
	"Successful trade",
	"Failed lightning network routing",
	"Wait for dispute resolution",
	"Maker lost dispute",
	"Taker lost dispute",
}

// Valid reports whether s is one of the 19 known states.
func (s Status) Valid() bool { return s >= 0 && int(s) < NumStatuses }

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether no further server-side transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusCollabCancelled, StatusSuccessful,
		StatusMakerLostDispute, StatusTakerLostDispute:
		return true
	}
	return false
}

// ParseStatus maps a coordinator integer to a Status, StatusUnknown if out of range.
func ParseStatus(n int) Status {
	s := Status(n)
	if !s.Valid() {
		return StatusUnknown
	}
	return s
}
