// Package model defines domain entities shared by the garage, coordinators and sync layers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Network selects the bitcoin network a coordinator endpoint serves.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Transport selects how a coordinator endpoint is reached.
type Transport string

const (
	Clearnet Transport = "clearnet"
	Onion    Transport = "onion"
	I2P      Transport = "i2p"
)

// Robot is one identity's state as known by a single coordinator.
type Robot struct {
	ShortAlias     string
	Nickname       string // server-assigned, stable for a given token
	HashID         string // avatar reference
	ActiveOrderID  int64  // 0 when none
	LastOrderID    int64  // 0 when none
	EarnedRewards  int64  // sats
	StealthInvoice bool
	Found          bool // robot existed before this login
	LastLogin      time.Time
	Loading        bool
	LastError      string // last registration/poll failure, empty on success
	UpdatedAt      time.Time
}

// RobotPatch is the result of a successful register/login call.
type RobotPatch struct {
	Nickname       string
	HashID         string
	PublicKey      string
	ActiveOrderID  int64
	LastOrderID    int64
	EarnedRewards  int64
	StealthInvoice bool
	Found          bool
	LastLogin      time.Time
	TokenSHA256    string // coordinator confirmation of the credential it saw
}

// Order is a trade as reported by its owning coordinator.
type Order struct {
	ID               int64
	ShortAlias       string
	Status           Status
	StatusMessage    string
	IsMaker          bool
	IsTaker          bool
	IsBuyer          bool
	IsSeller         bool
	Type             int // 0 buy, 1 sell
	Currency         int
	Amount           decimal.Decimal
	HasRange         bool
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	Satoshis         int64
	Premium          decimal.Decimal
	PaymentMethod    string
	BondInvoice      string
	BondSatoshis     int64
	EscrowInvoice    string
	EscrowSatoshis   int64
	InvoiceAmount    int64 // sats the buyer must invoice for
	MakerNick        string
	TakerNick        string
	MakerNostrPubkey string
	TakerNostrPubkey string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	TotalSecsExp     int64
	ReceivedAt       time.Time // local receive time
}

// ExpiredLocally reports whether the order's expiry passed by the local clock.
// This is the only status the client derives on its own, for display.
func (o *Order) ExpiredLocally(now time.Time) bool {
	if o == nil || o.ExpiresAt.IsZero() || o.Status.IsTerminal() {
		return false
	}
	return now.After(o.ExpiresAt)
}

// PublicOrder is one entry of a coordinator's public book.
type PublicOrder struct {
	ID            int64
	ShortAlias    string
	Type          int
	Currency      int
	Amount        decimal.Decimal
	HasRange      bool
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	PaymentMethod string
	Premium       decimal.Decimal
	Price         decimal.Decimal
	BondSize      decimal.Decimal
	EscrowSecs    int64
	MakerNick     string
	MakerHashID   string
	MakerStatus   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Info is the coordinator's /api/info/ summary.
type Info struct {
	NumPublicBuyOrders  int
	NumPublicSellOrders int
	BookLiquidity       int64
	ActiveRobotsToday   int
	LastDayVolume       decimal.Decimal
	LifetimeVolume      decimal.Decimal
	NodeAlias           string
	NodeID              string
	Version             string
	MakerFee            decimal.Decimal
	TakerFee            decimal.Decimal
	BondSize            decimal.Decimal
	FetchedAt           time.Time
}

// Limit is a per-currency trade bound and reference price.
type Limit struct {
	Currency  int
	Code      string
	Price     decimal.Decimal
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// Limits is keyed by currency id.
type Limits map[int]Limit

// NotificationEvent is one decrypted, attributed relay message. Immutable once emitted.
type NotificationEvent struct {
	ID              string // relay event id, dedup key
	AuthorPubkey    string
	RecipientPubkey string
	SlotToken       string
	CreatedAt       time.Time
	Payload         string
	ShortAlias      string
	OrderID         int64
	StatusHint      Status // StatusUnknown when absent
}

// SlotRecord is the persisted, token-free form of an identity slot. The token
// is re-derived from the master secret and AccountIndex on load.
type SlotRecord struct {
	GarageID         string
	AccountIndex     uint32
	TokenSHA256      string
	NostrPubkey      string
	ActiveShortAlias string
	LastShortAlias   string
	Deleted          bool
	Robots           []Robot
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity is the nostr keypair of one slot, used to address and open notifications.
type Identity struct {
	Token       string
	NostrPubkey string
	NostrSecret string
}
