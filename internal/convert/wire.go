package convert

import (
	"time"

	"github.com/shopspring/decimal"
)

// RobotResponse is the body of GET /api/robot/.
type RobotResponse struct {
	Nickname            string    `json:"nickname"`
	HashID              string    `json:"hash_id"`
	PublicKey           string    `json:"public_key"`
	EncryptedPrivateKey string    `json:"encrypted_private_key"`
	EarnedRewards       int64     `json:"earned_rewards"`
	WantsStealth        bool      `json:"wants_stealth"`
	NostrPubkey         string    `json:"nostr_pubkey"`
	LastLogin           time.Time `json:"last_login"`
	ActiveOrderID       *int64    `json:"active_order_id"`
	LastOrderID         *int64    `json:"last_order_id"`
	Found               bool      `json:"found"`
}

// OrderResponse is the body of GET/POST /api/order/?order_id=.
type OrderResponse struct {
	ID               int64           `json:"id"`
	Status           *int            `json:"status"`
	StatusMessage    string          `json:"status_message"`
	Type             int             `json:"type"`
	Currency         int             `json:"currency"`
	Amount           decimal.Decimal `json:"amount"`
	HasRange         bool            `json:"has_range"`
	MinAmount        decimal.Decimal `json:"min_amount"`
	MaxAmount        decimal.Decimal `json:"max_amount"`
	Satoshis         int64           `json:"satoshis"`
	TradeSatoshis    int64           `json:"trade_satoshis"`
	Premium          decimal.Decimal `json:"premium"`
	PaymentMethod    string          `json:"payment_method"`
	IsMaker          bool            `json:"is_maker"`
	IsTaker          bool            `json:"is_taker"`
	IsBuyer          bool            `json:"is_buyer"`
	IsSeller         bool            `json:"is_seller"`
	BondInvoice      string          `json:"bond_invoice"`
	BondSatoshis     int64           `json:"bond_satoshis"`
	EscrowInvoice    string          `json:"escrow_invoice"`
	EscrowSatoshis   int64           `json:"escrow_satoshis"`
	InvoiceAmount    int64           `json:"invoice_amount"`
	MakerNick        string          `json:"maker_nick"`
	TakerNick        string          `json:"taker_nick"`
	MakerNostrPubkey string          `json:"maker_nostr_pubkey"`
	TakerNostrPubkey string          `json:"taker_nostr_pubkey"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	TotalSecsExp     int64           `json:"total_secs_exp"`
}

// BookEntry is one element of GET /api/book/.
type BookEntry struct {
	ID             int64           `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Type           int             `json:"type"`
	Currency       int             `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	HasRange       bool            `json:"has_range"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	PaymentMethod  string          `json:"payment_method"`
	Premium        decimal.Decimal `json:"premium"`
	Price          decimal.Decimal `json:"price"`
	BondSize       decimal.Decimal `json:"bond_size"`
	EscrowDuration int64           `json:"escrow_duration"`
	MakerNick      string          `json:"maker_nick"`
	MakerHashID    string          `json:"maker_hash_id"`
	MakerStatus    string          `json:"maker_status"`
}

// Version is the coordinator software version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// InfoResponse is the body of GET /api/info/.
type InfoResponse struct {
	NumPublicBuyOrders  int             `json:"num_public_buy_orders"`
	NumPublicSellOrders int             `json:"num_public_sell_orders"`
	BookLiquidity       int64           `json:"book_liquidity"`
	ActiveRobotsToday   int             `json:"active_robots_today"`
	LastDayVolume       decimal.Decimal `json:"last_day_volume"`
	LifetimeVolume      decimal.Decimal `json:"lifetime_volume"`
	NodeAlias           string          `json:"node_alias"`
	NodeID              string          `json:"node_id"`
	Version             Version         `json:"version"`
	MakerFee            decimal.Decimal `json:"maker_fee"`
	TakerFee            decimal.Decimal `json:"taker_fee"`
	BondSize            decimal.Decimal `json:"bond_size"`
}

// LimitEntry is one value of the GET /api/limits/ map.
type LimitEntry struct {
	Code      string          `json:"code"`
	Price     decimal.Decimal `json:"price"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

// OrderAction is the body of POST /api/order/?order_id=.
type OrderAction struct {
	Action           string `json:"action"`
	Invoice          string `json:"invoice,omitempty"`
	RoutingBudgetPPM int64  `json:"routing_budget_ppm,omitempty"`
	Address          string `json:"address,omitempty"`
	MiningFeeRate    string `json:"mining_fee_rate,omitempty"`
	Statement        string `json:"statement,omitempty"`
	Rating           int    `json:"rating,omitempty"`
	CancelStatus     *int   `json:"cancel_status,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Password         string `json:"password,omitempty"`
}

// ErrorResponse carries the domain error fields a coordinator may return.
type ErrorResponse struct {
	ErrorCode    int    `json:"error_code"`
	BadRequest   string `json:"bad_request"`
	BadStatement string `json:"bad_statement"`
	BadInvoice   string `json:"bad_invoice"`
	BadAddress   string `json:"bad_address"`
	BadSummary   string `json:"bad_summary"`
}
