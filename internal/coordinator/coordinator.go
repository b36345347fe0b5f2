// Package coordinator is the client of a single federation coordinator.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/convert"
	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/limiter"
	"github.com/and161185/robosync/internal/model"
)

const maxBody = 4 << 20

// Config describes a coordinator as listed in the federation.
type Config struct {
	ShortAlias      string
	LongAlias       string
	Endpoints       Endpoints
	NostrHexPubkey  string
	DevFundDonation int // percent of fees donated to the dev fund
	Enabled         bool
}

// Credentials authenticate a robot. The coordinator never sees the token itself.
type Credentials struct {
	TokenSHA256      string
	PublicKey        string
	EncryptedPrivate string
	NostrPubkey      string

	// Sign clear-signs payout invoices and addresses. Nil sends them unsigned.
	Sign func(message string) (string, error)
}

func (c Credentials) sign(what, message string) (string, error) {
	if c.Sign == nil || message == "" {
		return message, nil
	}
	signed, err := c.Sign(message)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", what, err)
	}
	return signed, nil
}

// Header renders the Authorization header. Keys are sent only when full is set.
func (c Credentials) Header(full bool) string {
	if !full || c.PublicKey == "" {
		return "Token " + c.TokenSHA256
	}
	pub := strings.ReplaceAll(c.PublicKey, "\n", "\\")
	priv := strings.ReplaceAll(c.EncryptedPrivate, "\n", "\\")
	return fmt.Sprintf("Token %s | Public %s | Private %s | Nostr %s", c.TokenSHA256, pub, priv, c.NostrPubkey)
}

// HTTPError is a non-2xx response that carried no domain error.
type HTTPError struct {
	Method string
	Path   string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Status)
}

// Coordinator talks to one coordinator and caches what it publishes.
type Coordinator struct {
	cfg     Config
	clients Clients
	lim     limiter.Limiter
	log     *zap.Logger
	clk     clock.Clock

	mu        sync.RWMutex
	network   model.Network
	transport model.Transport
	enabled   bool
	live      bool
	info      *model.Info
	limits    model.Limits
	book      []model.PublicOrder
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithClients(c Clients) Option           { return func(x *Coordinator) { x.clients = c } }
func WithLimiter(l limiter.Limiter) Option   { return func(x *Coordinator) { x.lim = l } }
func WithLogger(l *zap.Logger) Option        { return func(x *Coordinator) { x.log = l } }
func WithClock(c clock.Clock) Option         { return func(x *Coordinator) { x.clk = c } }
func WithNetwork(n model.Network) Option     { return func(x *Coordinator) { x.network = n } }
func WithTransport(t model.Transport) Option { return func(x *Coordinator) { x.transport = t } }

// New constructs a coordinator client. It starts live until a request fails.
func New(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		clients:   Clients{Direct: http.DefaultClient},
		lim:       limiter.NewMemory(limiter.DefaultConfig()),
		log:       zap.NewNop(),
		clk:       clock.New(),
		network:   model.Mainnet,
		transport: model.Clearnet,
		enabled:   cfg.Enabled,
		live:      true,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("coordinator", cfg.ShortAlias))
	return c
}

// --- state accessors ---

func (c *Coordinator) ShortAlias() string   { return c.cfg.ShortAlias }
func (c *Coordinator) LongAlias() string    { return c.cfg.LongAlias }
func (c *Coordinator) NostrPubkey() string  { return c.cfg.NostrHexPubkey }
func (c *Coordinator) DevFundDonation() int { return c.cfg.DevFundDonation }

func (c *Coordinator) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Coordinator) SetEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

func (c *Coordinator) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// SetLive overrides liveness, used by the health monitor.
func (c *Coordinator) SetLive(v bool) {
	c.mu.Lock()
	c.live = v
	c.mu.Unlock()
}

// SetRoute changes the network and transport used for subsequent requests.
func (c *Coordinator) SetRoute(n model.Network, t model.Transport) {
	c.mu.Lock()
	c.network, c.transport = n, t
	c.mu.Unlock()
}

// Info returns the cached info, nil if never fetched.
func (c *Coordinator) Info() *model.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return nil
	}
	cp := *c.info
	return &cp
}

// Limits returns a copy of the cached limits.
func (c *Coordinator) Limits() model.Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(model.Limits, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}

// Book returns a copy of the cached public book.
func (c *Coordinator) Book() []model.PublicOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.PublicOrder(nil), c.book...)
}

// ResolveEndpoint is a pure lookup of the base URL for network and transport.
func (c *Coordinator) ResolveEndpoint(network model.Network, transport model.Transport) (Endpoint, error) {
	return c.cfg.Endpoints.Resolve(network, transport)
}

// --- public data ---

// FetchInfo refreshes the info cache. On failure the stale cache is kept and the coordinator goes not-live.
func (c *Coordinator) FetchInfo(ctx context.Context) (model.Info, error) {
	var in convert.InfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/info/", nil, false, nil, &in); err != nil {
		c.markLive(false, err)
		return c.staleInfo(), fmt.Errorf("fetch info: %w", err)
	}
	info := convert.ToInfo(in, c.clk.Now())
	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()
	c.markLive(true, nil)
	return info, nil
}

func (c *Coordinator) staleInfo() model.Info {
	if i := c.Info(); i != nil {
		return *i
	}
	return model.Info{}
}

// FetchLimits refreshes the limits cache. On failure the stale cache is returned.
func (c *Coordinator) FetchLimits(ctx context.Context) (model.Limits, error) {
	var in map[string]convert.LimitEntry
	if err := c.do(ctx, http.MethodGet, "/api/limits/", nil, false, nil, &in); err != nil {
		c.markLive(false, err)
		return c.Limits(), fmt.Errorf("fetch limits: %w", err)
	}
	lim := convert.ToLimits(in)
	c.mu.Lock()
	c.limits = lim
	c.mu.Unlock()
	c.markLive(true, nil)
	return c.Limits(), nil
}

// FetchBook refreshes this coordinator's public book. An empty book is reported as 404.
func (c *Coordinator) FetchBook(ctx context.Context) ([]model.PublicOrder, error) {
	var in []convert.BookEntry
	err := c.do(ctx, http.MethodGet, "/api/book/", nil, false, nil, &in)
	var he *HTTPError
	switch {
	case err == nil:
	case errors.As(err, &he) && he.Status == http.StatusNotFound:
		in = nil
	default:
		c.markLive(false, err)
		return c.Book(), fmt.Errorf("fetch book: %w", err)
	}
	book := convert.ToPublicOrders(in, c.cfg.ShortAlias)
	c.mu.Lock()
	c.book = book
	c.mu.Unlock()
	c.markLive(true, nil)
	return c.Book(), nil
}

// Refresh fetches info and limits.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if _, err := c.FetchInfo(ctx); err != nil {
		return err
	}
	_, err := c.FetchLimits(ctx)
	return err
}

// CheckInfo fetches info without touching the liveness flag. The health monitor
// owns liveness for the coordinators it watches.
func (c *Coordinator) CheckInfo(ctx context.Context) error {
	var in convert.InfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/info/", nil, false, nil, &in); err != nil {
		return fmt.Errorf("check info: %w", err)
	}
	info := convert.ToInfo(in, c.clk.Now())
	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()
	return nil
}

// --- robot ---

// RegisterOrLogin creates the robot on first contact and returns its current state.
func (c *Coordinator) RegisterOrLogin(ctx context.Context, cred Credentials) (model.RobotPatch, error) {
	var in convert.RobotResponse
	if err := c.do(ctx, http.MethodGet, "/api/robot/", nil, true, &cred, &in); err != nil {
		if _, ok := errs.AsBadRequest(err); ok {
			return model.RobotPatch{}, fmt.Errorf("%w: %w", errs.ErrRegistrationFailed, err)
		}
		return model.RobotPatch{}, fmt.Errorf("%s: %w: %v", c.cfg.ShortAlias, errs.ErrRegistrationFailed, err)
	}
	return convert.ToRobotPatch(in, cred.TokenSHA256), nil
}

// ClaimReward asks the coordinator to pay earned rewards to invoice.
func (c *Coordinator) ClaimReward(ctx context.Context, invoice string, cred Credentials) error {
	signed, err := cred.sign("invoice", invoice)
	if err != nil {
		return err
	}
	body := map[string]any{"invoice": signed}
	var out struct {
		Successful bool `json:"successful_withdrawal"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/reward/", body, false, &cred, &out); err != nil {
		return fmt.Errorf("claim reward: %w", err)
	}
	if !out.Successful {
		return &errs.BadRequestError{Field: "bad_invoice", Message: "reward withdrawal failed"}
	}
	return nil
}

// SetStealth toggles stealth invoices for the robot.
func (c *Coordinator) SetStealth(ctx context.Context, stealth bool, cred Credentials) error {
	body := map[string]any{"wantsStealth": stealth}
	if err := c.do(ctx, http.MethodPost, "/api/stealth/", body, false, &cred, nil); err != nil {
		return fmt.Errorf("set stealth: %w", err)
	}
	return nil
}

// --- order ---

// FetchOrder returns the order as seen by the robot.
func (c *Coordinator) FetchOrder(ctx context.Context, orderID int64, cred Credentials) (model.Order, error) {
	var in convert.OrderResponse
	if err := c.do(ctx, http.MethodGet, orderPath(orderID), nil, false, &cred, &in); err != nil {
		return model.Order{}, fmt.Errorf("fetch order %d: %w", orderID, err)
	}
	return convert.ToOrder(in, c.cfg.ShortAlias, c.clk.Now()), nil
}

// PostOrderAction performs an action on an order and returns the updated order.
func (c *Coordinator) PostOrderAction(ctx context.Context, orderID int64, req ActionRequest, cred Credentials) (model.Order, error) {
	if !req.Action.Valid() {
		return model.Order{}, fmt.Errorf("unknown action %q", req.Action)
	}
	var err error
	switch req.Action {
	case ActionUpdateInvoice:
		req.Invoice, err = cred.sign("invoice", req.Invoice)
	case ActionUpdateAddress:
		req.Address, err = cred.sign("address", req.Address)
	}
	if err != nil {
		return model.Order{}, err
	}
	var in convert.OrderResponse
	if err := c.do(ctx, http.MethodPost, orderPath(orderID), req.wire(), false, &cred, &in); err != nil {
		return model.Order{}, fmt.Errorf("%s order %d: %w", req.Action, orderID, err)
	}
	return convert.ToOrder(in, c.cfg.ShortAlias, c.clk.Now()), nil
}

func orderPath(id int64) string {
	return "/api/order/?order_id=" + strconv.FormatInt(id, 10)
}

// --- transport ---

func (c *Coordinator) markLive(v bool, cause error) {
	c.mu.Lock()
	was := c.live
	c.live = v
	c.mu.Unlock()
	if was != v {
		if v {
			c.log.Info("coordinator is live")
		} else {
			c.log.Warn("coordinator not live", zap.Error(cause))
		}
	}
}

func (c *Coordinator) route() (model.Network, model.Transport) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.network, c.transport
}

// do performs one request. Domain errors come back as *errs.BadRequestError, other
// non-2xx responses as *HTTPError.
func (c *Coordinator) do(ctx context.Context, method, path string, body any, fullAuth bool, cred *Credentials, out any) error {
	network, transport := c.route()
	ep, err := c.cfg.Endpoints.Resolve(network, transport)
	if err != nil {
		return err
	}
	if err := c.lim.Wait(ctx, c.cfg.ShortAlias); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(ep.URL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred != nil {
		req.Header.Set("Authorization", cred.Header(fullAuth))
	}

	resp, err := c.clients.For(ep.Transport).Do(req)
	if err != nil {
		c.failure(ctx)
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.failure(ctx)
		return err
	}

	if resp.StatusCode >= 300 {
		if br := convert.ParseError(raw); br != nil {
			_ = c.lim.Success(ctx, c.cfg.ShortAlias)
			return br
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.failure(ctx)
		}
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode}
	}
	_ = c.lim.Success(ctx, c.cfg.ShortAlias)
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Coordinator) failure(ctx context.Context) {
	blocked, d, _ := c.lim.Failure(ctx, c.cfg.ShortAlias)
	if blocked {
		c.log.Warn("coordinator locked out", zap.Duration("for", d))
	}
}
