// Package notify ingests end-to-end encrypted notifications from nostr relays and
// attributes each one to the identity slot it is addressed to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jpillora/backoff"
	"github.com/nbd-wtf/go-nostr"
	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

const (
	defaultDedupSize = 4096
	defaultLookback  = 72 * time.Hour
)

var (
	errNotAddressed = errors.New("not addressed to a known identity")
	errDuplicate    = errors.New("duplicate event")
	errRelayClosed  = errors.New("relay closed subscription")
)

// Handler receives every attributed notification exactly once.
type Handler func(model.NotificationEvent)

// Stats counts pipeline outcomes since the bus was created.
type Stats struct {
	Delivered       int64
	Duplicates      int64
	Unaddressed     int64
	DecryptFailures int64
	Subscriptions   int64
}

// Bus holds one subscription per relay for the current set of identity pubkeys.
type Bus struct {
	relays     []string
	dial       Dialer
	log        *zap.Logger
	clk        clock.Clock
	handler    Handler
	lookback   time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	seen       *lru.Cache[string, struct{}]

	subMu sync.Mutex // serializes subscription changes

	mu     sync.Mutex
	root   context.Context
	keys   map[string]model.Identity // by nostr pubkey
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	delivered       atomic.Int64
	duplicates      atomic.Int64
	unaddressed     atomic.Int64
	decryptFailures atomic.Int64
	subscriptions   atomic.Int64
}

// Option customizes a Bus.
type Option func(*Bus)

func WithDialer(d Dialer) Option          { return func(b *Bus) { b.dial = d } }
func WithLogger(l *zap.Logger) Option     { return func(b *Bus) { b.log = l } }
func WithClock(c clock.Clock) Option      { return func(b *Bus) { b.clk = c } }
func WithHandler(h Handler) Option        { return func(b *Bus) { b.handler = h } }
func WithLookback(d time.Duration) Option { return func(b *Bus) { b.lookback = d } }

// WithBackoff bounds the reconnect delay.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(b *Bus) { b.minBackoff, b.maxBackoff = minDelay, maxDelay }
}

// WithDedupSize bounds the number of remembered event ids.
func WithDedupSize(n int) Option {
	return func(b *Bus) {
		if c, err := lru.New[string, struct{}](n); err == nil {
			b.seen = c
		}
	}
}

// New builds a bus for relays. It does nothing until Start.
func New(relays []string, opts ...Option) *Bus {
	seen, _ := lru.New[string, struct{}](defaultDedupSize)
	b := &Bus{
		relays:     slices.Clone(relays),
		dial:       DialNostr,
		log:        zap.NewNop(),
		clk:        clock.New(),
		handler:    func(model.NotificationEvent) {},
		lookback:   defaultLookback,
		minBackoff: time.Second,
		maxBackoff: 2 * time.Minute,
		seen:       seen,
		keys:       map[string]model.Identity{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start begins streaming for the current identities. Subscriptions end with ctx.
func (b *Bus) Start(ctx context.Context) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.Lock()
	b.root = ctx
	b.mu.Unlock()
	b.resubscribe()
}

// Close tears the subscription down.
func (b *Bus) Close() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.teardown()
	b.mu.Lock()
	b.root = nil
	b.mu.Unlock()
}

// SetIdentities replaces the watched key set. The relay subscription is rebuilt,
// and the dedup cache cleared, only when the set of pubkeys changed. It reports
// whether that happened.
func (b *Bus) SetIdentities(ids []model.Identity) bool {
	next := make(map[string]model.Identity, len(ids))
	for _, id := range ids {
		if id.NostrPubkey == "" || id.NostrSecret == "" {
			continue
		}
		next[id.NostrPubkey] = id
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	same := len(next) == len(b.keys)
	if same {
		for pk := range next {
			if _, ok := b.keys[pk]; !ok {
				same = false
				break
			}
		}
	}
	if same {
		b.keys = next
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	b.teardown()
	b.mu.Lock()
	b.keys = next
	b.mu.Unlock()
	b.seen.Purge()
	b.log.Info("notification key set changed", zap.Int("identities", len(next)))
	b.resubscribe()
	return true
}

// Pubkeys returns the watched pubkeys, sorted.
func (b *Bus) Pubkeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.keys))
}

// Stats returns the pipeline counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Delivered:       b.delivered.Load(),
		Duplicates:      b.duplicates.Load(),
		Unaddressed:     b.unaddressed.Load(),
		DecryptFailures: b.decryptFailures.Load(),
		Subscriptions:   b.subscriptions.Load(),
	}
}

// teardown cancels the running subscription and waits for its relay loops.
// Callers hold subMu.
func (b *Bus) teardown() {
	b.mu.Lock()
	cancel, wg := b.cancel, b.wg
	b.cancel, b.wg = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}

// resubscribe starts one loop per relay for the current keys. Callers hold subMu.
func (b *Bus) resubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil || b.cancel != nil || len(b.keys) == 0 {
		return
	}
	since := nostr.Timestamp(b.clk.Now().Add(-b.lookback).Unix())
	filter := nostr.Filter{
		Kinds: []int{KindGiftWrap},
		Tags:  nostr.TagMap{"p": slices.Sorted(maps.Keys(b.keys))},
		Since: &since,
	}
	ctx, cancel := context.WithCancel(b.root)
	wg := &sync.WaitGroup{}
	for _, url := range b.relays {
		wg.Add(1)
		go b.runRelay(ctx, wg, url, filter)
	}
	b.cancel, b.wg = cancel, wg
}

func (b *Bus) runRelay(ctx context.Context, wg *sync.WaitGroup, url string, filter nostr.Filter) {
	defer wg.Done()
	bo := &backoff.Backoff{Min: b.minBackoff, Max: b.maxBackoff, Factor: 2, Jitter: true}
	for {
		streamed, err := b.stream(ctx, url, filter)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			bo.Reset()
		}
		d := bo.Duration()
		b.log.Warn("relay subscription lost", zap.String("relay", url), zap.Duration("retry_in", d), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-b.clk.After(d):
		}
	}
}

// stream runs one subscription. streamed reports whether the relay accepted it.
func (b *Bus) stream(ctx context.Context, url string, filter nostr.Filter) (streamed bool, err error) {
	r, err := b.dial(ctx, url)
	if err != nil {
		return false, err
	}
	defer func() { _ = r.Close() }()

	events, err := r.Subscribe(ctx, filter)
	if err != nil {
		return false, err
	}
	b.subscriptions.Add(1)
	b.log.Debug("relay subscribed", zap.String("relay", url), zap.Int("pubkeys", len(filter.Tags["p"])))
	for ev := range events {
		b.deliver(ev)
	}
	return true, errRelayClosed
}

func (b *Bus) deliver(ev *nostr.Event) {
	n, err := b.process(ev)
	if err != nil {
		return
	}
	b.handler(n)
}

// process runs the pipeline: addressed check, decrypt, dedup, attribute.
func (b *Bus) process(ev *nostr.Event) (model.NotificationEvent, error) {
	recipient := tagValue(ev.Tags, "p")
	b.mu.Lock()
	id, ok := b.keys[recipient]
	b.mu.Unlock()
	if !ok {
		b.unaddressed.Add(1)
		return model.NotificationEvent{}, errNotAddressed
	}

	// the relay-supplied id is not trusted for dedup
	eventID := ev.GetID()
	if eventID != ev.ID {
		b.decryptFailures.Add(1)
		b.log.Debug("notification discarded", zap.String("event", ev.ID), zap.String("reason", "id mismatch"))
		return model.NotificationEvent{}, fmt.Errorf("event id: %w", errs.ErrDecryptionFailure)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		b.decryptFailures.Add(1)
		b.log.Debug("notification discarded", zap.String("event", eventID), zap.String("reason", "bad signature"))
		return model.NotificationEvent{}, fmt.Errorf("wrap signature: %w", errs.ErrDecryptionFailure)
	}

	rumor, err := Unwrap(ev, id.NostrSecret)
	if err != nil {
		b.decryptFailures.Add(1)
		b.log.Debug("notification discarded", zap.String("event", eventID), zap.Error(err))
		return model.NotificationEvent{}, err
	}
	if found, _ := b.seen.ContainsOrAdd(eventID, struct{}{}); found {
		b.duplicates.Add(1)
		return model.NotificationEvent{}, errDuplicate
	}

	n := model.NotificationEvent{
		ID:              eventID,
		AuthorPubkey:    rumor.PubKey,
		RecipientPubkey: recipient,
		SlotToken:       id.Token,
		CreatedAt:       rumor.CreatedAt.Time(),
		Payload:         rumor.Content,
		StatusHint:      model.StatusUnknown,
	}
	if ref := tagValue(rumor.Tags, "order_id"); ref != "" {
		n.ShortAlias, n.OrderID = parseOrderRef(ref)
	}
	if s := tagValue(rumor.Tags, "status"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			n.StatusHint = model.ParseStatus(v)
		}
	}
	b.delivered.Add(1)
	return n, nil
}

// parseOrderRef splits "<alias>#<id>". A malformed id yields 0.
func parseOrderRef(ref string) (string, int64) {
	alias, num, ok := strings.Cut(ref, "#")
	if !ok {
		return "", 0
	}
	id, err := strconv.ParseInt(num, 10, 64)
	if err != nil || id <= 0 {
		return alias, 0
	}
	return alias, id
}

func tagValue(tags nostr.Tags, key string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}
