package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// accountMarkerTag is the d tag of account recovery markers.
const accountMarkerTag = "robosats-garage-account"

// Markers publishes and reads account recovery markers. A marker is a
// replaceable event gift-wrapped to the garage's own nostr key, so only the
// garage owner can list which account indices were ever used.
type Markers struct {
	relays []string
	dial   Dialer
	log    *zap.Logger
}

// NewMarkers builds a marker store over relays. dial and log may be nil.
func NewMarkers(relays []string, dial Dialer, log *zap.Logger) *Markers {
	if dial == nil {
		dial = DialNostr
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Markers{relays: relays, dial: dial, log: log}
}

// PublishAccountMarker records that account idx exists. It succeeds when at least
// one relay accepted the event.
func (m *Markers) PublishAccountMarker(ctx context.Context, garageSk string, idx uint32) error {
	pub, err := nostr.GetPublicKey(garageSk)
	if err != nil {
		return fmt.Errorf("garage key: %w", err)
	}
	rumor := nostr.Event{
		Kind:      KindAccountMarker,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"d", accountMarkerTag},
			{"account", strconv.FormatUint(uint64(idx), 10)},
		},
		Content: "",
	}
	wrap, err := Wrap(rumor, garageSk, pub)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		merr   *multierror.Error
		stored int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range m.relays {
		g.Go(func() error {
			err := m.withRelay(gctx, url, func(r Relay) error { return r.Publish(gctx, wrap) })
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", url, err))
			} else {
				stored++
			}
			return nil
		})
	}
	_ = g.Wait()
	if stored == 0 {
		if merr == nil {
			return errors.New("publish account marker: no relays configured")
		}
		return fmt.Errorf("publish account marker: %w", merr.ErrorOrNil())
	}
	if merr != nil {
		m.log.Warn("account marker not stored on every relay", zap.Uint32("index", idx), zap.Error(merr))
	}
	return nil
}

// AccountMarkers returns the account indices marked on any relay. It fails only
// when no relay could be queried.
func (m *Markers) AccountMarkers(ctx context.Context, garageSk string) (map[uint32]bool, error) {
	pub, err := nostr.GetPublicKey(garageSk)
	if err != nil {
		return nil, fmt.Errorf("garage key: %w", err)
	}
	filter := nostr.Filter{
		Kinds: []int{KindGiftWrap},
		Tags:  nostr.TagMap{"p": {pub}},
	}

	var (
		mu      sync.Mutex
		merr    *multierror.Error
		queried int
		out     = map[uint32]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range m.relays {
		g.Go(func() error {
			var events []*nostr.Event
			err := m.withRelay(gctx, url, func(r Relay) error {
				var qerr error
				events, qerr = r.Query(gctx, filter)
				return qerr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", url, err))
				return nil
			}
			queried++
			for _, ev := range events {
				if idx, ok := parseMarker(ev, garageSk, pub); ok {
					out[idx] = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if queried == 0 && merr != nil {
		return nil, fmt.Errorf("query account markers: %w", merr.ErrorOrNil())
	}
	return out, nil
}

func (m *Markers) withRelay(ctx context.Context, url string, fn func(Relay) error) error {
	r, err := m.dial(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return fn(r)
}

// parseMarker opens a wrap and returns the account index it marks.
func parseMarker(ev *nostr.Event, garageSk, garagePub string) (uint32, bool) {
	rumor, err := Unwrap(ev, garageSk)
	if err != nil || rumor.Kind != KindAccountMarker {
		return 0, false
	}
	// only the garage itself writes markers
	if rumor.PubKey != garagePub {
		return 0, false
	}
	if tagValue(rumor.Tags, "d") != accountMarkerTag {
		return 0, false
	}
	n, err := strconv.ParseUint(tagValue(rumor.Tags, "account"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
