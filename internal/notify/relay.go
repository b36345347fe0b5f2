package notify

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Relay is the part of a nostr relay connection the bus uses.
type Relay interface {
	// Subscribe streams matching events until ctx ends or the connection drops,
	// then closes the channel.
	Subscribe(ctx context.Context, f nostr.Filter) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
	Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
	Close() error
}

// Dialer opens a relay connection.
type Dialer func(ctx context.Context, url string) (Relay, error)

// DialNostr connects to a relay over websocket.
func DialNostr(ctx context.Context, url string) (Relay, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &nostrRelay{r: r}, nil
}

type nostrRelay struct {
	r *nostr.Relay
}

func (n *nostrRelay) Subscribe(ctx context.Context, f nostr.Filter) (<-chan *nostr.Event, error) {
	sub, err := n.r.Subscribe(ctx, nostr.Filters{f})
	if err != nil {
		return nil, err
	}
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer sub.Unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.r.Context().Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (n *nostrRelay) Publish(ctx context.Context, ev nostr.Event) error {
	return n.r.Publish(ctx, ev)
}

func (n *nostrRelay) Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	return n.r.QuerySync(ctx, f)
}

func (n *nostrRelay) Close() error { return n.r.Close() }
