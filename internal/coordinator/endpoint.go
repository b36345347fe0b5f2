package coordinator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

// Endpoints maps network and transport to a base URL.
type Endpoints map[model.Network]map[model.Transport]string

// Endpoint is a resolved base URL with the transport it is reached over.
type Endpoint struct {
	URL       string
	Transport model.Transport
}

var transportFallback = []model.Transport{model.Onion, model.Clearnet, model.I2P}

// Resolve picks the requested transport, falling back to onion, clearnet, then i2p.
func (e Endpoints) Resolve(network model.Network, transport model.Transport) (Endpoint, error) {
	byTransport := e[network]
	if u := byTransport[transport]; u != "" {
		return Endpoint{URL: u, Transport: transport}, nil
	}
	for _, t := range transportFallback {
		if u := byTransport[t]; u != "" {
			return Endpoint{URL: u, Transport: t}, nil
		}
	}
	return Endpoint{}, fmt.Errorf("no %s endpoint: %w", network, errs.ErrCoordinatorUnavailable)
}

// Clients holds one HTTP client for direct traffic and one for proxied (onion, i2p) traffic.
type Clients struct {
	Direct  *http.Client
	Proxied *http.Client
}

// For returns the client to reach an endpoint over t.
func (c Clients) For(t model.Transport) *http.Client {
	if (t == model.Onion || t == model.I2P) && c.Proxied != nil {
		return c.Proxied
	}
	if c.Direct != nil {
		return c.Direct
	}
	return http.DefaultClient
}

// NewClients builds HTTP clients. socksAddr, when set, routes onion and i2p traffic through a SOCKS5 proxy.
func NewClients(socksAddr string, timeout time.Duration) (Clients, error) {
	direct := &http.Client{Timeout: timeout}
	if socksAddr == "" {
		return Clients{Direct: direct}, nil
	}
	d, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return Clients{}, fmt.Errorf("socks5 %s: %w", socksAddr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return Clients{}, fmt.Errorf("socks5 dialer does not support contexts")
	}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		},
		MaxIdleConnsPerHost: 4,
	}
	return Clients{Direct: direct, Proxied: &http.Client{Timeout: timeout, Transport: tr}}, nil
}
