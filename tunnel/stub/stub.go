// Package stub is an in-process tunnel provider that hands out deterministic URLs without touching the network.
package stub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/slackhq/flowtunnel/tunnel"
)

const domain = "stub.flowtunnel.dev"

var ErrInvalidToken = errors.New("authentication failed: invalid authtoken")

type Provider struct {
	// InvalidTokens are rejected by Open the way the real provider rejects unknown tokens.
	InvalidTokens []string

	mu     sync.Mutex
	live   map[*Tunnel]struct{}
	opened int
}

func NewProvider(invalidTokens []string) *Provider {
	return &Provider{InvalidTokens: invalidTokens}
}

func (p *Provider) Open(ctx context.Context, opts tunnel.Options) (tunnel.Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	for _, t := range p.InvalidTokens {
		if t == opts.AuthToken {
			return nil, ErrInvalidToken
		}
	}

	t := &Tunnel{p: p, url: URLFor(opts)}

	p.mu.Lock()
	if p.live == nil {
		p.live = make(map[*Tunnel]struct{})
	}
	p.live[t] = struct{}{}
	p.opened++
	p.mu.Unlock()

	return t, nil
}

// Live returns the number of tunnels opened and not yet closed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Opened returns the number of successful Open calls.
func (p *Provider) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// URLFor returns the URL Open assigns for opts.
func URLFor(opts tunnel.Options) string {
	label := opts.Subdomain
	if label == "" {
		h := fnv.New32a()
		fmt.Fprintf(h, "%s/%s/%d", opts.Proto, opts.Region, opts.Port)
		label = fmt.Sprintf("%08x", h.Sum32())
	}

	switch opts.Proto {
	case tunnel.ProtoTCP:
		h := fnv.New32a()
		fmt.Fprintf(h, "%s/%d", label, opts.Port)
		return fmt.Sprintf("tcp://0.tcp.%s.%s:%d", opts.Region, domain, 10000+h.Sum32()%10000)
	case tunnel.ProtoTLS:
		return fmt.Sprintf("tls://%s.%s.%s:443", label, opts.Region, domain)
	default:
		return fmt.Sprintf("https://%s.%s.%s", label, opts.Region, domain)
	}
}

type Tunnel struct {
	p   *Provider
	url string
}

func (t *Tunnel) URL() string {
	return t.url
}

func (t *Tunnel) Close(_ context.Context) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()

	if _, ok := t.p.live[t]; !ok {
		return errors.New("tunnel already closed")
	}
	delete(t.p.live, t)
	return nil
}
