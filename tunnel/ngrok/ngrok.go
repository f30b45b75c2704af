// Package ngrok opens tunnels through the ngrok agent SDK.
package ngrok

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/tunnel"
	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
	ngroklog "golang.ngrok.com/ngrok/log"
)

// DefaultDomainSuffix is where free plan domains live. Bare subdomains on ngrok.io need a paid plan.
const DefaultDomainSuffix = "ngrok-free.app"

type listenFunc func(ctx context.Context, backend *url.URL, cfg config.Tunnel, opts ...ngrok.ConnectOption) (ngrok.Forwarder, error)

type Provider struct {
	l            *logrus.Logger
	domainSuffix string
	listen       listenFunc
}

func NewProvider(l *logrus.Logger, domainSuffix string) *Provider {
	if domainSuffix == "" {
		domainSuffix = DefaultDomainSuffix
	}
	return &Provider{
		l:            l,
		domainSuffix: strings.TrimPrefix(domainSuffix, "."),
		listen:       ngrok.ListenAndForward,
	}
}

func (p *Provider) Open(ctx context.Context, opts tunnel.Options) (tunnel.Tunnel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	backend, err := backendURL(opts)
	if err != nil {
		return nil, err
	}

	// The SDK keeps the session and the forwarding loop alive only as long as the context it was given, so that
	// context has to outlive this call. ctx can still abort the connect.
	life, stop := context.WithCancel(context.WithoutCancel(ctx))
	abort := context.AfterFunc(ctx, stop)

	fwd, err := p.listen(life, backend, p.endpoint(opts),
		ngrok.WithAuthtoken(opts.AuthToken),
		ngrok.WithRegion(string(opts.Region)),
		ngrok.WithLogger(&logAdapter{l: p.l.WithField("subsystem", "ngrok")}),
	)

	if !abort() {
		// ctx ended while connecting
		if err == nil {
			_ = (&forwarder{fwd: fwd, stop: stop}).Close(context.Background())
			err = ctx.Err()
		}
	}

	if err != nil {
		stop()
		return nil, err
	}

	t := &forwarder{fwd: fwd, stop: stop}
	go t.wait(p.l.WithField("url", fwd.URL()))
	return t, nil
}

func (p *Provider) endpoint(opts tunnel.Options) config.Tunnel {
	domain := p.domain(opts.Subdomain)

	switch opts.Proto {
	case tunnel.ProtoTCP:
		return config.TCPEndpoint()

	case tunnel.ProtoTLS:
		var o []config.TLSEndpointOption
		if domain != "" {
			o = append(o, config.WithDomain(domain))
		}
		return config.TLSEndpoint(o...)

	default:
		var o []config.HTTPEndpointOption
		if domain != "" {
			o = append(o, config.WithDomain(domain))
		}
		if opts.BasicAuth != nil {
			o = append(o, config.WithBasicAuth(opts.BasicAuth.Username, opts.BasicAuth.Password))
		}
		return config.HTTPEndpoint(o...)
	}
}

// domain turns a bare subdomain into a fully qualified name, names that already contain a dot are used as is
func (p *Provider) domain(subdomain string) string {
	if subdomain == "" || strings.Contains(subdomain, ".") {
		return subdomain
	}
	return subdomain + "." + p.domainSuffix
}

func backendURL(opts tunnel.Options) (*url.URL, error) {
	scheme := "http"
	switch opts.Proto {
	case tunnel.ProtoTCP, tunnel.ProtoTLS:
		// tls endpoints terminate at the edge, the backend sees plain tcp
		scheme = "tcp"
	}

	u, err := url.Parse(fmt.Sprintf("%s://%s", scheme, opts.Addr()))
	if err != nil {
		return nil, fmt.Errorf("invalid local address %s: %w", opts.Addr(), err)
	}
	return u, nil
}

// forwarder owns the agent session ListenAndForward opened for it, closing the tunnel closes the session too
type forwarder struct {
	fwd    ngrok.Forwarder
	stop   context.CancelFunc
	closed atomic.Bool
}

func (f *forwarder) URL() string {
	return f.fwd.URL()
}

func (f *forwarder) Close(ctx context.Context) error {
	f.closed.Store(true)
	defer f.stop()

	var errs []error
	if err := f.fwd.CloseWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close tunnel: %w", err))
	}
	if err := f.fwd.Session().Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session: %w", err))
	}
	return errors.Join(errs...)
}

func (f *forwarder) wait(l *logrus.Entry) {
	err := f.fwd.Wait()
	if f.closed.Load() {
		l.Debug("Tunnel forwarding stopped")
		return
	}
	l.WithError(err).Warn("Tunnel forwarding stopped unexpectedly")
}

// logAdapter routes the SDK's log lines into logrus
type logAdapter struct {
	l *logrus.Entry
}

func (a *logAdapter) Log(_ context.Context, level ngroklog.LogLevel, msg string, data map[string]any) {
	e := a.l.WithFields(data)
	switch level {
	case ngroklog.LogLevelTrace:
		e.Trace(msg)
	case ngroklog.LogLevelDebug:
		e.Debug(msg)
	case ngroklog.LogLevelInfo:
		e.Info(msg)
	case ngroklog.LogLevelWarn:
		e.Warn(msg)
	case ngroklog.LogLevelError:
		e.Error(msg)
	}
}
