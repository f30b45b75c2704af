package flowtunnel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/message"
	"github.com/slackhq/flowtunnel/tunnel"
)

const (
	CommandOn  = "on"
	CommandOff = "off"

	defaultTunnelPort = 1880
	defaultQueueSize  = 16
)

var (
	metricOpenSuccess     = metrics.GetOrRegisterCounter("tunnel.open.success", nil)
	metricOpenErrors      = metrics.GetOrRegisterCounter("tunnel.open.errors", nil)
	metricCloseSuccess    = metrics.GetOrRegisterCounter("tunnel.close.success", nil)
	metricCloseErrors     = metrics.GetOrRegisterCounter("tunnel.close.errors", nil)
	metricCommandsIgnored = metrics.GetOrRegisterCounter("tunnel.commands.ignored", nil)
	metricLive            = metrics.GetOrRegisterCounter("tunnel.live", nil)
)

// TunnelNode turns `on`/`off` messages into tunnel open/close calls and emits the resulting public url.
// Commands are applied one at a time in arrival order by a single goroutine. At most one tunnel is live per node,
// an `on` while a tunnel is live keeps that tunnel and emits its url again.
type TunnelNode struct {
	id   string
	name string
	l    *logrus.Entry

	opts     tunnel.Options
	creds    *AuthTokenHolder
	provider tunnel.Provider
	emit     Emitter
	timeout  time.Duration

	commands chan *message.Message
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// handle is only written by the run goroutine, the lock allows Status to read it
	mu     sync.RWMutex
	handle *tunnelHandle
}

type tunnelHandle struct {
	t      tunnel.Tunnel
	url    string
	opened time.Time
}

// TunnelNodeConfig holds everything a TunnelNode needs besides its identity.
type TunnelNodeConfig struct {
	Options   tunnel.Options
	Creds     *AuthTokenHolder
	Provider  tunnel.Provider
	Timeout   time.Duration
	QueueSize int
}

func NewTunnelNode(l *logrus.Logger, id, name string, cfg TunnelNodeConfig, emit Emitter) *TunnelNode {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultQueueSize
	}

	n := &TunnelNode{
		id:       id,
		name:     name,
		l:        l.WithField("nodeId", id).WithField("nodeType", "ngrok"),
		opts:     cfg.Options,
		creds:    cfg.Creds,
		provider: cfg.Provider,
		emit:     emit,
		timeout:  cfg.Timeout,
		commands: make(chan *message.Message, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go n.run()
	return n
}

func newTunnelNodeFromDef(f *Flow, def NodeDef, emit Emitter) (Node, error) {
	proto, err := tunnel.ParseProto(def.C.GetString("proto", ""))
	if err != nil {
		return nil, err
	}

	region, err := tunnel.ParseRegion(def.C.GetString("region", ""))
	if err != nil {
		return nil, err
	}

	port := defaultTunnelPort
	if raw := def.C.GetString("port", ""); raw != "" {
		port, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid port `%s`", raw)
		}
	}

	auth, err := tunnel.ParseBasicAuth(def.Credentials.GetString("auth", ""))
	if err != nil {
		return nil, fmt.Errorf("credentials.%s.auth: %w", def.ID, err)
	}

	opts := tunnel.Options{
		Host:      def.C.GetString("host", "localhost"),
		Port:      port,
		Proto:     proto,
		Region:    region,
		Subdomain: def.C.GetString("subdomain", ""),
		BasicAuth: auth,
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if auth != nil && proto != tunnel.ProtoHTTP {
		f.l.WithField("nodeId", def.ID).WithField("proto", proto).Warn("Basic auth only applies to http tunnels, ignoring")
		opts.BasicAuth = nil
	}

	if opts.Subdomain != "" && proto == tunnel.ProtoTCP {
		f.l.WithField("nodeId", def.ID).WithField("subdomain", opts.Subdomain).Warn("Subdomains do not apply to tcp tunnels, ignoring")
		opts.Subdomain = ""
	}

	credsID := def.C.GetString("creds", "")
	creds := f.holders[credsID]
	if creds == nil {
		f.l.WithField("nodeId", def.ID).WithField("creds", credsID).Warn("Tunnel node has no credential holder, `on` will report an empty authtoken")
	}

	return NewTunnelNode(f.l, def.ID, def.Name, TunnelNodeConfig{
		Options:   opts,
		Creds:     creds,
		Provider:  f.provider,
		Timeout:   f.settings.timeout,
		QueueSize: f.settings.queueSize,
	}, emit), nil
}

func (n *TunnelNode) ID() string {
	return n.id
}

func (n *TunnelNode) Type() string {
	return "ngrok"
}

// Receive queues `on` and `off` commands, any other payload is ignored. Blocks while the queue is full.
func (n *TunnelNode) Receive(msg *message.Message) {
	cmd, ok := msg.String()
	if !ok || (cmd != CommandOn && cmd != CommandOff) {
		metricCommandsIgnored.Inc(1)
		n.l.WithField("payload", msg.Payload).Debug("Ignoring unrecognized command")
		return
	}

	if n.stopped() {
		n.l.WithField("command", cmd).Debug("Node is closed, dropping command")
		return
	}

	select {
	case n.commands <- msg:
	case <-n.stop:
	}
}

func (n *TunnelNode) run() {
	defer close(n.done)

	for {
		select {
		case <-n.stop:
			n.teardown()
			return

		case msg := <-n.commands:
			if n.stopped() {
				n.teardown()
				return
			}
			n.apply(msg)
		}
	}
}

func (n *TunnelNode) apply(msg *message.Message) {
	cmd, _ := msg.String()
	switch cmd {
	case CommandOn:
		n.on(msg)
	case CommandOff:
		n.off(msg)
	}
}

func (n *TunnelNode) on(msg *message.Message) {
	token := ""
	if n.creds != nil {
		token = n.creds.AuthToken()
	}

	if token == "" {
		n.reportError(ErrEmptyToken, msg)
		return
	}

	if h := n.current(); h != nil {
		n.l.WithField("url", h.url).Debug("Tunnel already open")
		n.send(msg, h.url)
		return
	}

	opts := n.opts
	opts.AuthToken = token

	ctx, cancel := n.callContext()
	t, err := n.provider.Open(ctx, opts)
	cancel()
	if err != nil {
		metricOpenErrors.Inc(1)
		n.reportError(&ProviderConnectError{Err: err}, msg)
		return
	}

	h := &tunnelHandle{t: t, url: t.URL(), opened: time.Now()}
	n.setHandle(h)
	metricOpenSuccess.Inc(1)
	metricLive.Inc(1)

	n.l.WithField("url", h.url).
		WithField("proto", opts.Proto).
		WithField("region", opts.Region).
		WithField("addr", opts.Addr()).
		Info("Tunnel opened")

	n.send(msg, h.url)
}

func (n *TunnelNode) off(msg *message.Message) {
	h := n.current()
	if h == nil {
		return
	}

	ctx, cancel := n.callContext()
	err := h.t.Close(ctx)
	cancel()

	// The handle is dropped even if the provider failed, a stuck handle would block every later `on`
	n.setHandle(nil)
	metricLive.Dec(1)

	if err != nil {
		metricCloseErrors.Inc(1)
		n.reportError(&ProviderDisconnectError{Err: err}, msg)
		return
	}

	metricCloseSuccess.Inc(1)
	n.l.WithField("url", h.url).WithField("uptime", time.Since(h.opened).Round(time.Second)).Info("Tunnel closed")
	n.send(msg, nil)
}

// teardown closes any live tunnel, failures are only logged since nothing is listening for them anymore
func (n *TunnelNode) teardown() {
	h := n.current()
	if h == nil {
		return
	}

	ctx, cancel := n.callContext()
	err := h.t.Close(ctx)
	cancel()

	n.setHandle(nil)
	metricLive.Dec(1)

	if err != nil {
		metricCloseErrors.Inc(1)
		n.l.WithError(err).WithField("url", h.url).Warn("Failed to close tunnel during shutdown")
		return
	}

	metricCloseSuccess.Inc(1)
	n.l.WithField("url", h.url).Info("Tunnel closed during shutdown")
}

func (n *TunnelNode) send(in *message.Message, payload any) {
	if n.stopped() {
		n.l.WithField("msgId", in.ID).Debug("Node is closed, discarding output")
		return
	}

	out := in.Clone()
	out.Payload = payload
	n.emit.Send(out)
}

func (n *TunnelNode) reportError(err error, in *message.Message) {
	if n.stopped() {
		n.l.WithError(err).WithField("msgId", in.ID).Warn("Node is closed, error not reported")
		return
	}

	n.emit.ReportError(err, in)
}

func (n *TunnelNode) callContext() (context.Context, context.CancelFunc) {
	if n.timeout > 0 {
		return context.WithTimeout(context.Background(), n.timeout)
	}
	return context.WithCancel(context.Background())
}

func (n *TunnelNode) current() *tunnelHandle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handle
}

func (n *TunnelNode) setHandle(h *tunnelHandle) {
	n.mu.Lock()
	n.handle = h
	n.mu.Unlock()
}

func (n *TunnelNode) stopped() bool {
	select {
	case <-n.stop:
		return true
	default:
		return false
	}
}

// Close stops accepting commands and drops those not yet started. A call already talking to the provider is
// allowed to finish, its result is discarded and any tunnel it left open is closed.
// Returns once that is done or ctx expires, in which case the cleanup continues in the background.
func (n *TunnelNode) Close(ctx context.Context) error {
	n.stopOnce.Do(func() {
		close(n.stop)
	})

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		n.l.Warn("Timed out waiting for tunnel node to close, continuing in the background")
		return ctx.Err()
	}
}

func (n *TunnelNode) Status() NodeStatus {
	s := NodeStatus{ID: n.id, Type: n.Type(), Name: n.name, State: "closed"}
	if h := n.current(); h != nil {
		s.State = "open"
		s.URL = h.url
		s.Since = h.opened
	}
	return s
}
