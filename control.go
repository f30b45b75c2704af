package flowtunnel

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/config"
	"github.com/slackhq/flowtunnel/sshd"
	"github.com/slackhq/flowtunnel/tunnel"
)

// Control is the running process, returned by Main. The flow it drives is replaced whenever a reload changes
// `flow`, `credentials` or `tunnel`.
type Control struct {
	l      *logrus.Logger
	c      *config.C
	ctx    context.Context
	cancel context.CancelFunc

	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart func()

	// provider is kept across reloads when it was handed to Main
	fixedProvider bool

	lock     sync.RWMutex
	provider tunnel.Provider
	flow     *Flow
	hooks    []ErrorHook
	started  bool
}

// Start runs the flow, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	c.c.CatchHUP(c.ctx)

	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	c.lock.Lock()
	c.started = true
	f := c.flow
	c.lock.Unlock()

	f.Start()
}

// Stop tears the flow down, closing every live tunnel, and returns once that is done
func (c *Control) Stop() {
	c.cancel()

	if c.ssh != nil {
		c.ssh.Stop()
	}

	c.lock.Lock()
	f := c.flow
	c.started = false
	c.lock.Unlock()

	if err := f.Close(context.Background()); err != nil {
		c.l.WithError(err).Error("Failed to close the flow cleanly")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Inject delivers payload to a node of the running flow, `c.Inject("n1", "on")` opens the tunnel of n1
func (c *Control) Inject(id string, payload any) error {
	return c.currentFlow().Inject(id, payload)
}

func (c *Control) ListNodes() []NodeStatus {
	return c.currentFlow().ListNodes()
}

func (c *Control) NodeStatus(id string) (NodeStatus, error) {
	n, ok := c.currentFlow().Node(id)
	if !ok {
		return NodeStatus{}, fmt.Errorf("unknown node %s", id)
	}

	if sr, ok := n.(StatusReporter); ok {
		return sr.Status(), nil
	}
	return NodeStatus{ID: n.ID(), Type: n.Type()}, nil
}

// OnError registers a hook on the running flow and on every flow built by a later reload
func (c *Control) OnError(h ErrorHook) {
	c.lock.Lock()
	c.hooks = append(c.hooks, h)
	f := c.flow
	c.lock.Unlock()

	f.OnError(h)
}

// Reload re-reads the config from disk, same as a HUP
func (c *Control) Reload() error {
	return c.c.ReloadConfig()
}

func (c *Control) currentFlow() *Flow {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.flow
}

// reloadFlow builds the new flow before touching the running one, a config that does not build keeps the old flow
func (c *Control) reloadFlow(cfg *config.C) {
	if !cfg.HasChanged("flow") && !cfg.HasChanged("credentials") && !cfg.HasChanged("tunnel") {
		return
	}

	c.lock.RLock()
	provider := c.provider
	hooks := c.hooks
	c.lock.RUnlock()

	if !c.fixedProvider && (cfg.HasChanged("tunnel.provider") || cfg.HasChanged("tunnel.ngrok") || cfg.HasChanged("tunnel.stub")) {
		p, err := newProviderFromConfig(c.l, cfg)
		if err != nil {
			c.l.WithError(err).Error("Failed to build the tunnel provider, keeping the running flow")
			return
		}
		provider = p
	}

	nf, err := newFlowFromConfig(c.l, cfg, provider)
	if err != nil {
		c.l.WithError(err).Error("Failed to build the new flow, keeping the running flow")
		return
	}
	for _, h := range hooks {
		nf.OnError(h)
	}

	c.lock.Lock()
	old := c.flow
	c.flow = nf
	c.provider = provider
	started := c.started
	c.lock.Unlock()

	start := time.Now()
	if err := old.Close(context.Background()); err != nil {
		c.l.WithError(err).Warn("Failed to close the previous flow cleanly")
	}

	if started {
		nf.Start()
	}

	c.l.WithField("closeDuration", time.Since(start)).Info("Flow reloaded")
}
