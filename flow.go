package flowtunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/config"
	"github.com/slackhq/flowtunnel/message"
	"github.com/slackhq/flowtunnel/tunnel"
	"github.com/slackhq/flowtunnel/util"
	"golang.org/x/sync/errgroup"
)

// Node is a unit of a flow. Receive must not block for long, Close releases whatever the node holds.
type Node interface {
	ID() string
	Type() string
	Receive(msg *message.Message)
	Close(ctx context.Context) error
}

// Starter is implemented by nodes that do something once the flow is running.
type Starter interface {
	Start()
}

// StatusReporter is implemented by nodes with state worth showing.
type StatusReporter interface {
	Status() NodeStatus
}

// Emitter is handed to each node, it is the node's only way to talk to the rest of the flow.
type Emitter interface {
	// Send delivers msg to every node wired to the sender's output.
	Send(msg *message.Message)
	// ReportError surfaces err against the message that caused it.
	ReportError(err error, msg *message.Message)
}

type NodeStatus struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Name  string    `json:"name,omitempty"`
	State string    `json:"state,omitempty"`
	URL   string    `json:"url,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// NodeDef is a single entry of the `flow` config list.
type NodeDef struct {
	ID    string
	Type  string
	Name  string
	Wires []string

	// C holds every property of the definition
	C *config.C
	// Credentials holds `credentials.<id>`
	Credentials *config.C
}

type NodeConstructor func(f *Flow, def NodeDef, emit Emitter) (Node, error)

// ErrorHook is called for every error a node reports.
type ErrorHook func(nodeID string, err error, msg *message.Message)

const credentialNodeType = "ngrokauth"

type flowSettings struct {
	timeout         time.Duration
	queueSize       int
	shutdownTimeout time.Duration
}

// Flow wires nodes together from config. Nodes are built once by Load and never change afterwards, a new config
// means a new Flow.
type Flow struct {
	l        *logrus.Logger
	provider tunnel.Provider
	settings flowSettings
	types    map[string]NodeConstructor

	holders map[string]*AuthTokenHolder
	nodes   map[string]Node
	order   []string
	wires   map[string][]string

	hookLock   sync.RWMutex
	errorHooks []ErrorHook

	messageMetrics *MessageMetrics

	started bool
}

func NewFlow(l *logrus.Logger, provider tunnel.Provider) *Flow {
	return &Flow{
		l:        l,
		provider: provider,
		types: map[string]NodeConstructor{
			"ngrok":  newTunnelNodeFromDef,
			"inject": newInjectNodeFromDef,
			"debug":  newDebugNodeFromDef,
		},
		holders: make(map[string]*AuthTokenHolder),
		nodes:   make(map[string]Node),
		wires:   make(map[string][]string),
		settings: flowSettings{
			queueSize:       defaultQueueSize,
			shutdownTimeout: 10 * time.Second,
		},
		messageMetrics: newMessageMetrics("ngrok", "inject", "debug"),
	}
}

// RegisterType makes an additional node type available to Load.
func (f *Flow) RegisterType(typ string, ctor NodeConstructor) {
	f.types[typ] = ctor
}

// OnError registers a hook that is called for every reported error.
func (f *Flow) OnError(h ErrorHook) {
	f.hookLock.Lock()
	f.errorHooks = append(f.errorHooks, h)
	f.hookLock.Unlock()
}

// Load builds every node defined in `flow`. Credential holders are built first so any node can reference them.
func (f *Flow) Load(c *config.C) error {
	if len(f.nodes) > 0 {
		return errors.New("flow is already loaded")
	}

	f.settings.timeout = c.GetDuration("tunnel.timeout", 0)
	f.settings.queueSize = c.GetInt("tunnel.queue_size", defaultQueueSize)
	f.settings.shutdownTimeout = c.GetDuration("tunnel.shutdown_timeout", 10*time.Second)

	defs, err := parseNodeDefs(c)
	if err != nil {
		return err
	}

	for _, def := range defs {
		if def.Type != credentialNodeType {
			continue
		}
		f.holders[def.ID] = newAuthTokenHolder(def)
	}

	built := make([]Node, 0, len(defs))
	for _, def := range defs {
		if def.Type == credentialNodeType {
			continue
		}

		ctor, ok := f.types[def.Type]
		if !ok {
			_ = f.closeNodes(context.Background(), built)
			return fmt.Errorf("flow node %s has unknown type `%s`", def.ID, def.Type)
		}

		n, err := ctor(f, def, &nodeEmitter{f: f, id: def.ID})
		if err != nil {
			_ = f.closeNodes(context.Background(), built)
			return util.NewContextualError("Failed to build flow node", map[string]any{"nodeId": def.ID, "nodeType": def.Type}, err)
		}

		built = append(built, n)
		f.nodes[def.ID] = n
		f.order = append(f.order, def.ID)
		f.wires[def.ID] = def.Wires
	}

	for id, targets := range f.wires {
		for _, t := range targets {
			if _, ok := f.nodes[t]; !ok {
				_ = f.closeNodes(context.Background(), built)
				return fmt.Errorf("flow node %s is wired to unknown node %s", id, t)
			}
		}
	}

	f.l.WithField("nodes", len(f.nodes)).WithField("credentials", len(f.holders)).Info("Flow loaded")
	return nil
}

func parseNodeDefs(c *config.C) ([]NodeDef, error) {
	raw := c.GetMapSlice("flow", nil)
	creds := c.GetMap("credentials", nil)

	seen := make(map[string]struct{}, len(raw))
	defs := make([]NodeDef, 0, len(raw))
	for i, r := range raw {
		nc := c.Sub(r)
		def := NodeDef{
			ID:    nc.GetString("id", ""),
			Type:  nc.GetString("type", ""),
			Name:  nc.GetString("name", ""),
			Wires: flattenWires(nc.Get("wires")),
			C:     nc,
		}

		if def.ID == "" {
			return nil, fmt.Errorf("flow[%d] is missing an id", i)
		}

		if def.Type == "" {
			return nil, fmt.Errorf("flow node %s is missing a type", def.ID)
		}

		if _, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("duplicate flow node id: %s", def.ID)
		}
		seen[def.ID] = struct{}{}

		cm, _ := creds[def.ID].(map[string]any)
		def.Credentials = c.Sub(cm)
		defs = append(defs, def)
	}

	return defs, nil
}

// flattenWires accepts both a flat list of ids and a list of per-output lists
func flattenWires(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	var out []string
	for _, e := range list {
		switch x := e.(type) {
		case []any:
			out = append(out, flattenWires(x)...)
		case nil:
		default:
			out = append(out, fmt.Sprintf("%v", x))
		}
	}
	return out
}

// Start lets nodes that need to act on their own begin doing so.
func (f *Flow) Start() {
	if f.started {
		return
	}
	f.started = true

	for _, id := range f.order {
		if s, ok := f.nodes[id].(Starter); ok {
			s.Start()
		}
	}
}

// Inject delivers a new message carrying payload to the node with the given id.
func (f *Flow) Inject(id string, payload any) error {
	n, ok := f.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}

	n.Receive(message.New(payload))
	return nil
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (Node, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// ListNodes returns the status of every node in definition order.
func (f *Flow) ListNodes() []NodeStatus {
	out := make([]NodeStatus, 0, len(f.order))
	for _, id := range f.order {
		n := f.nodes[id]
		if sr, ok := n.(StatusReporter); ok {
			out = append(out, sr.Status())
			continue
		}
		out = append(out, NodeStatus{ID: id, Type: n.Type()})
	}
	return out
}

// Close tears every node down concurrently, see TunnelNode.Close for what happens to live tunnels.
func (f *Flow) Close(ctx context.Context) error {
	nodes := make([]Node, 0, len(f.order))
	for _, id := range f.order {
		nodes = append(nodes, f.nodes[id])
	}
	return f.closeNodes(ctx, nodes)
}

func (f *Flow) closeNodes(ctx context.Context, nodes []Node) error {
	ctx, cancel := context.WithTimeout(ctx, f.settings.shutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, n := range nodes {
		g.Go(func() error {
			if err := n.Close(ctx); err != nil {
				return fmt.Errorf("close %s: %w", n.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Flow) route(from string, msg *message.Message) {
	f.messageMetrics.Tx(f.nodes[from].Type(), 1)
	for _, id := range f.wires[from] {
		n := f.nodes[id]
		f.messageMetrics.Rx(n.Type(), 1)
		n.Receive(msg.Clone())
	}
}

func (f *Flow) reportError(from string, err error, msg *message.Message) {
	fields := map[string]any{"nodeId": from}
	if msg != nil {
		fields["msgId"] = msg.ID
	}
	util.NewContextualError("Node reported an error", fields, err).Log(f.l)

	f.hookLock.RLock()
	hooks := f.errorHooks
	f.hookLock.RUnlock()

	for _, h := range hooks {
		h(from, err, msg)
	}
}

type nodeEmitter struct {
	f  *Flow
	id string
}

func (e *nodeEmitter) Send(msg *message.Message) {
	e.f.route(e.id, msg)
}

func (e *nodeEmitter) ReportError(err error, msg *message.Message) {
	e.f.reportError(e.id, err, msg)
}
