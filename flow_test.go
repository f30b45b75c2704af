package flowtunnel

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/config"
	"github.com/slackhq/flowtunnel/message"
	"github.com/slackhq/flowtunnel/test"
	"github.com/slackhq/flowtunnel/tunnel"
	"github.com/slackhq/flowtunnel/tunnel/stub"
	"github.com/slackhq/flowtunnel/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureNode records everything delivered to it
type captureNode struct {
	id string
	recordingEmitter
}

func (n *captureNode) ID() string                    { return n.id }
func (n *captureNode) Type() string                  { return "helper" }
func (n *captureNode) Receive(msg *message.Message)  { n.Send(msg) }
func (n *captureNode) Close(_ context.Context) error { return nil }

type testFlow struct {
	*Flow
	provider *stub.Provider
	captures map[string]*captureNode

	mu     sync.Mutex
	errors []reportedError
}

func (tf *testFlow) Errors() []reportedError {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return append([]reportedError(nil), tf.errors...)
}

func (tf *testFlow) waitErrors(t *testing.T, n int) []reportedError {
	t.Helper()
	require.Eventually(t, func() bool { return len(tf.Errors()) >= n }, 2*time.Second, time.Millisecond)
	return tf.Errors()
}

func newTestFlow(t *testing.T, raw string) (*testFlow, error) {
	t.Helper()
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(raw))

	tf := &testFlow{
		provider: stub.NewProvider([]string{"dummy"}),
		captures: make(map[string]*captureNode),
	}
	tf.Flow = NewFlow(l, tf.provider)
	tf.RegisterType("helper", func(_ *Flow, def NodeDef, _ Emitter) (Node, error) {
		n := &captureNode{id: def.ID}
		tf.captures[def.ID] = n
		return n, nil
	})
	tf.OnError(func(nodeID string, err error, msg *message.Message) {
		tf.mu.Lock()
		tf.errors = append(tf.errors, reportedError{err: err, msg: msg})
		tf.mu.Unlock()
	})

	if err := tf.Load(c); err != nil {
		return nil, err
	}

	t.Cleanup(func() {
		_ = tf.Close(context.Background())
	})
	return tf, nil
}

func tunnelFlow(proto, region, token string) string {
	return fmt.Sprintf(`
flow:
  - id: n1
    type: ngrok
    port: "1880"
    region: %q
    proto: %q
    creds: creds
    subdomain: ""
    name: test
    wires: [[n2]]
  - id: creds
    type: ngrokauth
  - id: n2
    type: helper
credentials:
  n1:
    auth: "test:test"
  creds:
    authtoken: %q
`, region, proto, token)
}

func TestFlow_Load(t *testing.T) {
	tf, err := newTestFlow(t, "flow:\n  - id: n1\n    type: ngrok\n    name: test")
	require.NoError(t, err)

	nodes := tf.ListNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, NodeStatus{ID: "n1", Type: "ngrok", Name: "test", State: "closed"}, nodes[0])

	n, ok := tf.Node("n1")
	require.True(t, ok)
	assert.IsType(t, &TunnelNode{}, n)
	assert.Equal(t, tunnel.Options{Host: "localhost", Port: 1880, Proto: tunnel.ProtoHTTP, Region: tunnel.RegionUS}, n.(*TunnelNode).opts)

	assert.EqualError(t, tf.Load(config.NewC(test.NewLogger())), "flow is already loaded")
}

func TestFlow_OnThenOff(t *testing.T) {
	tf, err := newTestFlow(t, tunnelFlow("http", "us", "valid-token"))
	require.NoError(t, err)

	n2 := tf.captures["n2"]
	require.NotNil(t, n2)

	require.NoError(t, tf.Inject("n1", "on"))
	sent := n2.waitSent(t, 1)
	u, ok := sent[0].String()
	require.True(t, ok)
	pu, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "https", pu.Scheme)

	nodes := tf.ListNodes()
	assert.Equal(t, "open", nodes[0].State)
	assert.Equal(t, u, nodes[0].URL)

	require.NoError(t, tf.Inject("n1", "off"))
	sent = n2.waitSent(t, 2)
	assert.False(t, sent[1].HasPayload())
	assert.Empty(t, tf.Errors())
	assert.Equal(t, 0, tf.provider.Live())

	assert.EqualError(t, tf.Inject("n9", "on"), "unknown node n9")
}

func TestFlow_InvalidToken(t *testing.T) {
	tf, err := newTestFlow(t, tunnelFlow("http", "us", "dummy"))
	require.NoError(t, err)

	require.NoError(t, tf.Inject("n1", "on"))
	errs := tf.waitErrors(t, 1)
	var connectErr *ProviderConnectError
	assert.ErrorAs(t, errs[0].err, &connectErr)
	assert.Empty(t, tf.captures["n2"].Sent())
}

func TestFlow_EmptyToken(t *testing.T) {
	tf, err := newTestFlow(t, tunnelFlow("", "us", ""))
	require.NoError(t, err)

	require.NoError(t, tf.Inject("n1", "on"))
	errs := tf.waitErrors(t, 1)
	assert.EqualError(t, errs[0].err, "authtoken is empty")
	assert.Empty(t, tf.captures["n2"].Sent())
}

func TestFlow_Protocols(t *testing.T) {
	for _, proto := range []string{"http", "tcp", "tls"} {
		t.Run(proto, func(t *testing.T) {
			tf, err := newTestFlow(t, tunnelFlow(proto, "us", "valid-token"))
			require.NoError(t, err)

			require.NoError(t, tf.Inject("n1", "on"))
			sent := tf.captures["n2"].waitSent(t, 1)
			u, err := url.Parse(sent[0].Payload.(string))
			require.NoError(t, err)
			assert.NotEmpty(t, u.Host)
			if proto == "http" {
				assert.Equal(t, "https", u.Scheme)
			} else {
				assert.Equal(t, proto, u.Scheme)
			}
		})
	}
}

func TestFlow_Regions(t *testing.T) {
	for _, region := range tunnel.Regions {
		t.Run(string(region), func(t *testing.T) {
			tf, err := newTestFlow(t, tunnelFlow("http", string(region), "valid-token"))
			require.NoError(t, err)

			require.NoError(t, tf.Inject("n1", "on"))
			sent := tf.captures["n2"].waitSent(t, 1)
			u, err := url.Parse(sent[0].Payload.(string))
			require.NoError(t, err)
			assert.Contains(t, u.Host, "."+string(region)+".")
		})
	}
}

func TestFlow_BasicAuthDroppedForTCP(t *testing.T) {
	tf, err := newTestFlow(t, tunnelFlow("tcp", "eu", "valid-token"))
	require.NoError(t, err)
	n, _ := tf.Node("n1")
	assert.Nil(t, n.(*TunnelNode).opts.BasicAuth)

	tf, err = newTestFlow(t, tunnelFlow("http", "eu", "valid-token"))
	require.NoError(t, err)
	n, _ = tf.Node("n1")
	assert.Equal(t, &tunnel.BasicAuth{Username: "test", Password: "test"}, n.(*TunnelNode).opts.BasicAuth)
}

func TestFlow_SubdomainDroppedForTCP(t *testing.T) {
	l, lc := test.NewCaptureLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("flow:\n  - {id: n1, type: ngrok, proto: tcp, subdomain: myapp}\n  - {id: n2, type: ngrok, proto: tls, subdomain: myapp}"))

	f := NewFlow(l, stub.NewProvider(nil))
	require.NoError(t, f.Load(c))
	t.Cleanup(func() {
		_ = f.Close(context.Background())
	})

	n, _ := f.Node("n1")
	assert.Empty(t, n.(*TunnelNode).opts.Subdomain)
	n, _ = f.Node("n2")
	assert.Equal(t, "myapp", n.(*TunnelNode).opts.Subdomain)

	e := lc.Find("Subdomains do not apply to tcp tunnels, ignoring")
	require.NotNil(t, e)
	assert.Equal(t, "n1", e.Data["nodeId"])
	assert.Equal(t, "myapp", e.Data["subdomain"])
	assert.Len(t, lc.Messages(logrus.WarnLevel), 3, "one subdomain warning plus a missing credential warning per node")
}

func TestFlow_LoadErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  string
	}{
		{"missing id", "flow:\n  - type: ngrok", "flow[0] is missing an id"},
		{"missing type", "flow:\n  - id: n1", "flow node n1 is missing a type"},
		{"duplicate id", "flow:\n  - {id: n1, type: debug}\n  - {id: n1, type: debug}", "duplicate flow node id: n1"},
		{"unknown type", "flow:\n  - {id: n1, type: mqtt}", "flow node n1 has unknown type `mqtt`"},
		{"unknown wire", "flow:\n  - {id: n1, type: debug, wires: [[n2]]}", "flow node n1 is wired to unknown node n2"},
		{"bad port", "flow:\n  - {id: n1, type: ngrok, port: http}", "invalid port `http`"},
		{"port out of range", "flow:\n  - {id: n1, type: ngrok, port: 70000}", "port 70000 is out of range"},
		{"bad proto", "flow:\n  - {id: n1, type: ngrok, proto: udp}", "unknown proto `udp`"},
		{"bad region", "flow:\n  - {id: n1, type: ngrok, region: mars}", "unknown region `mars`"},
		{"bad subdomain", "flow:\n  - {id: n1, type: ngrok, subdomain: 'a/b'}", "invalid subdomain `a/b`"},
		{"bad auth", "flow:\n  - {id: n1, type: ngrok}\ncredentials:\n  n1:\n    auth: nocolon", "credentials.n1.auth: basic auth must be in the form user:password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestFlow(t, tt.raw)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestFlow_LoadErrorContext(t *testing.T) {
	_, err := newTestFlow(t, "flow:\n  - {id: n1, type: ngrok, proto: udp}")
	require.Error(t, err)
	assert.ErrorContains(t, err, "Failed to build flow node")

	var ce *util.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, map[string]any{"nodeId": "n1", "nodeType": "ngrok"}, ce.Fields)
	assert.EqualError(t, ce.RealError, "unknown proto `udp`, possible values: [http tcp tls]")
}

func TestFlow_InjectNodeStartsTunnel(t *testing.T) {
	tf, err := newTestFlow(t, `
flow:
  - id: trigger
    type: inject
    payload: "on"
    topic: boot
    once: true
    delay: 1ms
    wires: [n1]
  - id: n1
    type: ngrok
    creds: creds
    wires: [[n2]]
  - id: creds
    type: ngrokauth
  - id: n2
    type: helper
credentials:
  creds:
    authtoken: valid-token
`)
	require.NoError(t, err)

	// Nothing fires before Start
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, tf.captures["n2"].Sent())

	tf.Start()
	tf.Start()

	sent := tf.captures["n2"].waitSent(t, 1)
	assert.Equal(t, stub.URLFor(tunnel.Options{Port: 1880, Proto: tunnel.ProtoHTTP, Region: tunnel.RegionUS}), sent[0].Payload)
	assert.Equal(t, "boot", sent[0].Topic)
	assert.Equal(t, 1, tf.provider.Opened())

	// An inject node fires on every message it receives too
	require.NoError(t, tf.Inject("trigger", "anything"))
	tf.captures["n2"].waitSent(t, 2)
	assert.Equal(t, 1, tf.provider.Opened())

	require.NoError(t, tf.Close(context.Background()))
	assert.Equal(t, 0, tf.provider.Live())
}

func TestFlow_FanOut(t *testing.T) {
	tf, err := newTestFlow(t, `
flow:
  - {id: src, type: inject, payload: hello, wires: [[a, b], [c]]}
  - {id: a, type: helper}
  - {id: b, type: helper}
  - {id: c, type: helper}
`)
	require.NoError(t, err)

	require.NoError(t, tf.Inject("src", nil))
	for _, id := range []string{"a", "b", "c"} {
		sent := tf.captures[id].waitSent(t, 1)
		assert.Equal(t, "hello", sent[0].Payload)
	}

	// Each wired node gets its own copy
	tf.captures["a"].Sent()[0].Payload = "changed"
	assert.Equal(t, "hello", tf.captures["b"].Sent()[0].Payload)
	assert.Equal(t, tf.captures["a"].Sent()[0].ID, tf.captures["b"].Sent()[0].ID)
}

func TestFlow_CloseTearsDownTunnels(t *testing.T) {
	tf, err := newTestFlow(t, tunnelFlow("http", "us", "valid-token"))
	require.NoError(t, err)

	require.NoError(t, tf.Inject("n1", "on"))
	tf.captures["n2"].waitSent(t, 1)
	require.Equal(t, 1, tf.provider.Live())

	require.NoError(t, tf.Close(context.Background()))
	assert.Equal(t, 0, tf.provider.Live())
	assert.Len(t, tf.captures["n2"].Sent(), 1)
}

func TestFlattenWires(t *testing.T) {
	assert.Nil(t, flattenWires(nil))
	assert.Nil(t, flattenWires("n1"))
	assert.Equal(t, []string{"n1", "n2"}, flattenWires([]any{"n1", "n2"}))
	assert.Equal(t, []string{"n1", "n2", "n3"}, flattenWires([]any{[]any{"n1", "n2"}, []any{"n3"}, nil}))
}

func TestDebugNode_QR(t *testing.T) {
	out := &bytes.Buffer{}
	n := &DebugNode{id: "d1", l: test.NewLogger().WithField("nodeId", "d1"), qr: true, out: out}

	n.Receive(message.New("not a url"))
	n.Receive(message.New(42))
	n.Receive(message.New(nil))
	assert.Empty(t, out.String())

	n.Receive(message.New("https://abc.us.stub.flowtunnel.dev"))
	assert.NotEmpty(t, out.String())

	out.Reset()
	n.qr = false
	n.Receive(message.New("https://abc.us.stub.flowtunnel.dev"))
	assert.Empty(t, out.String())
}

func TestFlow_MessageMetrics(t *testing.T) {
	tf, err := newTestFlow(t, `
flow:
  - {id: src, type: inject, payload: hello, wires: [[a, d]]}
  - {id: a, type: helper}
  - {id: d, type: debug}
`)
	require.NoError(t, err)

	injectTx := metrics.GetOrRegisterCounter("messages.tx.inject", nil)
	debugRx := metrics.GetOrRegisterCounter("messages.rx.debug", nil)
	otherRx := metrics.GetOrRegisterCounter("messages.rx.other", nil)
	txBefore, debugBefore, otherBefore := injectTx.Count(), debugRx.Count(), otherRx.Count()

	require.NoError(t, tf.Inject("src", nil))
	tf.captures["a"].waitSent(t, 1)

	assert.Equal(t, txBefore+1, injectTx.Count())
	assert.Equal(t, debugBefore+1, debugRx.Count())
	assert.Equal(t, otherBefore+1, otherRx.Count())

	var nilMetrics *MessageMetrics
	nilMetrics.Rx("ngrok", 1)
	nilMetrics.Tx("ngrok", 1)
}
