package flowtunnel

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// MessageMetrics counts messages leaving (tx) and arriving at (rx) nodes, by node type.
// Types not known when the metrics were built are counted as `other`.
type MessageMetrics struct {
	rx map[string]metrics.Counter
	tx map[string]metrics.Counter

	rxUnknown metrics.Counter
	txUnknown metrics.Counter
}

func (m *MessageMetrics) Rx(nodeType string, i int64) {
	if m == nil {
		return
	}
	if c, ok := m.rx[nodeType]; ok {
		c.Inc(i)
	} else if m.rxUnknown != nil {
		m.rxUnknown.Inc(i)
	}
}

func (m *MessageMetrics) Tx(nodeType string, i int64) {
	if m == nil {
		return
	}
	if c, ok := m.tx[nodeType]; ok {
		c.Inc(i)
	} else if m.txUnknown != nil {
		m.txUnknown.Inc(i)
	}
}

func newMessageMetrics(nodeTypes ...string) *MessageMetrics {
	gen := func(t string) map[string]metrics.Counter {
		h := make(map[string]metrics.Counter, len(nodeTypes))
		for _, nt := range nodeTypes {
			h[nt] = metrics.GetOrRegisterCounter(fmt.Sprintf("messages.%s.%s", t, nt), nil)
		}
		return h
	}

	return &MessageMetrics{
		rx: gen("rx"),
		tx: gen("tx"),

		rxUnknown: metrics.GetOrRegisterCounter("messages.rx.other", nil),
		txUnknown: metrics.GetOrRegisterCounter("messages.tx.other", nil),
	}
}
