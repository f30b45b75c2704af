package flowtunnel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/message"
)

// InjectNode emits a fixed payload, once after the flow starts when `once` is set and every time it receives a
// message.
type InjectNode struct {
	id      string
	l       *logrus.Entry
	payload any
	topic   string
	once    bool
	delay   time.Duration
	emit    Emitter

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newInjectNodeFromDef(f *Flow, def NodeDef, emit Emitter) (Node, error) {
	return &InjectNode{
		id:      def.ID,
		l:       f.l.WithField("nodeId", def.ID).WithField("nodeType", "inject"),
		payload: def.C.Get("payload"),
		topic:   def.C.GetString("topic", ""),
		once:    def.C.GetBool("once", false),
		delay:   def.C.GetDuration("delay", 100*time.Millisecond),
		emit:    emit,
	}, nil
}

func (n *InjectNode) ID() string {
	return n.id
}

func (n *InjectNode) Type() string {
	return "inject"
}

func (n *InjectNode) Start() {
	if !n.once {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.timer = time.AfterFunc(n.delay, n.fire)
}

func (n *InjectNode) Receive(_ *message.Message) {
	n.fire()
}

func (n *InjectNode) fire() {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}

	msg := message.New(n.payload)
	msg.Topic = n.topic
	n.l.WithField("msgId", msg.ID).WithField("payload", n.payload).Debug("Injecting message")
	n.emit.Send(msg)
}

func (n *InjectNode) Close(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
	}
	return nil
}
