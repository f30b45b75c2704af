package flowtunnel

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"github.com/slackhq/flowtunnel/message"
)

// DebugNode logs every message it receives. With `qr` set, url payloads are also drawn as a QR code so a public
// tunnel url can be opened from a phone.
type DebugNode struct {
	id  string
	l   *logrus.Entry
	qr  bool
	out io.Writer
}

func newDebugNodeFromDef(f *Flow, def NodeDef, _ Emitter) (Node, error) {
	return &DebugNode{
		id:  def.ID,
		l:   f.l.WithField("nodeId", def.ID).WithField("nodeType", "debug"),
		qr:  def.C.GetBool("qr", false),
		out: f.l.Out,
	}, nil
}

func (n *DebugNode) ID() string {
	return n.id
}

func (n *DebugNode) Type() string {
	return "debug"
}

func (n *DebugNode) Receive(msg *message.Message) {
	l := n.l.WithField("msgId", msg.ID)
	if msg.Topic != "" {
		l = l.WithField("topic", msg.Topic)
	}

	if !msg.HasPayload() {
		l.Info("Message received without payload")
		return
	}

	l.WithField("payload", msg.Payload).Info("Message received")

	if n.qr {
		if s, ok := msg.String(); ok {
			if err := n.printQR(s); err != nil {
				l.WithError(err).Debug("Not rendering payload as a QR code")
			}
		}
	}
}

func (n *DebugNode) printQR(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("payload is not an absolute url")
	}

	q, err := qrcode.New(s, qrcode.Medium)
	if err != nil {
		return err
	}

	_, err = io.WriteString(n.out, q.ToSmallString(false))
	return err
}

func (n *DebugNode) Close(_ context.Context) error {
	return nil
}
