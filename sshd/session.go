package sshd

import (
	"sort"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const prompt = " > "

type session struct {
	l        *logrus.Entry
	c        *ssh.ServerConn
	term     *term.Terminal
	commands *radix.Tree

	closeOnce sync.Once
	exitChan  chan struct{}
}

func NewSession(commands *radix.Tree, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, l *logrus.Entry) *session {
	s := &session{
		commands: radix.NewFromMap(commands.ToMap()),
		l:        l,
		c:        conn,
		exitChan: make(chan struct{}),
	}

	s.commands.Insert("logout", &Command{
		Name:             "logout",
		ShortDescription: "Ends the current session",
		Callback: func(a any, args []string, w StringWriter) error {
			s.Close()
			return nil
		},
	})

	go s.handleChannels(chans)
	return s
}

func (s *session) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			s.l.WithField("sshChannelType", newChannel.ChannelType()).Error("unknown channel type")
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.l.WithError(err).Warn("could not accept channel")
			continue
		}

		go s.handleRequests(requests, channel)
	}

	// The client went away without a logout
	s.Close()
}

func (s *session) handleRequests(in <-chan *ssh.Request, channel ssh.Channel) {
	for req := range in {
		var err error
		switch req.Type {
		case "shell":
			if s.term == nil {
				s.term = s.createTerm(channel)
				err = req.Reply(true, nil)
			} else {
				err = req.Reply(false, nil)
			}

		case "pty-req", "window-change":
			err = req.Reply(true, nil)

		case "exec":
			var payload = struct{ Value string }{}
			if cErr := ssh.Unmarshal(req.Payload, &payload); cErr != nil {
				_ = req.Reply(false, nil)
				return
			}

			_ = req.Reply(true, nil)
			dispatchCommand(s.commands, payload.Value, &stringWriter{channel})

			status := struct{ Status uint32 }{0}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(status))
			channel.Close()
			return

		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			err = req.Reply(false, nil)
		}

		if err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

func (s *session) createTerm(channel ssh.Channel) *term.Terminal {
	t := term.NewTerminal(channel, s.c.User()+"@flowtunnel"+prompt)
	t.AutoCompleteCallback = func(line string, pos int, key rune) (newLine string, newPos int, ok bool) {
		if key != '\t' {
			return "", 0, false
		}

		cmds := matchCommand(s.commands, line)
		if len(cmds) == 1 {
			return cmds[0] + " ", len(cmds[0]) + 1, true
		}

		sort.Strings(cmds)
		_, _ = t.Write([]byte(strings.Join(cmds, "\n") + "\n\n"))
		return "", 0, false
	}

	go s.handleInput()
	return t
}

func (s *session) handleInput() {
	defer s.Close()
	w := &stringWriter{w: s.term}
	for {
		line, err := s.term.ReadLine()
		if err != nil {
			break
		}

		dispatchCommand(s.commands, line, w)
	}
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.c.Close()
		close(s.exitChan)
	})
}
