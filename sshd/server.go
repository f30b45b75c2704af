package sshd

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const handshakeTimeout = 10 * time.Second

// SSHServer is the admin console. Users authenticate with authorized keys and get a shell that dispatches to the
// registered commands.
type SSHServer struct {
	config *ssh.ServerConfig
	l      *logrus.Entry

	// Map of user -> authorized keys
	keysLock    sync.RWMutex
	trustedKeys map[string]map[string]bool

	commands *radix.Tree

	listenerLock sync.Mutex
	listener     net.Listener

	// Locks the conns/counter to avoid concurrent map access
	connsLock sync.Mutex
	conns     map[int]*session
	counter   int
}

// NewSSHServer creates a new ssh server rigged with the help command and prepares to listen
func NewSSHServer(l *logrus.Entry) (*SSHServer, error) {
	s := &SSHServer{
		trustedKeys: make(map[string]map[string]bool),
		l:           l,
		commands:    radix.New(),
		conns:       make(map[int]*session),
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: s.checkPublicKey,
		ServerVersion:     "SSH-2.0-flowtunnel",
	}

	s.RegisterCommand(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(a any, args []string, w StringWriter) error {
			return helpCallback(s.commands, args, w)
		},
	})

	return s, nil
}

func (s *SSHServer) checkPublicKey(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(pubKey)

	s.keysLock.RLock()
	tk, ok := s.trustedKeys[c.User()]
	if ok {
		ok = tk[string(pubKey.Marshal())]
	}
	s.keysLock.RUnlock()

	if tk == nil {
		return nil, fmt.Errorf("unknown user %s", c.User())
	}

	if !ok {
		return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
	}

	return &ssh.Permissions{
		// Record the public key used for authentication.
		Extensions: map[string]string{
			"fp":   fp,
			"user": c.User(),
		},
	}, nil
}

func (s *SSHServer) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %s", err)
	}

	s.config.AddHostKey(private)
	return nil
}

func (s *SSHServer) ClearAuthorizedKeys() {
	s.keysLock.Lock()
	s.trustedKeys = make(map[string]map[string]bool)
	s.keysLock.Unlock()
}

// AddAuthorizedKey adds an ssh public key for a user
func (s *SSHServer) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	tk, ok := s.trustedKeys[user]
	if !ok {
		tk = make(map[string]bool)
		s.trustedKeys[user] = tk
	}
	tk[string(pk.Marshal())] = true
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand adds a command that can be run by a user, by default only `help` is available
func (s *SSHServer) RegisterCommand(c *Command) {
	s.commands.Insert(c.Name, c)
}

// Dispatch runs a single command line and writes its output to w, the same way a shell session would.
func (s *SSHServer) Dispatch(line string, w StringWriter) {
	dispatchCommand(s.commands, line, w)
}

// Run begins listening and accepting connections, it blocks until Stop is called
func (s *SSHServer) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listenerLock.Lock()
	s.listener = ln
	s.listenerLock.Unlock()

	s.l.WithField("sshListener", addr).Info("SSH server is listening")

	// Run loops until there is an error
	s.run(ln)
	s.closeSessions()

	s.l.Info("SSH server stopped listening")
	// We don't return an error because run logs for us
	return nil
}

func (s *SSHServer) run(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			return
		}

		go s.handleConn(c)
	}
}

func (s *SSHServer) handleConn(c net.Conn) {
	conn, chans, reqs, err := s.handshakeWithTimeout(c, handshakeTimeout)
	if err != nil {
		s.l.WithError(err).WithField("remoteAddress", c.RemoteAddr()).Warn("failed to handshake")
		return
	}

	fp := conn.Permissions.Extensions["fp"]
	l := s.l.WithField("sshUser", conn.User())
	l.WithField("remoteAddress", c.RemoteAddr()).WithField("sshFingerprint", fp).Info("ssh user logged in")

	session := NewSession(s.commands, conn, chans, l.WithField("subsystem", "sshd.session"))
	s.connsLock.Lock()
	s.counter++
	counter := s.counter
	s.conns[counter] = session
	s.connsLock.Unlock()

	go ssh.DiscardRequests(reqs)

	<-session.exitChan
	s.l.WithField("id", counter).Debug("closing conn")
	s.connsLock.Lock()
	delete(s.conns, counter)
	s.connsLock.Unlock()
}

// handshakeWithTimeout bounds the ssh handshake so an idle client can not hold a connection open forever.
// The connection is closed on any failure.
func (s *SSHServer) handshakeWithTimeout(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
		done <- result{conn, chans, reqs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.Close()
			return nil, nil, nil, r.err
		}
		return r.conn, r.chans, r.reqs, nil

	case <-time.After(timeout):
		c.Close()
		// Reap the handshake goroutine, it fails quickly once the conn is closed
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, nil, nil, errors.New("handshake timeout")
	}
}

func (s *SSHServer) Stop() {
	// Close the listener, this will cause all session to terminate as well, see SSHServer.Run
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
		s.listener = nil
	}
}

func (s *SSHServer) closeSessions() {
	s.connsLock.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.connsLock.Unlock()
}
