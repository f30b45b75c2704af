package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"flag"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/slackhq/flowtunnel/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// newTCPConnPair returns both ends of a loopback tcp connection. Both sides of an ssh handshake write at once, which
// deadlocks on net.Pipe.
func newTCPConnPair(t *testing.T) (serverConn net.Conn, clientConn net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		ch <- dialResult{c, err}
	}()

	s, err := ln.Accept()
	require.NoError(t, err)
	ln.Close()

	r := <-ch
	require.NoError(t, r.err)

	t.Cleanup(func() {
		s.Close()
		r.conn.Close()
	})

	return s, r.conn
}

// newTestSSHServer returns a server with a throwaway host key and a client signer, authorized for "testuser" when
// addAuthorizedKey is set.
func newTestSSHServer(t *testing.T, addAuthorizedKey bool) (*SSHServer, ssh.Signer) {
	t.Helper()

	l := test.NewLogger()
	server, err := NewSSHServer(l.WithField("subsystem", "sshd"))
	require.NoError(t, err)

	// Generate ephemeral host key.
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKeyBlock, err := ssh.MarshalPrivateKey(hostPriv, "")
	require.NoError(t, err)
	require.NoError(t, server.SetHostKey(pem.EncodeToMemory(hostKeyBlock)))

	// Generate ephemeral client key.
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	require.NoError(t, err)

	if addAuthorizedKey {
		authorizedKey := string(ssh.MarshalAuthorizedKey(clientSigner.PublicKey()))
		require.NoError(t, server.AddAuthorizedKey("testuser", authorizedKey))
	}

	return server, clientSigner
}

func newClientConfig(user string, signer ssh.Signer) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test only
	}
}

func TestHandshakeWithTimeout_Success(t *testing.T) {
	server, clientSigner := newTestSSHServer(t, true)
	serverConn, clientConn := newTCPConnPair(t)

	type clientResult struct {
		conn ssh.Conn
		err  error
	}
	clientDone := make(chan clientResult, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(clientConn, "", newClientConfig("testuser", clientSigner))
		if err == nil {
			go ssh.DiscardRequests(reqs)
			go func() {
				for range chans {
				}
			}()
		}
		clientDone <- clientResult{c, err}
	}()
	t.Cleanup(func() {
		if r := <-clientDone; r.conn != nil {
			r.conn.Close()
		}
	})

	conn, chans, reqs, err := server.handshakeWithTimeout(serverConn, 5*time.Second)

	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.NotNil(t, chans)
	assert.NotNil(t, reqs)
	assert.Equal(t, "testuser", conn.Permissions.Extensions["user"])
	conn.Close()
}

func TestHandshakeWithTimeout_HandshakeError(t *testing.T) {
	server, clientSigner := newTestSSHServer(t, false)
	serverConn, clientConn := newTCPConnPair(t)

	clientDone := make(chan error, 1)
	go func() {
		_, _, _, err := ssh.NewClientConn(clientConn, "", newClientConfig("testuser", clientSigner))
		clientDone <- err
	}()
	t.Cleanup(func() { <-clientDone })

	conn, chans, reqs, err := server.handshakeWithTimeout(serverConn, 5*time.Second)

	require.Error(t, err)
	assert.NotEqual(t, "handshake timeout", err.Error())
	assert.Nil(t, conn)
	assert.Nil(t, chans)
	assert.Nil(t, reqs)
}

func TestHandshakeWithTimeout_Timeout(t *testing.T) {
	server, _ := newTestSSHServer(t, true)
	serverConn, _ := newTCPConnPair(t)

	conn, chans, reqs, err := server.handshakeWithTimeout(serverConn, 1*time.Millisecond)

	require.EqualError(t, err, "handshake timeout")
	assert.Nil(t, conn)
	assert.Nil(t, chans)
	assert.Nil(t, reqs)

	_, writeErr := serverConn.Write([]byte("probe"))
	assert.Error(t, writeErr, "serverConn should be closed after timeout")
}

func TestCheckPublicKey(t *testing.T) {
	server, clientSigner := newTestSSHServer(t, true)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	serverConn, clientConn := newTCPConnPair(t)
	clientDone := make(chan error, 1)
	go func() {
		_, _, _, err := ssh.NewClientConn(clientConn, "", newClientConfig("nobody", clientSigner))
		clientDone <- err
	}()
	_, _, _, err = server.handshakeWithTimeout(serverConn, 5*time.Second)
	require.Error(t, err)
	assert.Error(t, <-clientDone)

	serverConn, clientConn = newTCPConnPair(t)
	go func() {
		_, _, _, err := ssh.NewClientConn(clientConn, "", newClientConfig("testuser", otherSigner))
		clientDone <- err
	}()
	_, _, _, err = server.handshakeWithTimeout(serverConn, 5*time.Second)
	require.Error(t, err)
	assert.Error(t, <-clientDone)

	server.ClearAuthorizedKeys()
	serverConn, clientConn = newTCPConnPair(t)
	go func() {
		_, _, _, err := ssh.NewClientConn(clientConn, "", newClientConfig("testuser", clientSigner))
		clientDone <- err
	}()
	_, _, _, err = server.handshakeWithTimeout(serverConn, 5*time.Second)
	require.Error(t, err)
	assert.Error(t, <-clientDone)
}

func TestAddAuthorizedKey_Invalid(t *testing.T) {
	server, _ := newTestSSHServer(t, false)
	assert.Error(t, server.AddAuthorizedKey("testuser", "not a key"))
}

func TestSetHostKey_Invalid(t *testing.T) {
	server, _ := newTestSSHServer(t, false)
	assert.ErrorContains(t, server.SetHostKey([]byte("nope")), "failed to parse private key")
}

func TestExecCommand(t *testing.T) {
	server, clientSigner := newTestSSHServer(t, true)
	server.RegisterCommand(&Command{
		Name:             "echo",
		ShortDescription: "prints its arguments",
		Callback: func(_ any, args []string, w StringWriter) error {
			return w.WriteLine(strings.Join(args, ","))
		},
	})

	serverConn, clientConn := newTCPConnPair(t)
	go server.handleConn(serverConn)

	c, chans, reqs, err := ssh.NewClientConn(clientConn, "", newClientConfig("testuser", clientSigner))
	require.NoError(t, err)
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output(`echo a "b c"`)
	require.NoError(t, err)
	assert.Equal(t, "a,b c\n", string(out))
}

func TestDispatch(t *testing.T) {
	server, _ := newTestSSHServer(t, false)

	type flags struct {
		json *bool
	}
	var got []string
	var gotJSON bool
	server.RegisterCommand(&Command{
		Name:             "list",
		ShortDescription: "lists things",
		Help:             "list [-json]",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := flags{json: fl.Bool("json", false, "outputs as json")}
			return fl, &s
		},
		Callback: func(fs any, args []string, w StringWriter) error {
			got = args
			gotJSON = *fs.(*flags).json
			return w.WriteLine("ok")
		},
	})

	w := NewBufferWriter()
	server.Dispatch("list -json a b", w)
	assert.Equal(t, "ok\n", w.String())
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, gotJSON)

	w = NewBufferWriter()
	server.Dispatch("list -h", w)
	assert.Contains(t, w.String(), "list - lists things\n  list [-json]\n")
	assert.Contains(t, w.String(), "outputs as json")

	w = NewBufferWriter()
	server.Dispatch("nope", w)
	assert.Equal(t, "did not understand: nope\nAvailable commands:\nhelp - prints available commands or help <command> for specific usage info\nlist - lists things\n\n", w.String())

	w = NewBufferWriter()
	server.Dispatch("help nope", w)
	assert.Equal(t, "Command not available nope\n", w.String())

	w = NewBufferWriter()
	server.Dispatch(`list "unterminated`, w)
	assert.Contains(t, w.String(), "could not parse")
}

func TestMatchCommand(t *testing.T) {
	server, _ := newTestSSHServer(t, false)
	for _, n := range []string{"node-status", "list-nodes", "inject"} {
		server.RegisterCommand(&Command{Name: n, Callback: func(any, []string, StringWriter) error { return nil }})
	}

	assert.Equal(t, []string{"inject"}, matchCommand(server.commands, "in"))
	assert.Equal(t, []string{"list-nodes"}, matchCommand(server.commands, "l"))
	assert.Equal(t, []string{"help", "inject", "list-nodes", "node-status"}, matchCommand(server.commands, ""))
}
