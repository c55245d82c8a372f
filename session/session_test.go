package session

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/usock"
)

// harness wires one Session to one end of a connected AF_UNIX socket
// pair, driving its own Reactor on a background goroutine. A stub
// owner Machine records every event the Session raises, so tests can
// observe Error/Stopped without a real AcceptSession or ConnectEndpoint.
type harness struct {
	reactor *fsm.Reactor
	conn    net.Conn
	base    *pipebase.Base
	sess    *Session
	raised  chan fsm.EventType
	started chan struct{}
}

type ownerSourceTag struct{}

// startSignal wraps a Base so the harness can tell when the Session has
// finished its handshake and started the pipe.
type startSignal struct {
	*pipebase.Base
	started chan struct{}
}

func (p startSignal) Start() error {
	close(p.started)
	return p.Base.Start()
}

// socketPair returns the two ends of a connected AF_UNIX stream socket.
// Unlike net.Pipe, a write completes without waiting for the peer to read,
// which the write-then-read handshake on both ends relies on.
func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "pair.sock"))
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)
	return client, server
}

func newHarness(t *testing.T, conn net.Conn, protocol uint16, isPeer func(uint16) bool) *harness {
	t.Helper()
	r := fsm.NewReactor(64)
	go r.Run()

	h := &harness{reactor: r, conn: conn, raised: make(chan fsm.EventType, 8)}
	owner := fsm.New("test.owner", r, nil, nil, func(source fsm.Source, typ fsm.EventType, _ interface{}) {
		if source == (ownerSourceTag{}) {
			h.raised <- typ
		}
	})

	base := pipebase.NewBase(pipebase.Config{Protocol: protocol, IsPeer: isPeer})
	pipe := startSignal{Base: base, started: make(chan struct{})}
	sess := New(r, owner, ownerSourceTag{}, nil)
	sess.Start(usock.New(conn, sess.Machine), pipe, 200*time.Millisecond)

	h.base = base
	h.sess = sess
	h.started = pipe.started
	return h
}

// waitActive blocks until the Session has completed its handshake and
// entered ACTIVE; Send and Recv are only legal from then on.
func (h *harness) waitActive(t *testing.T) {
	t.Helper()
	select {
	case <-h.started:
	case <-time.After(time.Second):
		t.Fatal("handshake never completed")
	}
}

// close closes the raw connection, unblocking any socket goroutine still
// waiting in Read/Write. It deliberately leaves the Reactor's goroutine
// running rather than racing a Close against an in-flight completion post
// from one of those goroutines; it exits on its own once the test binary
// does.
func (h *harness) close() {
	_ = h.conn.Close()
}

func waitIdle(t *testing.T, sess *Session, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sess.IsIdle() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session never reached idle")
}

func acceptAnyPeer(uint16) bool { return true }

func TestSessionRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, 8, 9, 4096, 1 << 20}

	for _, n := range sizes {
		clientConn, serverConn := socketPair(t)

		client := newHarness(t, clientConn, 1, acceptAnyPeer)
		server := newHarness(t, serverConn, 1, acceptAnyPeer)

		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}

		client.waitActive(t)
		err := client.sess.Send(pipebase.Msg{Body: payload})
		require.NoError(t, err)

		select {
		case <-server.base.ReceivedCh:
		case <-time.After(time.Second):
			t.Fatalf("n=%d: timed out waiting for message", n)
		}

		got, err := server.sess.Recv()
		require.NoError(t, err)
		assert.Equal(t, payload, got.Body, "n=%d", n)

		select {
		case <-client.base.SentCh:
		case <-time.After(time.Second):
			t.Fatalf("n=%d: timed out waiting for sent notification", n)
		}

		client.close()
		server.close()
	}
}

// TestSessionStopWhileActive stops a session whose handshake already
// completed successfully, i.e. whose StreamHdr child is already idle; this
// used to panic with a Violation from stopping an idle Machine.
func TestSessionStopWhileActive(t *testing.T) {
	clientConn, serverConn := socketPair(t)

	client := newHarness(t, clientConn, 1, acceptAnyPeer)
	server := newHarness(t, serverConn, 1, acceptAnyPeer)

	client.waitActive(t)
	require.NoError(t, client.sess.Send(pipebase.Msg{Body: []byte("hi")}))
	select {
	case <-server.base.ReceivedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	server.sess.Stop()
	waitIdle(t, server.sess, 2*time.Second)

	select {
	case typ := <-server.raised:
		assert.Equal(t, Stopped, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stopped")
	}

	client.close()
	server.close()
}

func TestSessionSendRefusesConcurrent(t *testing.T) {
	clientConn, serverConn := socketPair(t)

	client := newHarness(t, clientConn, 1, acceptAnyPeer)
	server := newHarness(t, serverConn, 1, acceptAnyPeer)

	client.waitActive(t)
	require.NoError(t, client.sess.Send(pipebase.Msg{Body: []byte("first")}))
	assert.Equal(t, ErrSendInProgress, client.sess.Send(pipebase.Msg{Body: []byte("second")}))

	<-server.base.ReceivedCh
	_, _ = server.sess.Recv()

	client.close()
	server.close()
}

func TestSessionHandshakeSignatureMismatch(t *testing.T) {
	clientConn, serverConn := socketPair(t)

	server := newHarness(t, serverConn, 1, acceptAnyPeer)

	// Write a deliberately bad 8-byte header instead of running a real
	// StreamHdr on the other end.
	go func() {
		_, _ = clientConn.Write([]byte("XXXX\x00\x00\x00\x00"))
	}()

	select {
	case typ := <-server.raised:
		assert.Equal(t, Error, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Error")
	}

	server.sess.Stop()
	waitIdle(t, server.sess, 2*time.Second)

	server.close()
	_ = clientConn.Close()
}

// TestSessionHandshakeNonPeerProtocol rejects only from the server's side
// (acceptAnyPeer on the client, a hard reject on the server): the server
// must see HandshakeFailure even though the client's own validation of
// the server's advertised protocol would have passed.
func TestSessionHandshakeNonPeerProtocol(t *testing.T) {
	clientConn, serverConn := socketPair(t)

	rejectAll := func(uint16) bool { return false }

	client := newHarness(t, clientConn, 7, acceptAnyPeer)
	server := newHarness(t, serverConn, 1, rejectAll)

	select {
	case typ := <-server.raised:
		assert.Equal(t, Error, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Error")
	}

	server.sess.Stop()
	waitIdle(t, server.sess, 2*time.Second)

	server.close()
	client.close()
}
