package connect

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/session"
)

func acceptAnyPeer(uint16) bool { return true }

func TestBackoffScheduleValues(t *testing.T) {
	r := fsm.NewReactor(8)
	go r.Run()
	owner := fsm.New("test.owner", r, nil, nil, func(fsm.Source, fsm.EventType, interface{}) {})

	// current holds the interval the *next* Start will arm; after k
	// Starts it should reflect min(initial*2^k, max).
	schedule := []time.Duration{
		2 * time.Millisecond,
		8 * time.Millisecond,
		10 * time.Millisecond,
	}
	starts := []int{1, 3, 10}
	for i, n := range starts {
		b := NewBackoff(owner, time.Millisecond, 10*time.Millisecond)
		for k := 0; k < n; k++ {
			b.Start()
			b.Stop()
		}
		assert.Equal(t, schedule[i], b.current, "after %d starts", n)
	}
}

func TestBackoffZeroMaxUsesInitialThroughout(t *testing.T) {
	r := fsm.NewReactor(8)
	go r.Run()
	owner := fsm.New("test.owner", r, nil, nil, func(fsm.Source, fsm.EventType, interface{}) {})

	b := NewBackoff(owner, 5*time.Millisecond, 0)
	for k := 0; k < 5; k++ {
		b.Start()
		b.Stop()
	}
	assert.Equal(t, 5*time.Millisecond, b.current)
}

func newTestConnect(t *testing.T, r *fsm.Reactor, path string) (*ConnectEndpoint, *pipebase.DefaultEndpoint, chan fsm.EventType) {
	t.Helper()
	raised := make(chan fsm.EventType, 4)
	owner := fsm.New("test.owner", r, nil, nil, func(_ fsm.Source, typ fsm.EventType, _ interface{}) {
		raised <- typ
	})

	endpoint := pipebase.NewDefaultEndpoint(pipebase.EndpointConfig{
		Address: path, SndBuf: 4096, RcvBuf: 4096, Protocol: 1,
		ReconnectIvl: 20, ReconnectIvlMax: 80,
	})
	c := New(r, owner, struct{}{}, Config{
		Endpoint: endpoint,
		NewPipe: func(*session.Session) pipebase.PipeBase {
			return pipebase.NewBase(pipebase.Config{Protocol: 1, IsPeer: acceptAnyPeer})
		},
		HandshakeTimeout: 200 * time.Millisecond,
	}, nil)
	return c, endpoint, raised
}

// acceptOnceAndHandshake accepts exactly one connection on ln and drives the server side of the handshake, returning the accepted
// net.Conn once the handshake bytes are in flight.
func acceptOnceAndHandshake(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 8)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte{0x00, 'S', 'P', 0x00, 0x00, 0x01, 0x00, 0x00})
	}()
	return conn
}

func TestConnectEndpointEstablishesConnection(t *testing.T) {
	r := fsm.NewReactor(64)
	go r.Run()

	dir := t.TempDir()
	path := filepath.Join(dir, "rtipc.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	c, endpoint, _ := newTestConnect(t, r, path)
	c.Start()

	conn := acceptOnceAndHandshake(t, ln)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && endpoint.Stat(pipebase.StatEstablishedConns) < 1 {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(1), endpoint.Stat(pipebase.StatEstablishedConns))
}

func TestConnectEndpointRetriesWithBackoffBeforeListenerExists(t *testing.T) {
	r := fsm.NewReactor(64)
	go r.Run()

	dir := t.TempDir()
	path := filepath.Join(dir, "rtipc.sock")

	c, endpoint, _ := newTestConnect(t, r, path)
	c.Start()

	// Nothing is listening yet: the first dial fails, and the endpoint
	// should record a connect error and keep retrying (it transitions
	// through WAITING/STOPPING_BACKOFF on its own).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && endpoint.Stat(pipebase.StatConnectErrors) < 2 {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, endpoint.Stat(pipebase.StatConnectErrors), int64(2))

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	conn := acceptOnceAndHandshake(t, ln)
	defer conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && endpoint.Stat(pipebase.StatEstablishedConns) < 1 {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(1), endpoint.Stat(pipebase.StatEstablishedConns))
}

func TestConnectEndpointShutdownWhileActive(t *testing.T) {
	r := fsm.NewReactor(64)
	go r.Run()

	dir := t.TempDir()
	path := filepath.Join(dir, "rtipc.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	c, endpoint, raised := newTestConnect(t, r, path)
	c.Start()

	conn := acceptOnceAndHandshake(t, ln)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && endpoint.Stat(pipebase.StatEstablishedConns) < 1 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int64(1), endpoint.Stat(pipebase.StatEstablishedConns))

	c.Stop()

	select {
	case typ := <-raised:
		assert.Equal(t, Stopped, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectEndpoint Stopped")
	}
}
