package bind

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

func newTestBind(t *testing.T, r *fsm.Reactor, path string) (*BindEndpoint, *pipebase.DefaultEndpoint, chan fsm.EventType) {
	t.Helper()
	raised := make(chan fsm.EventType, 4)
	owner := fsm.New("test.owner", r, nil, nil, func(_ fsm.Source, typ fsm.EventType, _ interface{}) {
		raised <- typ
	})

	endpoint := pipebase.NewDefaultEndpoint(pipebase.EndpointConfig{
		Address: path, SndBuf: 4096, RcvBuf: 4096, Protocol: 1,
	})
	b := New(r, owner, struct{}{}, Config{
		Endpoint: endpoint,
		NewPipe: func(*session.Session) pipebase.PipeBase {
			return pipebase.NewBase(pipebase.Config{Protocol: 1, IsPeer: acceptAnyPeer})
		},
		HandshakeTimeout: 200 * time.Millisecond,
	}, nil)
	return b, endpoint, raised
}

func dialAndHandshake(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	go func() {
		_, _ = conn.Write([]byte{0x00, 'S', 'P', 0x00, 0x00, 0x01, 0x00, 0x00})
	}()
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	return conn
}

func TestBindEndpointAcceptsConnections(t *testing.T) {
	r := fsm.NewReactor(64)
	go r.Run()

	dir := t.TempDir()
	path := filepath.Join(dir, "rtipc.sock")

	b, endpoint, _ := newTestBind(t, r, path)
	require.NoError(t, b.Start())

	conn1 := dialAndHandshake(t, path)
	defer conn1.Close()
	conn2 := dialAndHandshake(t, path)
	defer conn2.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && endpoint.Stat(pipebase.StatAcceptedConnections) < 2 {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(2), endpoint.Stat(pipebase.StatAcceptedConnections))
}

func TestBindEndpointShutdown(t *testing.T) {
	r := fsm.NewReactor(64)
	go r.Run()

	dir := t.TempDir()
	path := filepath.Join(dir, "rtipc.sock")

	b, endpoint, raised := newTestBind(t, r, path)
	require.NoError(t, b.Start())

	conn := dialAndHandshake(t, path)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && endpoint.Stat(pipebase.StatAcceptedConnections) < 1 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int64(1), endpoint.Stat(pipebase.StatAcceptedConnections))

	b.Stop()

	select {
	case typ := <-raised:
		assert.Equal(t, Stopped, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BindEndpoint Stopped")
	}
}
