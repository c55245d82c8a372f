package usock

import (
	"net"

	"github.com/bgromov/rtipc/fsm"
)

// Connector event types posted to its owner.
const (
	Connected EventType = iota + 200
	ConnectError
)

// Connector issues one asynchronous connect to a local-domain address and
// reports the outcome as a posted event, mirroring Listener's
// Accept/Accepted pairing but for the dialing side. Go's net.Dial does
// not distinguish "could not create the socket" from "could not connect
// it" the way a raw nonblocking connect(2) does; both failure modes are
// reported as one ConnectError.
type Connector struct {
	owner *fsm.Machine
}

// NewConnector returns a Connector that reports to owner.
func NewConnector(owner *fsm.Machine) *Connector {
	return &Connector{owner: owner}
}

// Dial connects to address and posts Connected(*Socket) on success or
// ConnectError(err) on failure.
func (c *Connector) Dial(address string) {
	owner := c.owner
	go func() {
		conn, err := net.Dial("unix", address)
		if err != nil {
			owner.Post(c, ConnectError, err)
			return
		}
		owner.Post(c, Connected, New(conn, owner))
	}()
}
