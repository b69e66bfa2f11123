package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// FourTuple is the source and destination of a flow.
type FourTuple struct {
	SrcAddr psnet.Addr `json:"srcAddr"`
	DstAddr psnet.Addr `json:"dstAddr"`
}

func (t *FourTuple) String() string {
	return fmt.Sprintf("%v:%v -> %v:%v", t.SrcAddr.IP,
		t.SrcAddr.Port, t.DstAddr.IP, t.DstAddr.Port)
}

// FlowHandle is the per-flow state held by the congestion-control
// algorithm. Invoke and Close must be safe to call concurrently.
type FlowHandle interface {
	// SID is the identifier the algorithm knows the flow by.
	SID() uint32
	// Invoke forwards a measurement snapshot.
	Invoke(p Primitives) error
	// Close tells the algorithm the flow is gone. Later Invoke calls fail.
	Close() error
}

// Connection is the userspace state tied to one live FlowID.
type Connection struct {
	ID  FlowID
	Tag uuid.UUID

	Tuple     FourTuple
	InitCwnd  uint32
	MSS       uint32
	CreatedAt time.Time

	Handle FlowHandle

	Primitives Primitives
	Signals    uint64
}

// SID returns the algorithm identifier, or 0 without a handle.
func (c *Connection) SID() uint32 {
	if c.Handle == nil {
		return 0
	}
	return c.Handle.SID()
}
