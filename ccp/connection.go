package ccp

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/claby2/ebpfcca/model"
)

var (
	ErrClosed = errors.New("ccp: connection closed")
	// ErrSuppressed is returned by Invoke when the report limiter holds a
	// measurement back.
	ErrSuppressed = errors.New("ccp: measurement suppressed")
)

// Connection is one flow as the algorithm knows it.
type Connection struct {
	dp      *Datapath
	sid     uint32
	ops     CongestionOps
	limiter *rate.Limiter

	mu         sync.Mutex
	programUID uint32
	closed     bool
}

func (c *Connection) SID() uint32 {
	return c.sid
}

func (c *Connection) ProgramUID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programUID
}

func (c *Connection) setProgram(uid uint32) {
	c.mu.Lock()
	c.programUID = uid
	c.mu.Unlock()
}

// Invoke sends a measurement report. Nothing is retried.
func (c *Connection) Invoke(p model.Primitives) error {
	c.mu.Lock()
	closed, uid := c.closed, c.programUID
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.limiter.Allow() {
		return ErrSuppressed
	}

	m := MeasureMsg{ProgramUID: uid, NumFields: model.NumPrimitives}
	copy(m.Fields[:], p.Fields())
	msg, err := encode(MsgMeasure, c.sid, &m)
	if err != nil {
		return err
	}
	return c.dp.send(msg)
}

// Close detaches the connection and tells the algorithm the flow is gone.
// Only the first call sends.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.dp.release(c.sid)
	msg, err := encode(MsgClose, c.sid, nil)
	if err != nil {
		return err
	}
	return c.dp.send(msg)
}

var _ model.FlowHandle = (*Connection)(nil)
