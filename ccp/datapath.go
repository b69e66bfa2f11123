// Package ccp is the datapath side of the congestion control plane
// protocol. A Datapath registers flows with the external algorithm, forwards
// their measurements, and routes the algorithm's decisions back to
// per-flow CongestionOps.
package ccp

import (
	"errors"
	"fmt"
	"sync"

	slog "github.com/vearne/simplelog"
	"golang.org/x/time/rate"
)

const DefaultAlgorithm = "reno"

// CongestionOps receives the algorithm's decisions for one flow. It is
// called from the receive loop and must not block.
type CongestionOps interface {
	SetCwnd(cwnd uint32)
	SetRateAbs(rate uint32)
}

// FlowInfo is announced to the algorithm when a flow starts.
type FlowInfo struct {
	InitCwnd uint32
	MSS      uint32
	SrcIP    uint32
	SrcPort  uint32
	DstIP    uint32
	DstPort  uint32
}

// Sender delivers one encoded message to the algorithm.
type Sender interface {
	SendMsg(msg []byte) error
}

type Option func(*Datapath)

// WithID sets the datapath id announced in READY.
func WithID(id uint32) Option {
	return func(d *Datapath) { d.id = id }
}

// WithAlgorithm names the algorithm requested in CREATE.
func WithAlgorithm(name string) Option {
	return func(d *Datapath) { d.algorithm = name }
}

// WithReportLimit caps measurements per flow. rate.Inf disables the cap.
func WithReportLimit(limit rate.Limit, burst int) Option {
	return func(d *Datapath) {
		d.reportLimit = limit
		d.reportBurst = burst
	}
}

type Datapath struct {
	id          uint32
	algorithm   string
	sender      Sender
	reportLimit rate.Limit
	reportBurst int

	mu      sync.RWMutex
	nextSID uint32
	conns   map[uint32]*Connection
}

func NewDatapath(sender Sender, opts ...Option) *Datapath {
	d := &Datapath{
		algorithm:   DefaultAlgorithm,
		sender:      sender,
		reportLimit: rate.Inf,
		reportBurst: 1,
		nextSID:     1,
		conns:       make(map[uint32]*Connection),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reportBurst < 1 {
		d.reportBurst = 1
	}
	return d
}

// Ready announces the datapath to the algorithm.
func (d *Datapath) Ready() error {
	msg, err := encode(MsgReady, 0, &ReadyMsg{ID: d.id})
	if err != nil {
		return err
	}
	return d.sender.SendMsg(msg)
}

// Start allocates a socket id for a new flow and announces it. On a send
// failure the id is released and no connection is returned.
func (d *Datapath) Start(ops CongestionOps, info FlowInfo) (*Connection, error) {
	if ops == nil {
		return nil, errors.New("ccp: nil congestion ops")
	}
	d.mu.Lock()
	sid := d.allocSID()
	conn := &Connection{
		dp:      d,
		sid:     sid,
		ops:     ops,
		limiter: rate.NewLimiter(d.reportLimit, d.reportBurst),
	}
	d.conns[sid] = conn
	d.mu.Unlock()

	msg, err := encode(MsgCreate, sid, &CreateMsg{
		InitCwnd:  info.InitCwnd,
		MSS:       info.MSS,
		SrcIP:     info.SrcIP,
		SrcPort:   info.SrcPort,
		DstIP:     info.DstIP,
		DstPort:   info.DstPort,
		Algorithm: algorithmName(d.algorithm),
	})
	if err == nil {
		err = d.sender.SendMsg(msg)
	}
	if err != nil {
		d.release(sid)
		return nil, fmt.Errorf("ccp: create sid %d: %w", sid, err)
	}
	return conn, nil
}

// allocSID skips 0 and ids still in use. Caller holds d.mu.
func (d *Datapath) allocSID() uint32 {
	for {
		sid := d.nextSID
		d.nextSID++
		if sid == 0 {
			continue
		}
		if _, used := d.conns[sid]; !used {
			return sid
		}
	}
}

func (d *Datapath) release(sid uint32) {
	d.mu.Lock()
	delete(d.conns, sid)
	d.mu.Unlock()
}

func (d *Datapath) Lookup(sid uint32) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conn, ok := d.conns[sid]
	return conn, ok
}

func (d *Datapath) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.conns)
}

// RecvMsg handles one datagram from the algorithm. Any returned error
// means the stream can no longer be trusted.
func (d *Datapath) RecvMsg(buf []byte) error {
	for len(buf) > 0 {
		h, body, rest, err := next(buf)
		if err != nil {
			return err
		}
		if err = d.handle(h, body); err != nil {
			return err
		}
		buf = rest
	}
	return nil
}

func (d *Datapath) handle(h Header, body []byte) error {
	switch h.Type {
	case MsgUpdateFields:
		var num uint32
		if err := decodeBody(body, &num); err != nil {
			return err
		}
		fields, err := decodeUpdates(body[4:], num)
		if err != nil {
			return err
		}
		d.apply(h.SID, fields)
	case MsgChangeProg:
		var cp ChangeProgMsg
		if err := decodeBody(body, &cp); err != nil {
			return err
		}
		fields, err := decodeUpdates(body[changeProgSize:], cp.NumUpdates)
		if err != nil {
			return err
		}
		if conn, ok := d.Lookup(h.SID); ok {
			conn.setProgram(cp.ProgramUID)
			slog.Debug("sid %d changed program to %d", h.SID, cp.ProgramUID)
		}
		d.apply(h.SID, fields)
	case MsgInstall:
		slog.Debug("sid %d install of %d bytes ignored", h.SID, len(body))
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessage, h.Type)
	}
	return nil
}

func (d *Datapath) apply(sid uint32, fields []UpdateField) {
	if len(fields) == 0 {
		return
	}
	conn, ok := d.Lookup(sid)
	if !ok {
		slog.Debug("update for unknown sid %d dropped", sid)
		return
	}
	for _, f := range fields {
		if f.RegType != RegImplicit {
			continue
		}
		switch f.RegIndex {
		case ImplicitCwnd:
			conn.ops.SetCwnd(uint32(f.Value))
		case ImplicitRate:
			conn.ops.SetRateAbs(uint32(f.Value))
		}
	}
}

func (d *Datapath) send(msg []byte) error {
	return d.sender.SendMsg(msg)
}
