package biz

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/gofsm"
	slog "github.com/vearne/simplelog"

	"github.com/claby2/ebpfcca/ccp"
	"github.com/claby2/ebpfcca/kernel"
	"github.com/claby2/ebpfcca/metrics"
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/protocol"
	"github.com/claby2/ebpfcca/registry"
	"github.com/claby2/ebpfcca/writeback"
)

// stream names
const (
	StreamSignals     = "signals"
	StreamFlowCreated = "create_conn_events"
	StreamFlowFreed   = "free_conn_events"
)

// Bridge starts flows in the congestion control algorithm.
type Bridge interface {
	Start(ops ccp.CongestionOps, info ccp.FlowInfo) (*ccp.Connection, error)
}

// Manager coordinates the lifecycle of every flow. It is driven by the
// three kernel streams concurrently; the registry is the only state they
// share.
type Manager struct {
	reg    *registry.Registry
	bridge Bridge
	queue  Submitter
	tap    writeback.Publisher
	fsm    *fsm.StateMachine
}

// NewManager wires the coordinator. tap may be nil.
func NewManager(reg *registry.Registry, bridge Bridge, queue Submitter, tap writeback.Publisher) *Manager {
	m := &Manager{
		reg:    reg,
		bridge: bridge,
		queue:  queue,
		tap:    tap,
	}
	m.fsm = InitFlowFSM(&FlowEventProcessor{m: m})
	return m
}

// HandleSignal decodes one record of the signals stream.
func (m *Manager) HandleSignal(raw []byte) error {
	sig, err := kernel.DecodeSignal(raw)
	if err != nil {
		return err
	}
	metrics.RecordEvent(StreamSignals)
	m.OnSignal(sig)
	return nil
}

// HandleFlowCreated decodes one record of the create_conn_events stream.
func (m *Manager) HandleFlowCreated(raw []byte) error {
	ev, err := kernel.DecodeFlowCreated(raw)
	if err != nil {
		return err
	}
	metrics.RecordEvent(StreamFlowCreated)
	m.OnFlowCreated(ev)
	return nil
}

// HandleFlowFreed decodes one record of the free_conn_events stream.
func (m *Manager) HandleFlowFreed(raw []byte) error {
	ev, err := kernel.DecodeFlowFreed(raw)
	if err != nil {
		return err
	}
	metrics.RecordEvent(StreamFlowFreed)
	m.OnFlowFreed(ev)
	return nil
}

func (m *Manager) OnSignal(sig model.Signal) {
	m.trigger(&flowEvent{id: sig.ID, event: EventSignal, signal: &sig})
}

func (m *Manager) OnFlowCreated(ev model.FlowCreated) {
	m.trigger(&flowEvent{id: ev.ID, event: EventCreate, created: &ev})
}

func (m *Manager) OnFlowFreed(ev model.FlowFreed) {
	m.trigger(&flowEvent{id: ev.ID, event: EventFree})
}

// trigger returns the event for tests.
func (m *Manager) trigger(ev *flowEvent) *flowEvent {
	state := StateAbsent
	if m.reg.Has(ev.id) {
		state = StateActive
	}
	// action failures are reported by OnActionFailure
	_ = m.fsm.Trigger(state, ev.event, ev)
	return ev
}

func (m *Manager) start(ev *model.FlowCreated) (*model.Connection, error) {
	conn := &model.Connection{
		ID:        ev.ID,
		Tag:       uuid.New(),
		Tuple:     ev.FourTuple(),
		InitCwnd:  ev.InitCwnd,
		MSS:       ev.MSS,
		CreatedAt: time.Now(),
	}
	ops := &flowOps{id: ev.ID, tag: conn.Tag, queue: m.queue}
	handle, err := m.bridge.Start(ops, ccp.FlowInfo{
		InitCwnd: ev.InitCwnd,
		MSS:      ev.MSS,
		SrcIP:    ev.SrcIP,
		SrcPort:  ev.SrcPort,
		DstIP:    ev.DstIP,
		DstPort:  ev.DstPort,
	})
	if err != nil {
		return nil, err
	}
	conn.Handle = handle
	return conn, nil
}

func (m *Manager) create(ev *model.FlowCreated) error {
	conn, err := m.start(ev)
	if err != nil {
		return fmt.Errorf("start flow %v: %w", ev.ID, err)
	}
	m.reg.Insert(ev.ID, conn)
	metrics.SetLiveConnections(m.reg.Len())
	slog.Info("flow %v created, sid:%v, %v", ev.ID, conn.SID(), conn.Tuple.String())
	m.publishCreated(conn)
	return nil
}

// replace tears the old flow down in the algorithm before starting the
// new one under the same id.
func (m *Manager) replace(ev *model.FlowCreated) error {
	if old, ok := m.reg.Get(ev.ID); ok {
		slog.Warn("flow %v created again, replacing sid:%v", ev.ID, old.SID())
		if err := old.Handle.Close(); err != nil {
			slog.Warn("close sid %v: %v", old.SID(), err)
		}
		conn, err := m.start(ev)
		if err != nil {
			if m.reg.CompareAndRemove(ev.ID, old) {
				metrics.SetLiveConnections(m.reg.Len())
			}
			return fmt.Errorf("restart flow %v: %w", ev.ID, err)
		}
		m.reg.Insert(ev.ID, conn)
		m.publishCreated(conn)
		return nil
	}
	// freed in the meantime
	return m.create(ev)
}

func (m *Manager) reload(sig *model.Signal) error {
	var handle model.FlowHandle
	ok := m.reg.Update(sig.ID, func(conn *model.Connection) {
		conn.Primitives = sig.Primitives
		conn.Signals++
		handle = conn.Handle
	})
	if !ok {
		// freed after the state was read
		m.drop(&flowEvent{id: sig.ID, event: EventSignal})
		return nil
	}

	err := handle.Invoke(sig.Primitives)
	switch {
	case err == nil:
		metrics.RecordMeasurement(metrics.ResultSent)
	case errors.Is(err, ccp.ErrClosed):
		metrics.RecordMeasurement(metrics.ResultClosed)
		slog.Debug("signal for closing flow %v dropped", sig.ID)
		return nil
	case errors.Is(err, ccp.ErrSuppressed):
		metrics.RecordMeasurement(metrics.ResultSuppressed)
		return nil
	default:
		metrics.RecordMeasurement(metrics.ResultFailed)
		return fmt.Errorf("measurement for %v: %w", sig.ID, err)
	}
	m.publish(protocol.KindMeasurement, sig.ID, sig)
	return nil
}

// retire closes the flow in the algorithm first, so an update racing the
// free is addressed to a connection that no longer exists.
func (m *Manager) retire(id model.FlowID) error {
	conn, ok := m.reg.Get(id)
	if !ok {
		m.drop(&flowEvent{id: id, event: EventFree})
		return nil
	}
	var closeErr error
	if conn.Handle != nil {
		closeErr = conn.Handle.Close()
	}
	if m.reg.CompareAndRemove(id, conn) {
		metrics.SetLiveConnections(m.reg.Len())
		slog.Info("flow %v freed, sid:%v, signals:%v", id, conn.SID(), conn.Signals)
		m.publish(protocol.KindFlowFreed, id, model.FlowFreed{ID: id})
	}
	if closeErr != nil {
		return fmt.Errorf("close flow %v: %w", id, closeErr)
	}
	return nil
}

func (m *Manager) drop(ev *flowEvent) {
	metrics.RecordDrop(metrics.DropUnknownFlow)
	slog.Debug("%v for unknown flow %v dropped", ev.event, ev.id)
}

func (m *Manager) publishCreated(conn *model.Connection) {
	m.publish(protocol.KindFlowCreated, conn.ID, protocol.FlowCreatedEvent{
		Tag:      conn.Tag,
		SID:      conn.SID(),
		Tuple:    conn.Tuple,
		InitCwnd: conn.InitCwnd,
		MSS:      conn.MSS,
	})
}

func (m *Manager) publish(kind string, id model.FlowID, payload interface{}) {
	if m.tap == nil {
		return
	}
	rec, err := protocol.NewRecord(kind, id, payload)
	if err != nil {
		slog.Warn("tap record: %v", err)
		return
	}
	m.tap.Publish(rec)
}

// flowOps turns the algorithm's decisions for one connection instance into
// queued commands.
type flowOps struct {
	id    model.FlowID
	tag   uuid.UUID
	queue Submitter
}

func (o *flowOps) SetCwnd(cwnd uint32) {
	o.submit(model.CommandSetCwnd, cwnd)
}

func (o *flowOps) SetRateAbs(rate uint32) {
	o.submit(model.CommandSetRate, rate)
}

func (o *flowOps) submit(kind model.CommandKind, value uint32) {
	cmd := model.ControlCommand{Kind: kind, ID: o.id, Tag: o.tag, Value: value}
	if err := o.queue.Submit(cmd); err != nil {
		slog.Debug("%v not queued: %v", cmd, err)
	}
}
