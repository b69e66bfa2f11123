// Package writeback serializes every userspace write into the kernel
// connections table. Producers submit commands without blocking; one Run
// loop applies them in submission order.
package writeback

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	slog "github.com/vearne/simplelog"

	"github.com/claby2/ebpfcca/kernel"
	"github.com/claby2/ebpfcca/metrics"
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/protocol"
)

const DefaultDepth = 1024

var ErrQueueFull = errors.New("writeback: queue full")

// Liveness tells whether a command still addresses the connection that
// produced it.
type Liveness interface {
	IsLive(id model.FlowID, tag uuid.UUID) bool
	Retired(id model.FlowID) bool
}

// Publisher receives tap records. It must not block.
type Publisher interface {
	Publish(rec *protocol.Record)
}

type Queue struct {
	cmds  chan model.ControlCommand
	table kernel.Table
	live  Liveness
	tap   Publisher

	applied atomic.Uint64
	dropped atomic.Uint64
}

func NewQueue(depth int, table kernel.Table, live Liveness, tap Publisher) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{
		cmds:  make(chan model.ControlCommand, depth),
		table: table,
		live:  live,
		tap:   tap,
	}
}

// Submit enqueues cmd. It never blocks; a full queue drops the command.
func (q *Queue) Submit(cmd model.ControlCommand) error {
	select {
	case q.cmds <- cmd:
		return nil
	default:
		q.dropped.Add(1)
		metrics.RecordDrop(metrics.DropQueueFull)
		metrics.RecordCommand(cmd.Kind.String(), metrics.ResultDropped)
		return ErrQueueFull
	}
}

// Run applies commands until ctx is done. Commands still queued at that
// point are discarded.
func (q *Queue) Run(ctx context.Context) error {
	slog.Info("[writeback] started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("[writeback] stopped, applied:%v, dropped:%v, pending:%v",
				q.applied.Load(), q.dropped.Load(), len(q.cmds))
			return nil
		case cmd := <-q.cmds:
			q.apply(cmd)
		}
	}
}

func (q *Queue) Applied() uint64 {
	return q.applied.Load()
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue) Pending() int {
	return len(q.cmds)
}

// apply performs one read-modify-write of the target's table entry. Only
// the field the command names changes.
func (q *Queue) apply(cmd model.ControlCommand) {
	if !q.live.IsLive(cmd.ID, cmd.Tag) {
		reason := metrics.DropStale
		if q.live.Retired(cmd.ID) {
			reason = metrics.DropRetired
		}
		q.drop(cmd, reason)
		return
	}

	rec, ok, err := q.table.Lookup(cmd.ID)
	if err != nil {
		slog.Error("[writeback] lookup %v: %v", cmd.ID, err)
		q.fail(cmd, err)
		return
	}
	if !ok {
		q.drop(cmd, metrics.DropNoEntry)
		return
	}

	rec.Apply(cmd)
	ok, err = q.table.Update(cmd.ID, rec)
	if err != nil {
		slog.Error("[writeback] update %v: %v", cmd.ID, err)
		q.fail(cmd, err)
		return
	}
	if !ok {
		// torn down between lookup and update
		q.drop(cmd, metrics.DropNoEntry)
		return
	}

	q.applied.Add(1)
	metrics.RecordCommand(cmd.Kind.String(), metrics.ResultApplied)
	slog.Debug("[writeback] %v applied, record:%+v", cmd, rec)
	q.publish(protocol.KindCommandApplied, protocol.CommandEvent{Command: cmd, Record: &rec})
}

func (q *Queue) drop(cmd model.ControlCommand, reason string) {
	q.dropped.Add(1)
	metrics.RecordDrop(reason)
	metrics.RecordCommand(cmd.Kind.String(), metrics.ResultDropped)
	slog.Debug("[writeback] %v dropped: %v", cmd, reason)
	q.publish(protocol.KindCommandDropped, protocol.CommandEvent{Command: cmd, Reason: reason})
}

func (q *Queue) fail(cmd model.ControlCommand, err error) {
	q.dropped.Add(1)
	metrics.RecordCommand(cmd.Kind.String(), metrics.ResultFailed)
	q.publish(protocol.KindCommandDropped, protocol.CommandEvent{Command: cmd, Reason: err.Error()})
}

func (q *Queue) publish(kind string, ev protocol.CommandEvent) {
	if q.tap == nil {
		return
	}
	rec, err := protocol.NewRecord(kind, ev.Command.ID, ev)
	if err != nil {
		slog.Warn("[writeback] tap record: %v", err)
		return
	}
	q.tap.Publish(rec)
}
