package biz

import (
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/protocol"
)

// Sink is an output plugin of the tap.
type Sink interface {
	Write(rec *protocol.Record) error
}

// Submitter accepts control commands for the kernel writeback.
type Submitter interface {
	Submit(cmd model.ControlCommand) error
}

// Limiter caps how many tap records reach the sinks.
type Limiter interface {
	Allow() bool
}
