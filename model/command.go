package model

import (
	"fmt"

	"github.com/google/uuid"
)

type CommandKind uint8

const (
	CommandSetCwnd CommandKind = iota
	CommandSetRate
)

var commandKindStr = map[CommandKind]string{
	CommandSetCwnd: "SetCwnd",
	CommandSetRate: "SetRate",
}

func (k CommandKind) String() string {
	if name, ok := commandKindStr[k]; ok {
		return name
	}
	return "UNKNOW"
}

// ControlCommand is one algorithm decision addressed to a flow. Tag is the
// Connection instance that produced it; a command whose tag no longer matches
// the live connection is stale.
type ControlCommand struct {
	Kind  CommandKind `json:"kind"`
	ID    FlowID      `json:"id"`
	Tag   uuid.UUID   `json:"tag"`
	Value uint32      `json:"value"`
}

func (c ControlCommand) String() string {
	return fmt.Sprintf("%v(%v, %d)", c.Kind, c.ID, c.Value)
}

// ConnectionRecord mirrors the kernel connections table value.
type ConnectionRecord struct {
	// bytes
	Cwnd uint32 `json:"cwnd"`
	// bytes / s, sk_pacing_rate
	PacingRate uint32 `json:"pacingRate"`
}

// Apply sets only the field the command targets.
func (r *ConnectionRecord) Apply(cmd ControlCommand) {
	switch cmd.Kind {
	case CommandSetCwnd:
		r.Cwnd = cmd.Value
	case CommandSetRate:
		r.PacingRate = cmd.Value
	}
}
