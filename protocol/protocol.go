package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/claby2/ebpfcca/model"
)

const Version = 1

// record kinds
const (
	KindFlowCreated    = "flow_created"
	KindFlowFreed      = "flow_freed"
	KindMeasurement    = "measurement"
	KindCommandApplied = "command_applied"
	KindCommandDropped = "command_dropped"
)

// Record is one lifecycle event published to the tap.
type Record struct {
	Meta    Meta            `json:"meta"`
	Kind    string          `json:"kind"`
	FlowID  model.FlowID    `json:"flowId"`
	Payload json.RawMessage `json:"payload"`
}

type Meta struct {
	Version int    `json:"version"`
	UUID    string `json:"uuid"`
	// Nanosecond
	Timestamp int64 `json:"timestamp"`
}

// NewRecord stamps a record and encodes payload as JSON.
func NewRecord(kind string, id model.FlowID, payload interface{}) (*Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Record{
		Meta: Meta{
			Version:   Version,
			UUID:      uuid.NewString(),
			Timestamp: time.Now().UnixNano(),
		},
		Kind:    kind,
		FlowID:  id,
		Payload: data,
	}, nil
}

// CommandEvent is the payload of command records.
type CommandEvent struct {
	Command model.ControlCommand    `json:"command"`
	Reason  string                  `json:"reason,omitempty"`
	Record  *model.ConnectionRecord `json:"record,omitempty"`
}

// FlowCreatedEvent is the payload of flow_created records.
type FlowCreatedEvent struct {
	Tag      uuid.UUID       `json:"tag"`
	SID      uint32          `json:"sid"`
	Tuple    model.FourTuple `json:"tuple"`
	InitCwnd uint32          `json:"initCwnd"`
	MSS      uint32          `json:"mss"`
}
