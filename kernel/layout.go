// Package kernel mirrors the enforcement program's record layouts and wraps
// the ring buffers and the connections table it shares with userspace.
package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/claby2/ebpfcca/model"
)

// ErrShortRecord means a record is smaller than the layout it should carry,
// i.e. the kernel program and this binary were built from different headers.
var ErrShortRecord = errors.New("kernel: short record")

// struct signal
type rawSignal struct {
	SockAddr          uint64
	BytesAcked        uint32
	PacketsAcked      uint32
	BytesMisordered   uint32
	PacketsMisordered uint32
	EcnBytes          uint32
	EcnPackets        uint32
	LostPktsSample    uint32
	WasTimeout        bool
	_                 [3]byte
	RttSampleUs       uint64
	RateOutgoing      uint64
	RateIncoming      uint64
	BytesInFlight     uint32
	PacketsInFlight   uint32
	SndCwnd           uint32
	_                 [4]byte
	SndRate           uint64
	BytesPending      uint32
	_                 [4]byte
}

// struct create_conn_event
type rawCreateConnEvent struct {
	SockAddr uint64
	InitCwnd uint32
	MSS      uint32
	SrcIP    uint32
	SrcPort  uint32
	DstIP    uint32
	DstPort  uint32
}

// struct free_conn_event
type rawFreeConnEvent struct {
	SockAddr uint64
}

var (
	SignalSize      = binary.Size(rawSignal{})
	FlowCreatedSize = binary.Size(rawCreateConnEvent{})
	FlowFreedSize   = binary.Size(rawFreeConnEvent{})
	RecordSize      = binary.Size(model.ConnectionRecord{})
)

func decode(raw []byte, size int, name string, out interface{}) error {
	if len(raw) < size {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrShortRecord, name, len(raw), size)
	}
	return binary.Read(bytes.NewReader(raw[:size]), binary.NativeEndian, out)
}

func encode(in interface{}) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, binary.Size(in)))
	// writes into a bytes.Buffer only fail for unsupported types
	_ = binary.Write(buf, binary.NativeEndian, in)
	return buf.Bytes()
}

func DecodeSignal(raw []byte) (model.Signal, error) {
	var r rawSignal
	if err := decode(raw, SignalSize, "signal", &r); err != nil {
		return model.Signal{}, err
	}
	return model.Signal{
		ID: model.FlowID(r.SockAddr),
		Primitives: model.Primitives{
			BytesAcked:        r.BytesAcked,
			PacketsAcked:      r.PacketsAcked,
			BytesMisordered:   r.BytesMisordered,
			PacketsMisordered: r.PacketsMisordered,
			EcnBytes:          r.EcnBytes,
			EcnPackets:        r.EcnPackets,
			LostPktsSample:    r.LostPktsSample,
			WasTimeout:        r.WasTimeout,
			RttSampleUs:       r.RttSampleUs,
			RateOutgoing:      r.RateOutgoing,
			RateIncoming:      r.RateIncoming,
			BytesInFlight:     r.BytesInFlight,
			PacketsInFlight:   r.PacketsInFlight,
			SndCwnd:           r.SndCwnd,
			SndRate:           r.SndRate,
			BytesPending:      r.BytesPending,
		},
	}, nil
}

func EncodeSignal(s model.Signal) []byte {
	p := s.Primitives
	return encode(&rawSignal{
		SockAddr:          uint64(s.ID),
		BytesAcked:        p.BytesAcked,
		PacketsAcked:      p.PacketsAcked,
		BytesMisordered:   p.BytesMisordered,
		PacketsMisordered: p.PacketsMisordered,
		EcnBytes:          p.EcnBytes,
		EcnPackets:        p.EcnPackets,
		LostPktsSample:    p.LostPktsSample,
		WasTimeout:        p.WasTimeout,
		RttSampleUs:       p.RttSampleUs,
		RateOutgoing:      p.RateOutgoing,
		RateIncoming:      p.RateIncoming,
		BytesInFlight:     p.BytesInFlight,
		PacketsInFlight:   p.PacketsInFlight,
		SndCwnd:           p.SndCwnd,
		SndRate:           p.SndRate,
		BytesPending:      p.BytesPending,
	})
}

func DecodeFlowCreated(raw []byte) (model.FlowCreated, error) {
	var r rawCreateConnEvent
	if err := decode(raw, FlowCreatedSize, "create_conn_event", &r); err != nil {
		return model.FlowCreated{}, err
	}
	return model.FlowCreated{
		ID:       model.FlowID(r.SockAddr),
		InitCwnd: r.InitCwnd,
		MSS:      r.MSS,
		SrcIP:    r.SrcIP,
		SrcPort:  r.SrcPort,
		DstIP:    r.DstIP,
		DstPort:  r.DstPort,
	}, nil
}

func EncodeFlowCreated(e model.FlowCreated) []byte {
	return encode(&rawCreateConnEvent{
		SockAddr: uint64(e.ID),
		InitCwnd: e.InitCwnd,
		MSS:      e.MSS,
		SrcIP:    e.SrcIP,
		SrcPort:  e.SrcPort,
		DstIP:    e.DstIP,
		DstPort:  e.DstPort,
	})
}

func DecodeFlowFreed(raw []byte) (model.FlowFreed, error) {
	var r rawFreeConnEvent
	if err := decode(raw, FlowFreedSize, "free_conn_event", &r); err != nil {
		return model.FlowFreed{}, err
	}
	return model.FlowFreed{ID: model.FlowID(r.SockAddr)}, nil
}

func EncodeFlowFreed(e model.FlowFreed) []byte {
	return encode(&rawFreeConnEvent{SockAddr: uint64(e.ID)})
}
