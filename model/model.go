// Package model holds the values that flow between the kernel streams, the
// connection registry, the algorithm bridge and the kernel writeback.
package model

import (
	"encoding/binary"
	"fmt"
	"net"
)

// FlowID is the kernel-side socket address of a flow. It is unique among
// live flows only and may be handed out again once the flow is freed.
type FlowID uint64

func (id FlowID) String() string {
	return fmt.Sprintf("%#x", uint64(id))
}

// Primitives is the measurement snapshot the kernel samples for one flow.
type Primitives struct {
	BytesAcked        uint32 `json:"bytesAcked"`
	PacketsAcked      uint32 `json:"packetsAcked"`
	BytesMisordered   uint32 `json:"bytesMisordered"`
	PacketsMisordered uint32 `json:"packetsMisordered"`
	EcnBytes          uint32 `json:"ecnBytes"`
	EcnPackets        uint32 `json:"ecnPackets"`
	LostPktsSample    uint32 `json:"lostPktsSample"`
	WasTimeout        bool   `json:"wasTimeout"`
	// microseconds
	RttSampleUs uint64 `json:"rttSampleUs"`
	// bytes / s
	RateOutgoing uint64 `json:"rateOutgoing"`
	RateIncoming uint64 `json:"rateIncoming"`

	BytesInFlight   uint32 `json:"bytesInFlight"`
	PacketsInFlight uint32 `json:"packetsInFlight"`
	// bytes
	SndCwnd uint32 `json:"sndCwnd"`
	// bytes / s
	SndRate uint64 `json:"sndRate"`
	// not per-packet, an absolute measurement
	BytesPending uint32 `json:"bytesPending"`
}

// Fields returns the primitives in wire order.
func (p *Primitives) Fields() []uint64 {
	return []uint64{
		uint64(p.BytesAcked),
		uint64(p.PacketsAcked),
		uint64(p.BytesMisordered),
		uint64(p.PacketsMisordered),
		uint64(p.EcnBytes),
		uint64(p.EcnPackets),
		uint64(p.LostPktsSample),
		bool2Uint64(p.WasTimeout),
		p.RttSampleUs,
		p.RateOutgoing,
		p.RateIncoming,
		uint64(p.BytesInFlight),
		uint64(p.PacketsInFlight),
		uint64(p.SndCwnd),
		p.SndRate,
		uint64(p.BytesPending),
	}
}

// NumPrimitives is len(Primitives.Fields()).
const NumPrimitives = 16

// Signal is one measurement emission for a flow.
type Signal struct {
	ID         FlowID     `json:"id"`
	Primitives Primitives `json:"primitives"`
}

// FlowCreated marks the start of a flow's visible lifetime. Addresses and
// ports are kept exactly as the kernel reported them.
type FlowCreated struct {
	ID       FlowID `json:"id"`
	InitCwnd uint32 `json:"initCwnd"`
	MSS      uint32 `json:"mss"`
	SrcIP    uint32 `json:"srcIp"`
	SrcPort  uint32 `json:"srcPort"`
	DstIP    uint32 `json:"dstIp"`
	DstPort  uint32 `json:"dstPort"`
}

// FourTuple decodes the kernel addresses. IPv4 addresses are stored in
// network order, so their in-memory bytes are the dotted quad.
func (e *FlowCreated) FourTuple() FourTuple {
	var t FourTuple
	t.SrcAddr.IP = KernelIP(e.SrcIP).String()
	t.SrcAddr.Port = e.SrcPort
	t.DstAddr.IP = KernelIP(e.DstIP).String()
	t.DstAddr.Port = e.DstPort
	return t
}

// FlowFreed marks the end of a flow's visible lifetime.
type FlowFreed struct {
	ID FlowID `json:"id"`
}

// KernelIP converts a kernel __be32 read as a native integer into an IP.
func KernelIP(v uint32) net.IP {
	b := make([]byte, net.IPv4len)
	binary.NativeEndian.PutUint32(b, v)
	return net.IP(b)
}

// IPToKernel is the inverse of KernelIP.
func IPToKernel(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.NativeEndian.Uint32(ip4)
}

func bool2Uint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
