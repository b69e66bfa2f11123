package model

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFourTuple(t *testing.T) {
	e := FlowCreated{
		ID:      0x1,
		SrcIP:   IPToKernel(net.ParseIP("10.0.0.1")),
		SrcPort: 1234,
		DstIP:   IPToKernel(net.ParseIP("10.0.0.2")),
		DstPort: 80,
	}
	tuple := e.FourTuple()
	assert.Equal(t, "10.0.0.1", tuple.SrcAddr.IP)
	assert.Equal(t, uint32(80), tuple.DstAddr.Port)
	assert.Equal(t, "10.0.0.1:1234 -> 10.0.0.2:80", tuple.String())
}

func TestRecordApplyIsFieldScoped(t *testing.T) {
	var r ConnectionRecord
	r.Apply(ControlCommand{Kind: CommandSetRate, ID: 1, Value: 125000})
	r.Apply(ControlCommand{Kind: CommandSetCwnd, ID: 1, Value: 14600})
	assert.Equal(t, uint32(14600), r.Cwnd)
	assert.Equal(t, uint32(125000), r.PacingRate)
}

func TestPrimitivesFields(t *testing.T) {
	p := Primitives{BytesAcked: 1460, WasTimeout: true, BytesPending: 7}
	fields := p.Fields()
	assert.Len(t, fields, NumPrimitives)
	assert.Equal(t, uint64(1460), fields[0])
	assert.Equal(t, uint64(1), fields[7])
	assert.Equal(t, uint64(7), fields[NumPrimitives-1])
}

func TestCommandKindString(t *testing.T) {
	assert.Equal(t, "SetCwnd", CommandSetCwnd.String())
	assert.Equal(t, "UNKNOW", CommandKind(9).String())
}
