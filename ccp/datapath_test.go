package ccp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/claby2/ebpfcca/model"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (s *fakeSender) SendMsg(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, append([]byte(nil), msg...))
	return nil
}

func (s *fakeSender) sent(t *testing.T) []Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Header, 0, len(s.msgs))
	for _, msg := range s.msgs {
		h, _, rest, err := next(msg)
		require.NoError(t, err)
		require.Empty(t, rest)
		res = append(res, h)
	}
	return res
}

func (s *fakeSender) last(t *testing.T) (Header, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.msgs)
	h, body, _, err := next(s.msgs[len(s.msgs)-1])
	require.NoError(t, err)
	return h, body
}

type recordOps struct {
	mu    sync.Mutex
	cwnds []uint32
	rates []uint32
}

func (o *recordOps) SetCwnd(cwnd uint32) {
	o.mu.Lock()
	o.cwnds = append(o.cwnds, cwnd)
	o.mu.Unlock()
}

func (o *recordOps) SetRateAbs(rate uint32) {
	o.mu.Lock()
	o.rates = append(o.rates, rate)
	o.mu.Unlock()
}

func TestReady(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s, WithID(7))
	require.NoError(t, dp.Ready())

	h, body := s.last(t)
	assert.Equal(t, MsgReady, h.Type)
	var m ReadyMsg
	require.NoError(t, decodeBody(body, &m))
	assert.Equal(t, uint32(7), m.ID)
}

func TestStartAnnouncesFlow(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s, WithAlgorithm("cubic"))
	info := FlowInfo{InitCwnd: 10, MSS: 1460, SrcIP: 1, SrcPort: 1234, DstIP: 2, DstPort: 80}

	c1, err := dp.Start(&recordOps{}, info)
	require.NoError(t, err)
	c2, err := dp.Start(&recordOps{}, info)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c1.SID())
	assert.Equal(t, uint32(2), c2.SID())
	assert.Equal(t, 2, dp.Len())

	h, body := s.last(t)
	assert.Equal(t, MsgCreate, h.Type)
	assert.Equal(t, uint32(2), h.SID)
	var m CreateMsg
	require.NoError(t, decodeBody(body, &m))
	assert.Equal(t, uint32(10), m.InitCwnd)
	assert.Equal(t, uint32(1460), m.MSS)
	assert.Equal(t, uint32(1234), m.SrcPort)
	assert.Equal(t, uint32(80), m.DstPort)
	assert.Equal(t, "cubic", string(bytes.TrimRight(m.Algorithm[:], "\x00")))
}

func TestStartSendFailureReleasesSID(t *testing.T) {
	s := &fakeSender{err: errors.New("no peer")}
	dp := NewDatapath(s)
	conn, err := dp.Start(&recordOps{}, FlowInfo{})
	assert.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, 0, dp.Len())
}

func TestInvokeSendsMeasure(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s)
	conn, err := dp.Start(&recordOps{}, FlowInfo{})
	require.NoError(t, err)

	p := model.Primitives{BytesAcked: 1460, PacketsAcked: 1, WasTimeout: true, RttSampleUs: 2500, BytesPending: 9}
	require.NoError(t, conn.Invoke(p))

	h, body := s.last(t)
	assert.Equal(t, MsgMeasure, h.Type)
	assert.Equal(t, conn.SID(), h.SID)
	var m MeasureMsg
	require.NoError(t, decodeBody(body, &m))
	assert.Equal(t, uint32(model.NumPrimitives), m.NumFields)
	assert.Equal(t, p.Fields(), m.Fields[:])
}

func TestCloseSendsOnceAndDetaches(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s)
	conn, err := dp.Start(&recordOps{}, FlowInfo{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Invoke(model.Primitives{}), ErrClosed)
	_, ok := dp.Lookup(conn.SID())
	assert.False(t, ok)

	var types []uint16
	for _, h := range s.sent(t) {
		types = append(types, h.Type)
	}
	assert.Equal(t, []uint16{MsgCreate, MsgClose}, types)
}

func TestReportLimiter(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s, WithReportLimit(rate.Limit(0.001), 1))
	conn, err := dp.Start(&recordOps{}, FlowInfo{})
	require.NoError(t, err)

	require.NoError(t, conn.Invoke(model.Primitives{}))
	assert.ErrorIs(t, conn.Invoke(model.Primitives{}), ErrSuppressed)
	assert.Len(t, s.sent(t), 2)
}

func TestRecvUpdateFields(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s)
	ops := &recordOps{}
	conn, err := dp.Start(ops, FlowInfo{})
	require.NoError(t, err)

	msg, err := EncodeUpdateFields(conn.SID(), []UpdateField{
		{RegType: RegImplicit, RegIndex: ImplicitCwnd, Value: 20},
		{RegType: RegImplicit, RegIndex: ImplicitRate, Value: 125000},
		{RegType: RegImplicit, RegIndex: 0, Value: 99},
		{RegType: RegLocal, RegIndex: ImplicitCwnd, Value: 99},
	})
	require.NoError(t, err)
	require.NoError(t, dp.RecvMsg(msg))

	assert.Equal(t, []uint32{20}, ops.cwnds)
	assert.Equal(t, []uint32{125000}, ops.rates)
}

func TestRecvUnknownSIDIgnored(t *testing.T) {
	dp := NewDatapath(&fakeSender{})
	msg, err := EncodeUpdateFields(42, []UpdateField{{RegType: RegImplicit, RegIndex: ImplicitCwnd, Value: 1}})
	require.NoError(t, err)
	assert.NoError(t, dp.RecvMsg(msg))
}

func TestRecvBatchedDatagram(t *testing.T) {
	dp := NewDatapath(&fakeSender{})
	ops := &recordOps{}
	conn, err := dp.Start(ops, FlowInfo{})
	require.NoError(t, err)

	a, err := EncodeUpdateFields(conn.SID(), []UpdateField{{RegType: RegImplicit, RegIndex: ImplicitCwnd, Value: 1}})
	require.NoError(t, err)
	b, err := EncodeUpdateFields(conn.SID(), []UpdateField{{RegType: RegImplicit, RegIndex: ImplicitCwnd, Value: 2}})
	require.NoError(t, err)
	require.NoError(t, dp.RecvMsg(append(a, b...)))
	assert.Equal(t, []uint32{1, 2}, ops.cwnds)
}

func TestRecvChangeProg(t *testing.T) {
	s := &fakeSender{}
	dp := NewDatapath(s)
	ops := &recordOps{}
	conn, err := dp.Start(ops, FlowInfo{})
	require.NoError(t, err)

	msg, err := EncodeChangeProg(conn.SID(), 3, []UpdateField{{RegType: RegImplicit, RegIndex: ImplicitCwnd, Value: 30}})
	require.NoError(t, err)
	require.NoError(t, dp.RecvMsg(msg))
	assert.Equal(t, uint32(3), conn.ProgramUID())
	assert.Equal(t, []uint32{30}, ops.cwnds)

	require.NoError(t, conn.Invoke(model.Primitives{}))
	_, body := s.last(t)
	var m MeasureMsg
	require.NoError(t, decodeBody(body, &m))
	assert.Equal(t, uint32(3), m.ProgramUID)
}

func TestRecvInstallIgnored(t *testing.T) {
	dp := NewDatapath(&fakeSender{})
	msg := make([]byte, HeaderSize+16)
	binary.NativeEndian.PutUint16(msg[0:2], MsgInstall)
	binary.NativeEndian.PutUint16(msg[2:4], uint16(len(msg)))
	assert.NoError(t, dp.RecvMsg(msg))
}

func TestRecvDesync(t *testing.T) {
	dp := NewDatapath(&fakeSender{})
	good, err := EncodeUpdateFields(1, []UpdateField{{RegType: RegImplicit, RegIndex: ImplicitCwnd, Value: 1}})
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  []byte
		want error
	}{
		{"short header", []byte{1, 2, 3}, ErrMalformed},
		{"length past end", good[:len(good)-1], ErrMalformed},
		{"truncated updates", func() []byte {
			b := append([]byte(nil), good...)
			// claim two entries with room for one
			binary.NativeEndian.PutUint32(b[HeaderSize:], 2)
			return b
		}(), ErrMalformed},
		{"unknown type", func() []byte {
			b := append([]byte(nil), good...)
			binary.NativeEndian.PutUint16(b[0:2], 99)
			return b
		}(), ErrUnknownMessage},
		{"measure is outbound only", func() []byte {
			b := append([]byte(nil), good...)
			binary.NativeEndian.PutUint16(b[0:2], MsgMeasure)
			return b
		}(), ErrUnknownMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, dp.RecvMsg(tt.msg), tt.want)
		})
	}
}
