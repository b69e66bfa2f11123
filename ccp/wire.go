package ccp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/claby2/ebpfcca/model"
)

// Message types. Every datagram carries one or more messages, each starting
// with a Header whose Len counts the header itself.
const (
	MsgCreate uint16 = iota
	MsgMeasure
	MsgInstall
	MsgUpdateFields
	MsgChangeProg
	MsgReady
	MsgClose
)

// Register types carried in update entries.
const (
	RegConst uint8 = iota
	RegImmediate
	RegImplicit
	RegPrimitive
	RegLocal
)

// Implicit register indices the datapath acts on.
const (
	ImplicitCwnd uint32 = 4
	ImplicitRate uint32 = 5
)

const (
	HeaderSize   = 8
	AlgorithmLen = 64
	// largest datagram we read or write
	MaxMessageSize = 1 << 16
)

var (
	ErrMalformed      = errors.New("ccp: malformed message")
	ErrUnknownMessage = errors.New("ccp: unknown message type")
)

type Header struct {
	Type uint16
	Len  uint16
	SID  uint32
}

type CreateMsg struct {
	InitCwnd  uint32
	MSS       uint32
	SrcIP     uint32
	SrcPort   uint32
	DstIP     uint32
	DstPort   uint32
	Algorithm [AlgorithmLen]byte
}

type MeasureMsg struct {
	ProgramUID uint32
	NumFields  uint32
	Fields     [model.NumPrimitives]uint64
}

type ReadyMsg struct {
	ID uint32
}

// UpdateField is packed on the wire: 13 bytes, no padding.
type UpdateField struct {
	RegType  uint8
	RegIndex uint32
	Value    uint64
}

type ChangeProgMsg struct {
	ProgramUID uint32
	NumUpdates uint32
}

var (
	updateFieldSize = binary.Size(UpdateField{})
	changeProgSize  = binary.Size(ChangeProgMsg{})
)

func encode(typ uint16, sid uint32, body interface{}) ([]byte, error) {
	size := HeaderSize
	if body != nil {
		size += binary.Size(body)
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("ccp: message of %d bytes too large", size)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	h := Header{Type: typ, Len: uint16(size), SID: sid}
	if err := binary.Write(&buf, binary.NativeEndian, &h); err != nil {
		return nil, err
	}
	if body != nil {
		if err := binary.Write(&buf, binary.NativeEndian, body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// next splits the first message off buf.
func next(buf []byte) (Header, []byte, []byte, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, nil, nil, fmt.Errorf("%w: %d bytes left for header", ErrMalformed, len(buf))
	}
	h.Type = binary.NativeEndian.Uint16(buf[0:2])
	h.Len = binary.NativeEndian.Uint16(buf[2:4])
	h.SID = binary.NativeEndian.Uint32(buf[4:8])
	if int(h.Len) < HeaderSize || int(h.Len) > len(buf) {
		return h, nil, nil, fmt.Errorf("%w: length %d with %d bytes available",
			ErrMalformed, h.Len, len(buf))
	}
	return h, buf[HeaderSize:h.Len], buf[h.Len:], nil
}

func decodeBody(body []byte, out interface{}) error {
	if len(body) < binary.Size(out) {
		return fmt.Errorf("%w: body of %d bytes, need %d", ErrMalformed, len(body), binary.Size(out))
	}
	return binary.Read(bytes.NewReader(body), binary.NativeEndian, out)
}

func decodeUpdates(body []byte, num uint32) ([]UpdateField, error) {
	if uint64(len(body)) < uint64(num)*uint64(updateFieldSize) {
		return nil, fmt.Errorf("%w: %d updates in %d bytes", ErrMalformed, num, len(body))
	}
	res := make([]UpdateField, num)
	if err := binary.Read(bytes.NewReader(body), binary.NativeEndian, res); err != nil {
		return nil, err
	}
	return res, nil
}

func algorithmName(name string) [AlgorithmLen]byte {
	var b [AlgorithmLen]byte
	// keep a trailing NUL
	copy(b[:AlgorithmLen-1], name)
	return b
}

// EncodeUpdateFields builds an UPDATE_FIELDS message. The datapath never
// sends one; tools playing the algorithm side do.
func EncodeUpdateFields(sid uint32, fields []UpdateField) ([]byte, error) {
	return encodeDynamic(MsgUpdateFields, sid, uint32(len(fields)), fields)
}

// EncodeChangeProg builds a CHANGE_PROG message followed by its updates.
func EncodeChangeProg(sid, programUID uint32, fields []UpdateField) ([]byte, error) {
	head := ChangeProgMsg{ProgramUID: programUID, NumUpdates: uint32(len(fields))}
	return encodeDynamic(MsgChangeProg, sid, head, fields)
}

func encodeDynamic(typ uint16, sid uint32, head interface{}, fields []UpdateField) ([]byte, error) {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.NativeEndian, head); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := binary.Write(&body, binary.NativeEndian, fields); err != nil {
			return nil, err
		}
	}
	size := HeaderSize + body.Len()
	if size > MaxMessageSize {
		return nil, fmt.Errorf("ccp: message of %d bytes too large", size)
	}
	out := make([]byte, HeaderSize, size)
	binary.NativeEndian.PutUint16(out[0:2], typ)
	binary.NativeEndian.PutUint16(out[2:4], uint16(size))
	binary.NativeEndian.PutUint32(out[4:8], sid)
	return append(out, body.Bytes()...), nil
}
