package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/claby2/ebpfcca/consts"
	"github.com/claby2/ebpfcca/model"
)

const CodecSimpleName = "simple"

func init() {
	RegisterCodec(CodecSimple{})
}

// CodecSimple writes a record as three lines.
type CodecSimple struct{}

func (c CodecSimple) Marshal(rec *Record) ([]byte, error) {
	buff := bytes.NewBuffer(make([]byte, 0))
	// line 1
	// {version} {uuid} {timestamp}
	buff.WriteString(fmt.Sprintf("%d %s %d", rec.Meta.Version, rec.Meta.UUID, rec.Meta.Timestamp))
	buff.Write([]byte{'\n'})
	// line 2
	// {kind} {flow id}
	buff.WriteString(fmt.Sprintf("%s %d", rec.Kind, uint64(rec.FlowID)))
	buff.Write([]byte{'\n'})
	// line 3
	// payload
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	// the payload must stay on one line
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, err
	}
	buff.Write(compact.Bytes())
	buff.Write([]byte{'\n'})
	return buff.Bytes(), nil
}

func (c CodecSimple) Unmarshal(data []byte, rec *Record) error {
	var err error
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte{'\n'})
	if len(lines) != 3 {
		return consts.ErrProtocal
	}
	// line 1
	strList := strings.Split(string(lines[0]), " ")
	if len(strList) != 3 {
		return consts.ErrProtocal
	}
	rec.Meta.Version, err = strconv.Atoi(strList[0])
	if err != nil {
		return err
	}
	rec.Meta.UUID = strList[1]
	rec.Meta.Timestamp, err = strconv.ParseInt(strList[2], 10, 64)
	if err != nil {
		return err
	}
	// line 2
	strList = strings.Split(string(lines[1]), " ")
	if len(strList) != 2 {
		return consts.ErrProtocal
	}
	rec.Kind = strList[0]
	id, err := strconv.ParseUint(strList[1], 10, 64)
	if err != nil {
		return err
	}
	rec.FlowID = model.FlowID(id)
	// line 3
	rec.Payload = append(rec.Payload[:0], lines[2]...)
	return nil
}

func (c CodecSimple) Name() string {
	return CodecSimpleName
}
