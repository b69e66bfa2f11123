package kernel

import (
	"errors"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/claby2/ebpfcca/stream"
)

// RingReader adapts a BPF_MAP_TYPE_RINGBUF map to stream.RecordReader.
type RingReader struct {
	rd  *ringbuf.Reader
	rec ringbuf.Record
}

func NewRingReader(m *ebpf.Map) (*RingReader, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, err
	}
	return &RingReader{rd: rd}, nil
}

// Read blocks without a deadline. The record buffer is reused between calls.
func (r *RingReader) Read() ([]byte, error) {
	if err := r.rd.ReadInto(&r.rec); err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, stream.ErrClosed
		}
		return nil, err
	}
	return r.rec.RawSample, nil
}

func (r *RingReader) Close() error {
	return r.rd.Close()
}
