package plugin

import (
	"io"
	"os"

	"github.com/claby2/ebpfcca/protocol"
)

type StdOutput struct {
	codec protocol.Codec
	w     io.Writer
}

// NewStdOutput writes to stderr so that stdout stays with the shell.
func NewStdOutput(codec string) *StdOutput {
	return newStdOutput(codec, os.Stderr)
}

func newStdOutput(codec string, w io.Writer) *StdOutput {
	var o StdOutput
	o.codec = protocol.GetCodec(codec)
	o.w = w
	return &o
}

func (o *StdOutput) Close() error {
	return nil
}

func (o *StdOutput) Write(rec *protocol.Record) (err error) {
	var (
		data []byte
	)

	data, err = o.codec.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = o.w.Write(data)
	if err != nil {
		return err
	}
	// make it more readable
	_, err = o.w.Write([]byte{'\n'})
	return err
}

func (o *StdOutput) String() string {
	return "stdout tap"
}
