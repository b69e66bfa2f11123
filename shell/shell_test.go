package shell

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claby2/ebpfcca/kernel/kerneltest"
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/registry"
)

type handle struct{ sid uint32 }

func (h handle) SID() uint32 { return h.sid }

func (h handle) Invoke(model.Primitives) error { return nil }

func (h handle) Close() error { return nil }

type queue struct {
	cmds []model.ControlCommand
}

func (q *queue) Submit(cmd model.ControlCommand) error {
	q.cmds = append(q.cmds, cmd)
	return nil
}

type fixture struct {
	reg   *registry.Registry
	table *kerneltest.Table
	queue *queue
	out   bytes.Buffer
	err   bytes.Buffer
	sh    *Shell
}

func newFixture() *fixture {
	f := &fixture{
		reg:   registry.New(time.Minute),
		table: kerneltest.NewTable(),
		queue: &queue{},
	}
	f.sh = New(f.reg, f.table, f.queue, &f.out, &f.err)
	return f
}

func TestList(t *testing.T) {
	f := newFixture()
	conn := &model.Connection{ID: 0x10, Tag: uuid.New(), Handle: handle{sid: 3}}
	conn.Tuple.SrcAddr.IP = "10.0.0.1"
	conn.Tuple.SrcAddr.Port = 1234
	conn.Tuple.DstAddr.IP = "10.0.0.2"
	conn.Tuple.DstAddr.Port = 80
	f.reg.Insert(0x10, conn)
	f.table.Put(0x10, model.ConnectionRecord{Cwnd: 14600, PacingRate: 1000})
	f.table.Put(0x20, model.ConnectionRecord{Cwnd: 2920})

	assert.False(t, f.sh.Exec("list connections"))
	lines := strings.Split(strings.TrimSpace(f.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "0x10 (sid: 3): cwnd=14600 pacing_rate=1000 10.0.0.1:1234 -> 10.0.0.2:80 signals=0", lines[0])
	assert.Equal(t, "0x20 (sid: none): cwnd=2920 pacing_rate=0", lines[1])
	assert.Empty(t, f.err.String())
}

func TestSetCommands(t *testing.T) {
	f := newFixture()
	conn := &model.Connection{ID: 0x10, Tag: uuid.New(), Handle: handle{sid: 3}}
	f.reg.Insert(0x10, conn)

	f.sh.Exec("set-cwnd 3 20000")
	f.sh.Exec("set-rate 3 125000")
	require.Len(t, f.queue.cmds, 2)
	assert.Equal(t, model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x10, Tag: conn.Tag, Value: 20000}, f.queue.cmds[0])
	assert.Equal(t, model.ControlCommand{Kind: model.CommandSetRate, ID: 0x10, Tag: conn.Tag, Value: 125000}, f.queue.cmds[1])
	// nothing is written directly
	assert.Equal(t, 0, f.table.Writes())
}

func TestBadInput(t *testing.T) {
	f := newFixture()
	for _, line := range []string{
		"frobnicate",
		"set-cwnd 3",
		"set-cwnd x 1",
		"set-cwnd 3 -1",
		"set-rate 9 1",
		"list everything",
	} {
		f.err.Reset()
		assert.False(t, f.sh.Exec(line), line)
		assert.Contains(t, f.err.String(), "Error:", line)
	}
	assert.Empty(t, f.queue.cmds)
}

func TestRun(t *testing.T) {
	f := newFixture()
	in := strings.NewReader("help\n\nexit\nlist\n")
	require.NoError(t, f.sh.Run(context.Background(), in))
	assert.Contains(t, f.out.String(), "set-cwnd <sid>")
}

func TestRunEOF(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sh.Run(context.Background(), strings.NewReader("help\n")))
}
