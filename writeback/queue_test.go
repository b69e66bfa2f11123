package writeback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claby2/ebpfcca/kernel/kerneltest"
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/protocol"
	"github.com/claby2/ebpfcca/registry"
)

type capture struct {
	mu   sync.Mutex
	recs []*protocol.Record
}

func (c *capture) Publish(rec *protocol.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func (c *capture) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]string, 0, len(c.recs))
	for _, r := range c.recs {
		res = append(res, r.Kind)
	}
	return res
}

type fixture struct {
	reg   *registry.Registry
	table *kerneltest.Table
	tap   *capture
	q     *Queue
}

func newFixture(depth int) *fixture {
	f := &fixture{
		reg:   registry.New(time.Minute),
		table: kerneltest.NewTable(),
		tap:   &capture{},
	}
	f.q = NewQueue(depth, f.table, f.reg, f.tap)
	return f
}

func (f *fixture) live(id model.FlowID, rec model.ConnectionRecord) *model.Connection {
	conn := &model.Connection{ID: id, Tag: uuid.New()}
	f.reg.Insert(id, conn)
	f.table.Put(id, rec)
	return conn
}

func TestFieldScopedWrites(t *testing.T) {
	f := newFixture(8)
	conn := f.live(0x1, model.ConnectionRecord{Cwnd: 10, PacingRate: 500})

	f.q.apply(model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1, Tag: conn.Tag, Value: 20})
	rec, _ := f.table.Get(0x1)
	assert.Equal(t, model.ConnectionRecord{Cwnd: 20, PacingRate: 500}, rec)

	f.q.apply(model.ControlCommand{Kind: model.CommandSetRate, ID: 0x1, Tag: conn.Tag, Value: 900})
	rec, _ = f.table.Get(0x1)
	assert.Equal(t, model.ConnectionRecord{Cwnd: 20, PacingRate: 900}, rec)

	assert.Equal(t, 2, f.table.Writes())
	assert.Equal(t, uint64(2), f.q.Applied())
	assert.Equal(t, []string{protocol.KindCommandApplied, protocol.KindCommandApplied}, f.tap.kinds())
}

func TestRetiredCommandIsNoop(t *testing.T) {
	f := newFixture(8)
	conn := f.live(0x1, model.ConnectionRecord{Cwnd: 10})
	f.reg.Remove(0x1)

	f.q.apply(model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1, Tag: conn.Tag, Value: 20})
	rec, _ := f.table.Get(0x1)
	assert.Equal(t, uint32(10), rec.Cwnd)
	assert.Equal(t, 0, f.table.Writes())
	assert.Equal(t, uint64(1), f.q.Dropped())
	assert.Equal(t, []string{protocol.KindCommandDropped}, f.tap.kinds())
}

func TestStaleTagIsNoop(t *testing.T) {
	f := newFixture(8)
	old := f.live(0x1, model.ConnectionRecord{Cwnd: 10})
	// the id came back as a new flow
	f.live(0x1, model.ConnectionRecord{Cwnd: 10})

	f.q.apply(model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1, Tag: old.Tag, Value: 99})
	assert.Equal(t, 0, f.table.Writes())
}

func TestAbsentEntryIsNoop(t *testing.T) {
	f := newFixture(8)
	conn := f.live(0x1, model.ConnectionRecord{Cwnd: 10})
	f.table.Delete(0x1)

	f.q.apply(model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1, Tag: conn.Tag, Value: 20})
	_, ok := f.table.Get(0x1)
	assert.False(t, ok, "writeback must not recreate a torn-down entry")
	assert.Equal(t, uint64(1), f.q.Dropped())
}

func TestUpdateErrorDropped(t *testing.T) {
	f := newFixture(8)
	conn := f.live(0x1, model.ConnectionRecord{Cwnd: 10})
	f.table.UpdateErr = errors.New("map busy")

	f.q.apply(model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1, Tag: conn.Tag, Value: 20})
	assert.Equal(t, uint64(0), f.q.Applied())
	assert.Equal(t, uint64(1), f.q.Dropped())
}

func TestSubmitFullQueue(t *testing.T) {
	f := newFixture(1)
	cmd := model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1}
	require.NoError(t, f.q.Submit(cmd))
	assert.ErrorIs(t, f.q.Submit(cmd), ErrQueueFull)
	assert.Equal(t, 1, f.q.Pending())
	assert.Equal(t, uint64(1), f.q.Dropped())
}

func TestRunAppliesInOrder(t *testing.T) {
	f := newFixture(16)
	conn := f.live(0x1, model.ConnectionRecord{})

	for v := uint32(1); v <= 10; v++ {
		require.NoError(t, f.q.Submit(model.ControlCommand{Kind: model.CommandSetCwnd, ID: 0x1, Tag: conn.Tag, Value: v}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.q.Run(ctx) }()

	require.Eventually(t, func() bool { return f.q.Applied() == 10 }, 5*time.Second, time.Millisecond)
	rec, _ := f.table.Get(0x1)
	assert.Equal(t, uint32(10), rec.Cwnd)

	cancel()
	assert.NoError(t, <-done)
}
