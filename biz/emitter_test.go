package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claby2/ebpfcca/config"
	"github.com/claby2/ebpfcca/filter"
	"github.com/claby2/ebpfcca/protocol"
)

type testSink struct {
	mu     sync.Mutex
	recs   []*protocol.Record
	err    error
	closed bool
}

func (s *testSink) Write(rec *protocol.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *testSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *testSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestEmitterFanOut(t *testing.T) {
	settings := config.Default()
	settings.ExcludeFilterKind = []string{"measurement"}
	chain, err := NewFilterChain(&settings)
	require.NoError(t, err)

	e := NewEmitter(16, chain, nil)
	good := &testSink{}
	broken := &testSink{err: errors.New("disk full")}
	plugins := &Plugins{Sinks: []Sink{good, broken}, All: []interface{}{good, broken}}

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx, plugins)

	e.Publish(&protocol.Record{Kind: protocol.KindFlowCreated})
	e.Publish(&protocol.Record{Kind: protocol.KindMeasurement})
	e.Publish(&protocol.Record{Kind: protocol.KindFlowFreed})

	require.Eventually(t, func() bool { return good.len() == 2 }, 5*time.Second, time.Millisecond)
	// a failing sink does not starve the others
	assert.Equal(t, 2, broken.len())

	cancel()
	e.Close()
	assert.True(t, good.closed)
	assert.True(t, broken.closed)
}

func TestEmitterNeverBlocks(t *testing.T) {
	e := NewEmitter(1, emptyChain(t), nil)
	e.Publish(&protocol.Record{Kind: protocol.KindFlowCreated})
	e.Publish(&protocol.Record{Kind: protocol.KindFlowCreated})
	assert.Equal(t, uint64(1), e.Dropped())

	var nilEmitter *Emitter
	nilEmitter.Publish(&protocol.Record{})
}

func TestEmitterDrainsOnShutdown(t *testing.T) {
	e := NewEmitter(8, emptyChain(t), nil)
	for i := 0; i < 5; i++ {
		e.Publish(&protocol.Record{Kind: protocol.KindFlowCreated})
	}
	sink := &testSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Start(ctx, &Plugins{Sinks: []Sink{sink}})
	e.Close()
	assert.Equal(t, 5, sink.len())
}

func TestEmitterRateLimit(t *testing.T) {
	settings := config.Default()
	settings.TapRateLimitQPS = 1
	e := NewEmitter(8, emptyChain(t), NewRateLimit(&settings))
	for i := 0; i < 3; i++ {
		e.Publish(&protocol.Record{Kind: protocol.KindFlowCreated})
	}
	sink := &testSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Start(ctx, &Plugins{Sinks: []Sink{sink}})
	e.Close()
	assert.Equal(t, 1, sink.len())
}

func emptyChain(t *testing.T) filter.Filter {
	settings := config.Default()
	c, err := NewFilterChain(&settings)
	require.NoError(t, err)
	return c
}
