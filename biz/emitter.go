// Package biz 包含 ebpfcca 的核心业务逻辑：流的生命周期协调、事件旁路（tap）
// 以及输出插件管理。
package biz

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	slog "github.com/vearne/simplelog"

	"github.com/claby2/ebpfcca/filter"
	"github.com/claby2/ebpfcca/metrics"
	"github.com/claby2/ebpfcca/protocol"
)

// Emitter 把生命周期事件分发给所有输出插件。
// Publish 从不阻塞调用方，缓冲区满时直接丢弃。
type Emitter struct {
	sync.WaitGroup
	records     chan *protocol.Record
	plugins     *Plugins
	filterChain filter.Filter // 过滤器链，用于过滤不需要的记录
	limiter     Limiter       // 限流器，可以为 nil

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewEmitter 创建一个缓冲区长度为 depth 的 Emitter。
func NewEmitter(depth int, f filter.Filter, lim Limiter) *Emitter {
	var e Emitter
	e.records = make(chan *protocol.Record, depth)
	e.filterChain = f
	e.limiter = lim
	return &e
}

// Publish queues rec for the sinks. Safe on a nil Emitter.
func (e *Emitter) Publish(rec *protocol.Record) {
	if e == nil || rec == nil {
		return
	}
	select {
	case e.records <- rec:
	default:
		e.dropped.Add(1)
		metrics.RecordDrop(metrics.DropTapFull)
	}
}

func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Start 启动分发循环，直到 ctx 结束。
func (e *Emitter) Start(ctx context.Context, plugins *Plugins) {
	e.plugins = plugins
	e.Add(1)
	go func() {
		defer e.Done()
		e.CopyMulty(ctx, plugins.Sinks...)
	}()
}

// Close 等待分发循环退出，然后关闭实现了 io.Closer 的插件。
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.Wait()
		if e.plugins == nil {
			return
		}
		for _, p := range e.plugins.All {
			if cp, ok := p.(io.Closer); ok {
				if err := cp.Close(); err != nil {
					slog.Warn("[EMITTER] close %v: %v", p, err)
				}
			}
		}
		e.plugins.All = nil
	})
}

// CopyMulty 把记录写到所有 writer，写失败只记录日志。
// ctx 结束时把缓冲区中剩余的记录写完再返回。
func (e *Emitter) CopyMulty(ctx context.Context, writers ...Sink) {
	for {
		select {
		case rec := <-e.records:
			e.write(rec, writers)
		case <-ctx.Done():
			for {
				select {
				case rec := <-e.records:
					e.write(rec, writers)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) write(rec *protocol.Record, writers []Sink) {
	rec, ok := e.filterChain.Filter(rec)
	if !ok {
		return
	}

	if e.limiter != nil && !e.limiter.Allow() {
		return
	}

	for _, dst := range writers {
		if err := dst.Write(rec); err != nil {
			slog.Error("dst.Write:%v", err)
		}
	}
}
