// Package stream runs the blocking read loops over the kernel event
// channels. Each Consumer owns one channel and hands every record, in
// emission order, to its handler.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	slog "github.com/vearne/simplelog"
)

// ErrClosed is returned by a RecordReader once it has been closed.
var ErrClosed = errors.New("stream: reader closed")

// RecordReader is one kernel-shared ring buffer.
type RecordReader interface {
	// Read blocks until a record is available. The returned slice is only
	// valid until the next call.
	Read() ([]byte, error)
	Close() error
}

// Handler decodes and dispatches one record. A returned error means the
// stream can no longer be trusted and stops the consumer.
type Handler func(raw []byte) error

type Consumer struct {
	name    string
	reader  RecordReader
	handler Handler

	closeOnce sync.Once
	records   atomic.Uint64
}

func NewConsumer(name string, reader RecordReader, handler Handler) *Consumer {
	var c Consumer
	c.name = name
	c.reader = reader
	c.handler = handler
	return &c
}

func (c *Consumer) Name() string {
	return c.name
}

// Records returns how many records were handled so far.
func (c *Consumer) Records() uint64 {
	return c.records.Load()
}

// Run polls until ctx is done, the reader fails or the handler rejects a
// record. Cancelling ctx closes the reader so a blocked Read returns.
func (c *Consumer) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	slog.Info("[%v] consumer started", c.name)
	for {
		raw, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, ErrClosed) && ctx.Err() != nil {
				slog.Info("[%v] consumer stopped, records:%v", c.name, c.records.Load())
				return nil
			}
			return fmt.Errorf("%s: read: %w", c.name, err)
		}
		if err = c.handler(raw); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		c.records.Add(1)
	}
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
