package ccp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	slog "github.com/vearne/simplelog"
)

// UnixTransport exchanges datagrams with the algorithm over a pair of
// unix datagram sockets.
type UnixTransport struct {
	local string
	peer  *net.UnixAddr
	conn  *net.UnixConn
}

// ListenUnix binds the local socket, replacing a stale one left by an
// earlier run. bufSize sets both socket buffers when positive.
func ListenUnix(local, peer string, bufSize int) (*UnixTransport, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, fmt.Errorf("ccp: socket dir: %w", err)
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ccp: remove stale socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: local, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("ccp: listen %v: %w", local, err)
	}
	if bufSize > 0 {
		if err = setBufferSize(conn, bufSize); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ccp: socket buffers: %w", err)
		}
	}
	return &UnixTransport{
		local: local,
		peer:  &net.UnixAddr{Name: peer, Net: "unixgram"},
		conn:  conn,
	}, nil
}

func (t *UnixTransport) LocalPath() string {
	return t.local
}

func (t *UnixTransport) SendMsg(msg []byte) error {
	_, err := t.conn.WriteToUnix(msg, t.peer)
	return err
}

// Serve feeds every received datagram to handle until ctx is done. A read
// failure or a handler error ends the loop with that error.
func (t *UnixTransport) Serve(ctx context.Context, handle func([]byte) error) error {
	stop := context.AfterFunc(ctx, func() {
		t.conn.Close()
	})
	defer stop()

	buf := make([]byte, MaxMessageSize)
	for {
		n, _, err := t.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ccp: receive: %w", err)
		}
		if err = handle(buf[:n]); err != nil {
			return err
		}
		slog.Debug("ccp: handled datagram of %d bytes", n)
	}
}

// Close releases the socket and its path.
func (t *UnixTransport) Close() error {
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if rmErr := os.Remove(t.local); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
