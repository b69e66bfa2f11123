//go:build !unix

package ccp

import "net"

func setBufferSize(conn *net.UnixConn, size int) error {
	if err := conn.SetReadBuffer(size); err != nil {
		return err
	}
	return conn.SetWriteBuffer(size)
}
