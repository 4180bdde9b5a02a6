// Package transport: the front door. TCP and QUIC listeners/dialers and the accept loop.
package transport

import (
	"context"
	"net"
	"time"
)

// Listener yields byte-stream connections.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// ListenTCP listens on addr ("host:port"; ":0" picks a port).
func ListenTCP(addr string) (Listener, error) {
	return net.Listen("tcp", addr)
}

// DialTCP dials addr with keepalive; ctx bounds the connect.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
