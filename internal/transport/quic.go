package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicIdleTimeout   = 30 * time.Second
	quicStreamTimeout = 10 * time.Second
	quicBacklog       = 64
	quicLinger        = 2 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicIdleTimeout / 3,
	}
}

// streamConn wraps the first quic.Stream of a connection as net.Conn.
// Close tears down the whole QUIC connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn

	peerDone atomic.Bool
	once     sync.Once
	err      error
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	if err == io.EOF {
		c.peerDone.Store(true)
	}
	return n, err
}

// Close sends FIN and, unless the peer already finished, waits up to
// quicLinger for the peer to close so unacknowledged data is not dropped.
func (c *streamConn) Close() error {
	c.once.Do(func() {
		c.err = c.Stream.Close()
		if !c.peerDone.Load() {
			t := time.NewTimer(quicLinger)
			select {
			case <-c.conn.Context().Done():
			case <-t.C:
			}
			t.Stop()
		}
		_ = c.conn.CloseWithError(0, "")
	})
	return c.err
}

// DialQUIC dials addr, opens one stream and returns it as net.Conn. nil tlsConf -> ClientTLS().
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	if tlsConf == nil {
		tlsConf = ClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// quicListener adapts quic.Listener to Listener: each connection's first stream is one net.Conn.
type quicListener struct {
	ln     *quic.Listener
	conns  chan *streamConn
	ctx    context.Context
	cancel context.CancelFunc

	errOnce sync.Once
	err     error
	errc    chan struct{}
}

// ListenQUIC listens on addr (UDP). tlsConf must carry a certificate; see ServerTLS.
func ListenQUIC(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil || (len(tlsConf.Certificates) == 0 && tlsConf.GetCertificate == nil) {
		return nil, errors.New("transport: quic listener needs a tls certificate")
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	l := &quicListener{
		ln:    ln,
		conns: make(chan *streamConn, quicBacklog),
		errc:  make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.fail(err)
			return
		}
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the peer's first stream; peers that never open one are dropped.
func (l *quicListener) acceptStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	sc := &streamConn{Stream: stream, conn: conn}
	select {
	case l.conns <- sc:
	case <-l.ctx.Done():
		_ = conn.CloseWithError(0, "listener closed")
	}
}

func (l *quicListener) fail(err error) {
	l.errOnce.Do(func() {
		if l.ctx.Err() != nil {
			err = net.ErrClosed
		}
		l.err = err
		close(l.errc)
	})
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.errc:
		return nil, l.err
	}
}

// Close stops accepting; established connections of this listener close with it.
func (l *quicListener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.fail(net.ErrClosed)
	for {
		select {
		case c := <-l.conns:
			_ = c.conn.CloseWithError(0, "listener closed")
		default:
			return err
		}
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
