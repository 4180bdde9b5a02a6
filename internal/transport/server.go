package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.ddmq/internal/session"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server hands accepted connections to a registry as acceptor sessions.
type Server struct {
	reg *session.Registry
	log zerolog.Logger

	wg sync.WaitGroup
}

func NewServer(reg *session.Registry, log zerolog.Logger) *Server {
	return &Server{reg: reg, log: log.With().Str("component", "server").Logger()}
}

// Serve accepts on ln until ctx is cancelled, then closes ln and waits for
// in-flight handshakes. A failed handshake only drops its own connection.
func (s *Server) Serve(ctx context.Context, ln Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.log.Info().Str("addr", ln.Addr().String()).Str("net", ln.Addr().Network()).Msg("listening")
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// EMFILE and friends: keep serving once resources free up
			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		delay = 0
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	sess, err := s.reg.ConnectAsAcceptor(ctx, conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("handshake failed")
		return
	}
	s.log.Info().
		Str("session_id", sess.ID().String()).
		Str("client_name", sess.Name()).
		Str("remote", remote).
		Str("capabilities", sess.Capabilities().String()).
		Msg("session ready")
}

// Dialer returns the initiator dialer for kind ("tcp" or "quic").
func Dialer(kind string, tlsConf *tls.Config) (session.Dialer, error) {
	switch kind {
	case "", "tcp":
		return session.DialerFunc(DialTCP), nil
	case "quic":
		return session.DialerFunc(func(ctx context.Context, addr string) (net.Conn, error) {
			return DialQUIC(ctx, addr, tlsConf)
		}), nil
	default:
		return nil, fmt.Errorf("transport: unknown transport %q", kind)
	}
}
