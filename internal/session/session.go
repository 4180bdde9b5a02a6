// Package session: per-connection state machine (handshake, receive loop, send) and the session registry.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dev.c0redev.ddmq/internal/capability"
	"dev.c0redev.ddmq/internal/crypto"
	"dev.c0redev.ddmq/internal/metrics"
	"dev.c0redev.ddmq/internal/proto"
)

// State: Created -> Handshaking -> Ready -> Closed. Closed is reachable from any state.
type State int32

const (
	StateCreated State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Role: initiator writes the handshake, acceptor reads it.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	}
	return "unknown"
}

// pastDeadline unblocks pending conn I/O.
var pastDeadline = time.Unix(1, 0)

// Session: one connection, one negotiated provider set, one id.
type Session struct {
	conn    net.Conn
	role    Role
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	state atomic.Int32

	// set during handshake, read-only once Ready
	id       uuid.UUID
	headers  *proto.HeaderSet
	codec    *proto.Codec
	openedAt time.Time

	wmu  sync.Mutex
	wbuf []byte
	wcap int // steady-state wbuf capacity; larger buffers are dropped after use

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	onClose   func(*Session)
}

// New wraps conn in a Created session. Most callers go through Registry.
func New(conn net.Conn, role Role, opts Options, log zerolog.Logger, m *metrics.Metrics) *Session {
	s := &Session{
		conn:    conn,
		role:    role,
		opts:    opts.withDefaults(),
		metrics: m,
		done:    make(chan struct{}),
	}
	s.log = log.With().Str("component", "session").Str("role", role.String()).
		Str("remote", remoteString(conn)).Logger()
	return s
}

func remoteString(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Handshake exchanges headers and moves the session to Ready.
// Initiator: hs required (must carry CLIENT-ID). Acceptor: hs ignored.
// On failure the session is closed and the error returned.
func (s *Session) Handshake(ctx context.Context, hs *proto.HeaderSet) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateHandshaking)) {
		if s.State() == StateClosed {
			return ErrClosed
		}
		return ErrNotReady
	}
	start := time.Now()
	if err := s.handshake(ctx, hs); err != nil {
		if cerr := context.Cause(ctx); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", err, cerr)
		}
		s.closeWith(err)
		return err
	}
	s.openedAt = time.Now()
	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		// closed concurrently
		return ErrClosed
	}
	s.metrics.SessionOpened(s.role.String(), time.Since(start))
	s.log.Info().Str("caps", s.codec.Capabilities().String()).Str("client_name", s.Name()).
		Int("max_payload", s.codec.MaxLen()).Msg("session ready")
	return nil
}

func (s *Session) handshake(ctx context.Context, hs *proto.HeaderSet) error {
	if err := s.conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout)); err != nil {
		return &TransportError{Op: "set deadline", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetDeadline(pastDeadline) })
	defer stop()

	var (
		key []byte
		err error
	)
	if s.role == RoleInitiator {
		hs, key, err = s.writeHeaders(hs)
	} else {
		hs, key, err = s.readHeaders()
	}
	if err != nil {
		return err
	}
	if !stop() {
		return context.Cause(ctx)
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return &TransportError{Op: "clear deadline", Err: err}
	}

	id, err := hs.ClientID()
	if err != nil {
		return err
	}
	limit := s.opts.MaxPayload
	if n, present, err := hs.MaxLength(); err != nil {
		s.log.Warn().Err(err).Msg("ignoring unparseable MAX-LENGTH")
	} else if present && n < limit {
		limit = n
	}
	providers, err := hs.Capabilities().Build(key)
	if err != nil {
		return fmt.Errorf("%w: %w", proto.ErrHandshake, err)
	}
	s.id = id
	s.headers = hs
	s.codec = proto.NewCodec(providers, limit)
	s.wcap = s.codec.MaxFrameLen(min(limit, s.opts.ReadBuffer))
	s.wbuf = make([]byte, 0, s.wcap)
	s.log = s.log.With().Str("session_id", id.String()).Logger()
	return nil
}

// writeHeaders validates and sends the initiator's headers.
func (s *Session) writeHeaders(in *proto.HeaderSet) (*proto.HeaderSet, []byte, error) {
	if in == nil {
		return nil, nil, fmt.Errorf("%w: initiator needs headers", proto.ErrHandshake)
	}
	hs := in.Clone()
	if _, err := hs.ClientID(); err != nil {
		return nil, nil, err
	}
	if _, present, _ := hs.MaxLength(); !present {
		hs.SetMaxLength(s.opts.MaxPayload)
	}
	key := s.opts.EncryptionKey
	if hs.Capabilities().Encryption == capability.EncryptionChaCha20Poly1305 && len(s.opts.PeerKEMKey) > 0 {
		shared, ct, err := crypto.Encapsulate(s.opts.PeerKEMKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: kem encapsulate: %w", proto.ErrHandshake, err)
		}
		if err := hs.Set(proto.KeyKEMCiphertext, hex.EncodeToString(ct)); err != nil {
			return nil, nil, err
		}
		key = shared
	}
	text, _ := hs.MarshalText()
	if err := proto.WriteHandshake(s.conn, hs); err != nil {
		if errors.Is(err, proto.ErrInvalidHeader) {
			return nil, nil, fmt.Errorf("%w: %w", proto.ErrHandshake, err)
		}
		return nil, nil, &TransportError{Op: "write handshake", Err: err}
	}
	s.metrics.Bytes(metrics.DirOut, 4+len(text))
	return hs, key, nil
}

// readHeaders reads the initiator's headers and derives key material.
func (s *Session) readHeaders() (*proto.HeaderSet, []byte, error) {
	hs, err := proto.ReadHandshake(s.conn, proto.MaxHeaderSize)
	if err != nil {
		return nil, nil, err
	}
	text, _ := hs.MarshalText()
	s.metrics.Bytes(metrics.DirIn, 4+len(text))
	key := s.opts.EncryptionKey
	if hs.Capabilities().Encryption != capability.EncryptionChaCha20Poly1305 {
		return hs, key, nil
	}
	if v, ok := hs.Get(proto.KeyKEMCiphertext); ok {
		if s.opts.KEMKey == nil {
			return nil, nil, fmt.Errorf("%w: peer sent %s but no KEM key is configured", proto.ErrHandshake, proto.KeyKEMCiphertext)
		}
		ct, err := hex.DecodeString(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", proto.ErrHandshake, proto.KeyKEMCiphertext, err)
		}
		key, err = crypto.Decapsulate(s.opts.KEMKey, ct)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: kem decapsulate: %w", proto.ErrHandshake, err)
		}
	}
	return hs, key, nil
}

// Run is the receive loop. Blocks until the session closes; returns the terminal
// cause (nil for a clean close). ctx cancellation closes the session.
func (s *Session) Run(ctx context.Context) error {
	switch s.State() {
	case StateReady:
	case StateClosed:
		return s.Err()
	default:
		return ErrNotReady
	}
	stop := context.AfterFunc(ctx, func() { s.closeWith(nil) })
	defer stop()

	dec := s.codec.NewDecoder()
	buf := make([]byte, s.opts.ReadBuffer)
	for {
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			s.metrics.Bytes(metrics.DirIn, n)
			dec.Write(buf[:n])
			if err := s.deliver(dec); err != nil {
				s.closeWith(err)
				return err
			}
		}
		if rerr == nil {
			continue
		}
		if s.State() == StateClosed {
			return s.Err()
		}
		if errors.Is(rerr, io.EOF) {
			err := dec.Finish()
			s.closeWith(err)
			return err
		}
		err := &TransportError{Op: "read", Err: rerr}
		s.closeWith(err)
		return err
	}
}

func (s *Session) deliver(dec *proto.Decoder) error {
	for {
		msg, ok, err := dec.Next()
		if err != nil || !ok {
			return err
		}
		s.metrics.Frame(metrics.DirIn)
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(s, msg.Key, msg.Payload)
		}
		if s.State() == StateClosed {
			return nil
		}
	}
}

// Send encodes and writes one message. Serialized per session.
// ctx cancellation and deadline bound the write; a failed write closes the session.
func (s *Session) Send(ctx context.Context, key uuid.UUID, payload []byte) error {
	if err := s.sendable(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.sendable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := s.codec.AppendFrame(s.wbuf[:0], key, payload)
	if err != nil {
		return err
	}
	if cap(frame) > s.wcap {
		s.wbuf = make([]byte, 0, s.wcap)
	} else {
		s.wbuf = frame[:0]
	}

	var deadline time.Time
	if s.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(s.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		terr := &TransportError{Op: "set write deadline", Err: err}
		s.closeWith(terr)
		return terr
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetWriteDeadline(pastDeadline) })
	_, err = s.conn.Write(frame)
	if !stop() && err != nil {
		err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	if err != nil {
		// a partial frame leaves the stream unframeable
		terr := &TransportError{Op: "write", Err: err}
		s.closeWith(terr)
		return terr
	}
	s.metrics.Frame(metrics.DirOut)
	s.metrics.Bytes(metrics.DirOut, len(frame))
	return nil
}

func (s *Session) sendable() error {
	switch s.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

// Close is idempotent; the recorded cause stays nil unless a failure came first.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		prev := State(s.state.Swap(int32(StateClosed)))
		_ = s.conn.Close()
		defer close(s.done)

		if prev == StateReady {
			s.metrics.SessionClosed()
		}
		if cause != nil {
			s.metrics.SessionError(errKind(cause))
			s.log.Warn().Err(cause).Str("state", prev.String()).Msg("session closed")
		} else {
			s.log.Debug().Str("state", prev.String()).Msg("session closed")
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Done is closed once the session is Closed and deregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err: terminal cause, nil while open or after a clean close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) Role() Role   { return s.role }

// ID: CLIENT-ID from the handshake; uuid.Nil before Ready.
func (s *Session) ID() uuid.UUID {
	if s.State() < StateReady {
		return uuid.Nil
	}
	return s.id
}

// Headers returns a copy of the handshake headers (nil before Ready).
func (s *Session) Headers() *proto.HeaderSet {
	if s.headers == nil {
		return nil
	}
	return s.headers.Clone()
}

// Capabilities: negotiated provider tags.
func (s *Session) Capabilities() capability.Set {
	if s.codec == nil {
		return capability.DefaultSet()
	}
	return s.codec.Capabilities()
}

// MaxPayload: effective payload limit after MAX-LENGTH.
func (s *Session) MaxPayload() int {
	if s.codec == nil {
		return s.opts.MaxPayload
	}
	return s.codec.MaxLen()
}

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Name: advisory CLIENT-NAME.
func (s *Session) Name() string { return s.headers.ClientName() }

// Info: journal/reporting snapshot.
type Info struct {
	ID           uuid.UUID
	Role         Role
	Name         string
	RemoteAddr   string
	Capabilities capability.Set
	OpenedAt     time.Time
}

func (s *Session) Info() Info {
	return Info{
		ID:           s.ID(),
		Role:         s.role,
		Name:         s.Name(),
		RemoteAddr:   remoteString(s.conn),
		Capabilities: s.Capabilities(),
		OpenedAt:     s.openedAt,
	}
}
