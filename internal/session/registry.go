package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dev.c0redev.ddmq/internal/metrics"
	"dev.c0redev.ddmq/internal/proto"
)

// Dialer opens the initiator's connection.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return f(ctx, addr)
}

// Journal records session lifecycle (audit only, no payloads).
type Journal interface {
	RecordOpen(ctx context.Context, info Info) error
	RecordClose(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
}

type RegistryOptions struct {
	Session Options
	// Dialer for ConnectAsInitiator; nil = plain TCP.
	Dialer         Dialer
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Journal        Journal
	TracerProvider trace.TracerProvider
}

const shardCount = 16

type shard struct {
	mu sync.RWMutex
	m  map[uuid.UUID]*Session
}

// Registry: live sessions by id, sharded. Owns each registered session's receive loop.
type Registry struct {
	opts   RegistryOptions
	log    zerolog.Logger
	tracer trace.Tracer
	shards [shardCount]shard

	// life guards closed against in-flight registrations
	life   sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Dialer == nil {
		var d net.Dialer
		opts.Dialer = DialerFunc(func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		})
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	r := &Registry{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "registry").Logger(),
		tracer: tp.Tracer("dev.c0redev.ddmq/internal/session"),
	}
	for i := range r.shards {
		r.shards[i].m = make(map[uuid.UUID]*Session)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *Registry) shard(id uuid.UUID) *shard {
	return &r.shards[(id[0]^id[15])%shardCount]
}

func (r *Registry) isClosed() bool {
	r.life.RLock()
	defer r.life.RUnlock()
	return r.closed
}

// ConnectAsAcceptor runs the acceptor handshake on conn, registers the session
// under its CLIENT-ID and starts its receive loop. conn is closed on any failure.
func (r *Registry) ConnectAsAcceptor(ctx context.Context, conn net.Conn) (*Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.ConnectAsAcceptor",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ddmq.role", RoleAcceptor.String()),
			attribute.String("net.peer.addr", remoteString(conn)),
		))
	defer span.End()

	if r.isClosed() {
		_ = conn.Close()
		return nil, spanError(span, ErrRegistryClosed)
	}
	s := New(conn, RoleAcceptor, r.opts.Session, r.opts.Logger, r.opts.Metrics)
	if err := s.Handshake(ctx, nil); err != nil {
		return nil, spanError(span, err)
	}
	return r.register(ctx, s, span)
}

// ConnectAsInitiator dials addr, sends headers, registers under the declared
// CLIENT-ID and starts the receive loop.
func (r *Registry) ConnectAsInitiator(ctx context.Context, addr string, headers *proto.HeaderSet) (*Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.ConnectAsInitiator",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ddmq.role", RoleInitiator.String()),
			attribute.String("net.peer.addr", addr),
		))
	defer span.End()

	if r.isClosed() {
		return nil, spanError(span, ErrRegistryClosed)
	}
	if _, err := headers.ClientID(); err != nil {
		return nil, spanError(span, err)
	}
	conn, err := r.opts.Dialer.DialContext(ctx, addr)
	if err != nil {
		return nil, spanError(span, &TransportError{Op: "dial", Err: err})
	}
	s := New(conn, RoleInitiator, r.opts.Session, r.opts.Logger, r.opts.Metrics)
	if err := s.Handshake(ctx, headers); err != nil {
		return nil, spanError(span, err)
	}
	return r.register(ctx, s, span)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *Registry) register(ctx context.Context, s *Session, span trace.Span) (*Session, error) {
	span.SetAttributes(
		attribute.String("ddmq.session_id", s.ID().String()),
		attribute.String("ddmq.capabilities", s.Capabilities().String()),
	)
	s.onClose = r.deregister

	r.life.RLock()
	if r.closed {
		r.life.RUnlock()
		s.closeWith(ErrRegistryClosed)
		return nil, spanError(span, ErrRegistryClosed)
	}
	sh := r.shard(s.id)
	sh.mu.Lock()
	if old, ok := sh.m[s.id]; ok && old.State() != StateClosed {
		sh.mu.Unlock()
		r.life.RUnlock()
		s.closeWith(ErrDuplicateSession)
		return nil, spanError(span, ErrDuplicateSession)
	}
	sh.m[s.id] = s
	sh.mu.Unlock()
	r.loops.Add(1)
	r.life.RUnlock()

	// closed between handshake and insert: its onClose found nothing to remove
	if s.State() == StateClosed {
		r.deregister(s)
	}

	info := s.Info()
	if r.opts.Journal != nil {
		// the handshake ctx may be cancelled once the session is live
		if err := r.opts.Journal.RecordOpen(context.WithoutCancel(ctx), info); err != nil {
			r.log.Warn().Err(err).Str("session_id", info.ID.String()).Msg("journal open failed")
		}
	}
	go r.runLoop(s)
	return s, nil
}

func (r *Registry) runLoop(s *Session) {
	defer r.loops.Done()
	err := s.Run(r.ctx)
	if r.opts.Journal == nil {
		return
	}
	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	if jerr := r.opts.Journal.RecordClose(context.Background(), s.id, time.Now(), reason); jerr != nil {
		r.log.Warn().Err(jerr).Str("session_id", s.id.String()).Msg("journal close failed")
	}
}

// deregister removes s only if it is still the entry for its id.
func (r *Registry) deregister(s *Session) {
	sh := r.shard(s.id)
	sh.mu.Lock()
	if cur, ok := sh.m[s.id]; ok && cur == s {
		delete(sh.m, s.id)
	}
	sh.mu.Unlock()
}

// Get returns the live session for id; ok=false when not registered.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	s, ok := sh.m[id]
	sh.mu.RUnlock()
	return s, ok
}

// Lookup is Get with ErrNotFound on a miss.
func (r *Registry) Lookup(id uuid.UUID) (*Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	return nil, ErrNotFound
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for a snapshot of registered sessions until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, s := range r.snapshot() {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) snapshot() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// DisposeAll closes every session, rejects further registrations and waits for
// all receive loops to exit. Safe to call more than once.
func (r *Registry) DisposeAll() {
	r.life.Lock()
	first := !r.closed
	r.closed = true
	r.life.Unlock()
	if first {
		r.cancel()
		sessions := r.snapshot()
		r.log.Info().Int("sessions", len(sessions)).Msg("disposing sessions")
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				_ = s.Close()
			}(s)
		}
		wg.Wait()
	}
	r.loops.Wait()
}
