package session

import (
	"errors"

	"dev.c0redev.ddmq/internal/proto"
)

var (
	ErrClosed           = errors.New("session: closed")
	ErrNotReady         = errors.New("session: not ready")
	ErrNotFound         = errors.New("session: not found")
	ErrRegistryClosed   = errors.New("session: registry closed")
	ErrDuplicateSession = errors.New("session: duplicate session id")
)

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "session: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// errKind: metrics label for a terminal error.
func errKind(err error) string {
	var te *TransportError
	switch {
	case errors.Is(err, proto.ErrHandshake):
		return "handshake"
	case errors.Is(err, proto.ErrIntegrity):
		return "integrity"
	case errors.Is(err, proto.ErrTruncated):
		return "truncated"
	case errors.Is(err, proto.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate"
	case errors.Is(err, ErrRegistryClosed):
		return "registry_closed"
	case errors.As(err, &te):
		return "transport"
	default:
		return "other"
	}
}
