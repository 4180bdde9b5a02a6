package proto

import "errors"

var (
	ErrHandshake       = errors.New("proto: handshake failed")
	ErrTruncated       = errors.New("proto: truncated frame")
	ErrIntegrity       = errors.New("proto: integrity check failed")
	ErrFrameTooLarge   = errors.New("proto: frame exceeds length limit")
	ErrPayloadTooLarge = errors.New("proto: payload exceeds length limit")
	ErrInvalidHeader   = errors.New("proto: invalid header entry")
)
