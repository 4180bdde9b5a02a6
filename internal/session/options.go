package session

import (
	"time"

	"filippo.io/mlkem768"
	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/proto"
)

// OnMessageFunc is called from the receive loop for each message, in wire order.
// payload is owned by the callee. Use s.Send to reply.
type OnMessageFunc func(s *Session, key uuid.UUID, payload []byte)

// Options: per-session limits, keying and delivery.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // 0 = no write deadline beyond ctx
	MaxPayload       int
	ReadBuffer       int

	// EncryptionKey: pre-shared ChaCha20-Poly1305 key (32 bytes).
	EncryptionKey []byte
	// KEMKey: acceptor long-term ML-KEM key; decapsulates KEM-CIPHERTEXT.
	KEMKey *mlkem768.DecapsulationKey
	// PeerKEMKey: initiator copy of the acceptor's encapsulation key.
	PeerKEMKey []byte

	OnMessage OnMessageFunc
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadBuffer       = 32 * 1024
)

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.MaxPayload <= 0 || o.MaxPayload > proto.MaxPayloadSize {
		o.MaxPayload = proto.MaxPayloadSize
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = defaultReadBuffer
	}
	return o
}
