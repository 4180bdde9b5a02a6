package proto

import (
	"strings"

	"github.com/google/uuid"
)

// FrameHeaderSize: 16 (key) + 4 (body len) + 4 (raw len).
const FrameHeaderSize = 24

// MaxPayloadSize default payload limit 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// MaxHeaderSize caps handshake header text.
const MaxHeaderSize = 64 * 1024

// Reserved header keys.
const (
	KeyMaxLength     = "MAX-LENGTH"
	KeyCompression   = "COMPRESSION"
	KeyHashing       = "HASHING-TYPE"
	KeyEncryption    = "ENCRYPTION"
	KeyClientID      = "CLIENT-ID"
	KeyClientName    = "CLIENT-NAME"
	KeyExchangeType  = "EXCHANGE-TYPE"
	KeyRingName      = "RING-NAME"
	KeyKEMCiphertext = "KEM-CIPHERTEXT" // hex ML-KEM-768 ciphertext
)

// Message: one decoded frame.
type Message struct {
	Key     uuid.UUID
	Payload []byte
}

// ExchangeType is advisory routing intent; carried, never interpreted.
type ExchangeType string

const (
	ExchangeDirect ExchangeType = "Direct"
	ExchangeFanout ExchangeType = "Fanout"
	ExchangeRing   ExchangeType = "Ring"
)

// ParseExchangeType is case-insensitive.
func ParseExchangeType(s string) (ExchangeType, bool) {
	for _, t := range []ExchangeType{ExchangeDirect, ExchangeFanout, ExchangeRing} {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, true
		}
	}
	return "", false
}
