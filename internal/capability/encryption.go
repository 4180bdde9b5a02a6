package capability

import (
	"fmt"

	"dev.c0redev.ddmq/internal/crypto"
)

// Cipher seals the compressed body. Open may return a slice aliasing its input.
type Cipher interface {
	Tag() EncryptionTag
	Overhead() int
	Seal(dst, p []byte) ([]byte, error)
	Open(p []byte) ([]byte, error)
}

// NewCipher: unknown tag -> None. ChaCha20Poly1305 without key -> ErrMissingKey.
func NewCipher(tag EncryptionTag, key []byte) (Cipher, error) {
	if tag != EncryptionChaCha20Poly1305 {
		return noneCipher{}, nil
	}
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	s, err := crypto.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("capability: %w", err)
	}
	return chachaCipher{s: s}, nil
}

type noneCipher struct{}

func (noneCipher) Tag() EncryptionTag                 { return EncryptionNone }
func (noneCipher) Overhead() int                      { return 0 }
func (noneCipher) Seal(dst, p []byte) ([]byte, error) { return append(dst, p...), nil }
func (noneCipher) Open(p []byte) ([]byte, error)      { return p, nil }

type chachaCipher struct {
	s *crypto.Sealer
}

func (chachaCipher) Tag() EncryptionTag { return EncryptionChaCha20Poly1305 }
func (chachaCipher) Overhead() int      { return crypto.Overhead }

func (c chachaCipher) Seal(dst, p []byte) ([]byte, error) { return c.s.Seal(dst, p) }
func (c chachaCipher) Open(p []byte) ([]byte, error)      { return c.s.Open(p) }
