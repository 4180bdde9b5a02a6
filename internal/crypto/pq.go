// Package crypto: ChaCha20-Poly1305 frame sealing + ML-KEM-768 session key agreement.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the AEAD key size; also the ML-KEM shared secret size.
	KeySize = chacha20poly1305.KeySize
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
	// Overhead added by Seal: nonce prefix + poly1305 tag.
	Overhead = NonceSize + chacha20poly1305.Overhead
	// SeedSize is the ML-KEM-768 decapsulation key seed size.
	SeedSize = 64
)

var (
	ErrKeySize         = errors.New("crypto: key size must be 32")
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
	ErrSeedSize        = errors.New("crypto: kem seed must be 64 bytes")
)

// Sealer seals/opens messages with one key. Safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a ChaCha20-Poly1305 sealer for key (32 bytes).
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal appends nonce||ciphertext to dst; fresh random nonce per call.
func (s *Sealer) Seal(dst, plaintext []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, NonceSize)...)
	nonce := dst[start : start+NonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(dst, nonce, plaintext, nil), nil
}

// Open decrypts nonce||ciphertext into a new slice.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrShortCiphertext
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	return s.aead.Open(nil, nonce, ct, nil)
}

// GenerateSeed returns a random ML-KEM-768 seed (acceptor long-term key).
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// KeyFromSeed expands a seed into the decapsulation key.
func KeyFromSeed(seed []byte) (*mlkem768.DecapsulationKey, error) {
	if len(seed) != SeedSize {
		return nil, ErrSeedSize
	}
	return mlkem768.NewKeyFromSeed(seed)
}

// Encapsulate derives a shared key against the peer's encapsulation key.
// Ciphertext goes to the peer, key stays local.
func Encapsulate(encKey []byte) (key []byte, ciphertext []byte, err error) {
	ciphertext, key, err = mlkem768.Encapsulate(encKey)
	if err != nil {
		return nil, nil, err
	}
	return key, ciphertext, nil
}

// Decapsulate recovers the shared key from ciphertext (decap key).
func Decapsulate(decapKey *mlkem768.DecapsulationKey, ciphertext []byte) ([]byte, error) {
	return mlkem768.Decapsulate(decapKey, ciphertext)
}

// ReadHexFile reads a hex-encoded key file (whitespace trimmed).
func ReadHexFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("crypto: %s: %w", path, err)
	}
	return raw, nil
}

// WriteHexFile writes b hex-encoded with a trailing newline.
func WriteHexFile(path string, b []byte, perm os.FileMode) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(b)+"\n"), perm)
}

// LoadDecapsulationKey reads a seed file written by `ddmq keygen`.
func LoadDecapsulationKey(path string) (*mlkem768.DecapsulationKey, error) {
	seed, err := ReadHexFile(path)
	if err != nil {
		return nil, err
	}
	return KeyFromSeed(seed)
}
