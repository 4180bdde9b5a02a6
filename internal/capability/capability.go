// Package capability: pluggable per-session providers (compression, hash, encryption)
// selected by tag at handshake time.
package capability

import (
	"errors"
	"strings"
)

// CompressionTag names a compression provider.
type CompressionTag string

const (
	CompressionNone   CompressionTag = "None"
	CompressionGzip   CompressionTag = "Gzip"
	CompressionBrotli CompressionTag = "Brotli"
)

// HashTag names an integrity hash provider.
type HashTag string

const (
	HashSHA1   HashTag = "SHA1"
	HashSHA256 HashTag = "SHA256"
	HashSHA384 HashTag = "SHA384"
	HashSHA512 HashTag = "SHA512"
)

// EncryptionTag names a payload cipher.
type EncryptionTag string

const (
	EncryptionNone             EncryptionTag = "None"
	EncryptionChaCha20Poly1305 EncryptionTag = "ChaCha20Poly1305"
)

// Defaults used when a tag is absent or unrecognized.
const (
	DefaultCompression = CompressionNone
	DefaultHash        = HashSHA1
	DefaultEncryption  = EncryptionNone
)

var (
	ErrMissingKey = errors.New("capability: encryption selected without key material")
	ErrLength     = errors.New("capability: decoded length mismatch")
)

var compressionTags = []CompressionTag{CompressionNone, CompressionGzip, CompressionBrotli}
var hashTags = []HashTag{HashSHA1, HashSHA256, HashSHA384, HashSHA512}
var encryptionTags = []EncryptionTag{EncryptionNone, EncryptionChaCha20Poly1305}

// ParseCompression matches s case-insensitively; ok=false -> caller falls back to default.
func ParseCompression(s string) (CompressionTag, bool) {
	for _, t := range compressionTags {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, true
		}
	}
	return DefaultCompression, false
}

// ParseHash accepts "SHA256" and "SHA-256" spellings.
func ParseHash(s string) (HashTag, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	for _, t := range hashTags {
		if strings.EqualFold(s, string(t)) {
			return t, true
		}
	}
	return DefaultHash, false
}

// ParseEncryption matches s case-insensitively.
func ParseEncryption(s string) (EncryptionTag, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	for _, t := range encryptionTags {
		if strings.EqualFold(s, string(t)) {
			return t, true
		}
	}
	return DefaultEncryption, false
}

// Set is the negotiated provider triple of a session.
type Set struct {
	Compression CompressionTag
	Hash        HashTag
	Encryption  EncryptionTag
}

// DefaultSet: None / SHA1 / None.
func DefaultSet() Set {
	return Set{Compression: DefaultCompression, Hash: DefaultHash, Encryption: DefaultEncryption}
}

// Resolve maps raw header values to tags. Empty or unknown values resolve to defaults.
func Resolve(compression, hashing, encryption string) Set {
	c, _ := ParseCompression(compression)
	h, _ := ParseHash(hashing)
	e, _ := ParseEncryption(encryption)
	return Set{Compression: c, Hash: h, Encryption: e}
}

func (s Set) String() string {
	return string(s.Compression) + "/" + string(s.Hash) + "/" + string(s.Encryption)
}

// Providers holds one instance of each provider for a session.
type Providers struct {
	Compressor Compressor
	Hasher     Hasher
	Cipher     Cipher
}

// Build instantiates providers for s. key is only consulted for encrypting ciphers.
func (s Set) Build(key []byte) (Providers, error) {
	c, err := NewCipher(s.Encryption, key)
	if err != nil {
		return Providers{}, err
	}
	return Providers{
		Compressor: NewCompressor(s.Compression),
		Hasher:     NewHasher(s.Hash),
		Cipher:     c,
	}, nil
}
