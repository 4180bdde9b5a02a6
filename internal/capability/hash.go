package capability

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
)

// Hasher computes the integrity tag over an uncompressed payload. Stateless, safe for concurrent use.
type Hasher interface {
	Tag() HashTag
	Size() int
	// Sum appends the digest of p to dst.
	Sum(dst, p []byte) []byte
	// Verify is a full-length constant-time compare.
	Verify(p, tag []byte) bool
}

// NewHasher returns the provider for tag; unknown tag -> SHA1.
func NewHasher(tag HashTag) Hasher {
	switch tag {
	case HashSHA256:
		return digest{tag: tag, size: sha256.Size, sum: func(dst, p []byte) []byte {
			s := sha256.Sum256(p)
			return append(dst, s[:]...)
		}}
	case HashSHA384:
		return digest{tag: tag, size: sha512.Size384, sum: func(dst, p []byte) []byte {
			s := sha512.Sum384(p)
			return append(dst, s[:]...)
		}}
	case HashSHA512:
		return digest{tag: tag, size: sha512.Size, sum: func(dst, p []byte) []byte {
			s := sha512.Sum512(p)
			return append(dst, s[:]...)
		}}
	default:
		return digest{tag: HashSHA1, size: sha1.Size, sum: func(dst, p []byte) []byte {
			s := sha1.Sum(p)
			return append(dst, s[:]...)
		}}
	}
}

type digest struct {
	tag  HashTag
	size int
	sum  func(dst, p []byte) []byte
}

func (d digest) Tag() HashTag { return d.tag }
func (d digest) Size() int    { return d.size }

func (d digest) Sum(dst, p []byte) []byte { return d.sum(dst, p) }

func (d digest) Verify(p, tag []byte) bool {
	if len(tag) != d.size {
		return false
	}
	var buf [sha512.Size]byte
	return subtle.ConstantTimeCompare(d.sum(buf[:0], p), tag) == 1
}
