package proto

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/capability"
)

// Codec encodes frames with one session's providers.
// Frame on wire: key(16) | bodyLen u32le | rawLen u32le | body | tag.
// body = Seal(Compress(payload)); tag = Hash(payload).
// AppendFrame must not be called concurrently; decoders from NewDecoder may run alongside it.
type Codec struct {
	comp   capability.Compressor
	hash   capability.Hasher
	ciph   capability.Cipher
	maxLen int

	scratch []byte // compressed body before sealing
}

// NewCodec builds a codec; maxLen<=0 -> MaxPayloadSize.
func NewCodec(p capability.Providers, maxLen int) *Codec {
	if maxLen <= 0 || maxLen > MaxPayloadSize {
		maxLen = MaxPayloadSize
	}
	return &Codec{comp: p.Compressor, hash: p.Hasher, ciph: p.Cipher, maxLen: maxLen}
}

// MaxLen is the payload limit in bytes.
func (c *Codec) MaxLen() int { return c.maxLen }

// Capabilities reports the provider tags.
func (c *Codec) Capabilities() capability.Set {
	return capability.Set{Compression: c.comp.Tag(), Hash: c.hash.Tag(), Encryption: c.ciph.Tag()}
}

// MaxFrameLen: worst-case wire size of a frame carrying n payload bytes.
func (c *Codec) MaxFrameLen(n int) int {
	return FrameHeaderSize + c.maxBody(n) + c.hash.Size()
}

func (c *Codec) maxBody(n int) int {
	return c.comp.Bound(n) + c.ciph.Overhead()
}

// AppendFrame appends the encoded frame to dst.
func (c *Codec) AppendFrame(dst []byte, key uuid.UUID, payload []byte) ([]byte, error) {
	if len(payload) > c.maxLen {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.maxLen)
	}
	start := len(dst)
	dst = append(dst, key[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	bodyStart := len(dst)

	var err error
	if c.ciph.Overhead() == 0 && c.ciph.Tag() == capability.EncryptionNone {
		dst, err = c.comp.Compress(dst, payload)
	} else {
		c.scratch, err = c.comp.Compress(c.scratch[:0], payload)
		if err == nil {
			dst, err = c.ciph.Seal(dst, c.scratch)
		}
	}
	if err != nil {
		return dst[:start], fmt.Errorf("proto: encode body: %w", err)
	}
	bodyLen := len(dst) - bodyStart
	if uint64(bodyLen) > math.MaxUint32 {
		return dst[:start], fmt.Errorf("%w: body %d", ErrPayloadTooLarge, bodyLen)
	}
	binary.LittleEndian.PutUint32(dst[start+16:start+20], uint32(bodyLen))
	return c.hash.Sum(dst, payload), nil
}
