package proto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/bits"
	"testing"

	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/capability"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func newCodec(t *testing.T, set capability.Set, maxLen int) *Codec {
	t.Helper()
	p, err := set.Build(testKey)
	if err != nil {
		t.Fatal(err)
	}
	return NewCodec(p, maxLen)
}

func allSets() []capability.Set {
	var sets []capability.Set
	for _, c := range []capability.CompressionTag{capability.CompressionNone, capability.CompressionGzip, capability.CompressionBrotli} {
		for _, h := range []capability.HashTag{capability.HashSHA1, capability.HashSHA256, capability.HashSHA384, capability.HashSHA512} {
			for _, e := range []capability.EncryptionTag{capability.EncryptionNone, capability.EncryptionChaCha20Poly1305} {
				sets = append(sets, capability.Set{Compression: c, Hash: h, Encryption: e})
			}
		}
	}
	return sets
}

func TestRoundTripAllCapabilities(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello world"),
		bytes.Repeat([]byte("0123456789"), 5000),
	}
	for _, set := range allSets() {
		t.Run(set.String(), func(t *testing.T) {
			enc := newCodec(t, set, 0)
			dec := newCodec(t, set, 0).NewDecoder()
			for _, p := range payloads {
				key := uuid.New()
				frame, err := enc.AppendFrame(nil, key, p)
				if err != nil {
					t.Fatal(err)
				}
				if len(frame) > enc.MaxFrameLen(len(p)) {
					t.Fatalf("frame %d > MaxFrameLen %d", len(frame), enc.MaxFrameLen(len(p)))
				}
				dec.Write(frame)
				msg, ok, err := dec.Next()
				if err != nil || !ok {
					t.Fatalf("Next: ok=%v err=%v", ok, err)
				}
				if msg.Key != key || !bytes.Equal(msg.Payload, p) {
					t.Fatalf("roundtrip mismatch for len %d", len(p))
				}
				if dec.Buffered() != 0 {
					t.Fatalf("leftover %d bytes", dec.Buffered())
				}
			}
		})
	}
}

func TestFrameLayoutNoneNone(t *testing.T) {
	c := newCodec(t, capability.Set{Compression: capability.CompressionNone, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone}, 0)
	key := uuid.MustParse("9b2e1c4d-0000-4000-8000-000000000001")
	p := []byte("hello world")
	frame, err := c.AppendFrame(nil, key, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != 16+4+4+len(p)+sha256.Size {
		t.Fatalf("frame len %d", len(frame))
	}
	if !bytes.Equal(frame[:16], key[:]) {
		t.Fatal("key not at offset 0")
	}
	want := []byte{11, 0, 0, 0, 11, 0, 0, 0}
	if !bytes.Equal(frame[16:24], want) {
		t.Fatalf("lengths = %v, want little-endian %v", frame[16:24], want)
	}
	if !bytes.Equal(frame[24:35], p) {
		t.Fatal("body mismatch")
	}
	sum := sha256.Sum256(p)
	if !bytes.Equal(frame[35:], sum[:]) {
		t.Fatal("tag mismatch")
	}
}

func TestHelloWorldGzipSHA256(t *testing.T) {
	hs, err := ParseHeaders([]byte("CLIENT-ID:3fa85f64-5717-4562-b3fc-2c963f66afa6;COMPRESSION:Gzip;HASHING-TYPE:SHA256"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := hs.ClientID()
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Fatalf("client id %s", id)
	}
	set := hs.Capabilities()
	if set.Compression != capability.CompressionGzip || set.Hash != capability.HashSHA256 || set.Encryption != capability.EncryptionNone {
		t.Fatalf("caps %v", set)
	}
	client := newCodec(t, set, 0)
	server := newCodec(t, set, 0).NewDecoder()
	key := uuid.MustParse("9b2e1c4d-5a6b-4c7d-8e9f-0a1b2c3d4e5f")
	frame, err := client.AppendFrame(nil, key, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	tag := frame[len(frame)-sha256.Size:]
	sum := sha256.Sum256([]byte("hello world"))
	if !bytes.Equal(tag, sum[:]) {
		t.Fatal("tag is not SHA-256 of the uncompressed payload")
	}
	server.Write(frame)
	msg, ok, err := server.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if msg.Key != key || string(msg.Payload) != "hello world" {
		t.Fatalf("got %v %q", msg.Key, msg.Payload)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	for _, set := range []capability.Set{
		capability.DefaultSet(),
		{Compression: capability.CompressionGzip, Hash: capability.HashSHA512, Encryption: capability.EncryptionChaCha20Poly1305},
		{Compression: capability.CompressionBrotli, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone},
	} {
		enc := newCodec(t, set, 0)
		var stream []byte
		var want []Message
		for i := 0; i < 5; i++ {
			m := Message{Key: uuid.New(), Payload: bytes.Repeat([]byte{byte('a' + i)}, i*37)}
			want = append(want, m)
			var err error
			stream, err = enc.AppendFrame(stream, m.Key, m.Payload)
			if err != nil {
				t.Fatal(err)
			}
		}
		dec := newCodec(t, set, 0).NewDecoder()
		var got []Message
		for i := range stream {
			dec.Write(stream[i : i+1])
			for {
				m, ok, err := dec.Next()
				if err != nil {
					t.Fatalf("%v: byte %d: %v", set, i, err)
				}
				if !ok {
					break
				}
				got = append(got, m)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("%v: got %d messages, want %d", set, len(got), len(want))
		}
		for i := range want {
			if got[i].Key != want[i].Key || !bytes.Equal(got[i].Payload, want[i].Payload) {
				t.Fatalf("%v: message %d mismatch", set, i)
			}
		}
		if err := dec.Finish(); err != nil {
			t.Fatalf("Finish: %v", err)
		}
	}
}

func TestDecoderMultipleFramesOneWrite(t *testing.T) {
	set := capability.Set{Compression: capability.CompressionGzip, Hash: capability.HashSHA1, Encryption: capability.EncryptionNone}
	enc := newCodec(t, set, 0)
	keys := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var stream []byte
	for i, k := range keys {
		var err error
		stream, err = enc.AppendFrame(stream, k, []byte{byte(i), byte(i)})
		if err != nil {
			t.Fatal(err)
		}
	}
	dec := newCodec(t, set, 0).NewDecoder()
	dec.Write(stream)
	for i, k := range keys {
		m, ok, err := dec.Next()
		if err != nil || !ok {
			t.Fatalf("frame %d: %v %v", i, ok, err)
		}
		if m.Key != k || !bytes.Equal(m.Payload, []byte{byte(i), byte(i)}) {
			t.Fatalf("frame %d out of order", i)
		}
	}
	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("expected need-more, got ok=%v err=%v", ok, err)
	}
}

func TestDecoderPayloadDoesNotAliasBuffer(t *testing.T) {
	set := capability.DefaultSet()
	enc := newCodec(t, set, 0)
	frame, _ := enc.AppendFrame(nil, uuid.New(), []byte("first"))
	frame2, _ := enc.AppendFrame(nil, uuid.New(), []byte("later"))
	dec := newCodec(t, set, 0).NewDecoder()
	dec.Write(frame)
	m, ok, err := dec.Next()
	if !ok || err != nil {
		t.Fatal(ok, err)
	}
	dec.Write(frame2)
	if _, ok, err := dec.Next(); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if string(m.Payload) != "first" {
		t.Fatalf("payload overwritten: %q", m.Payload)
	}
}

func TestDecoderBitFlips(t *testing.T) {
	sets := []capability.Set{
		{Compression: capability.CompressionNone, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone},
		{Compression: capability.CompressionGzip, Hash: capability.HashSHA1, Encryption: capability.EncryptionNone},
		{Compression: capability.CompressionGzip, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone},
		{Compression: capability.CompressionGzip, Hash: capability.HashSHA1, Encryption: capability.EncryptionChaCha20Poly1305},
		{Compression: capability.CompressionBrotli, Hash: capability.HashSHA384, Encryption: capability.EncryptionChaCha20Poly1305},
	}
	for _, set := range sets {
		enc := newCodec(t, set, 0)
		frame, err := enc.AppendFrame(nil, uuid.New(), []byte("hello world"))
		if err != nil {
			t.Fatal(err)
		}
		bodyLen := int(binary.LittleEndian.Uint32(frame[16:20]))
		// plain gzip: the deflate stream ends with an empty stored block
		// (header byte, 00 00 ff ff) before the 8-byte trailer; the zero
		// bits above the block header in that byte are never read
		padding := -1
		if set.Compression == capability.CompressionGzip && set.Encryption == capability.EncryptionNone {
			padding = FrameHeaderSize + bodyLen - 8 - 5
		}
		undetected := 0
		for i := FrameHeaderSize; i < len(frame); i++ {
			for bit := 0; bit < 8; bit++ {
				bad := append([]byte(nil), frame...)
				bad[i] ^= 1 << bit
				dec := newCodec(t, set, 0).NewDecoder()
				dec.Write(bad)
				_, ok, err := dec.Next()
				if i == padding && bit >= bits.Len8(frame[i]) && (ok || err == nil) {
					undetected++
					continue
				}
				if ok || !errors.Is(err, ErrIntegrity) {
					t.Fatalf("%v: flip byte %d bit %d: ok=%v err=%v", set, i, bit, ok, err)
				}
				if _, _, again := dec.Next(); !errors.Is(again, ErrIntegrity) {
					t.Fatalf("error not sticky: %v", again)
				}
			}
		}
		if undetected > 5 {
			t.Fatalf("%v: %d undetected flips in deflate padding", set, undetected)
		}
	}
}

func TestDecoderGzipHeaderFields(t *testing.T) {
	set := capability.Set{Compression: capability.CompressionGzip, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone}
	frame, err := newCodec(t, set, 0).AppendFrame(nil, uuid.New(), []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	// FLG, MTIME, XFL, OS: ignored by gzip readers, still rejected
	for i := 3; i < 10; i++ {
		bad := append([]byte(nil), frame...)
		bad[FrameHeaderSize+i] ^= 0x01
		dec := newCodec(t, set, 0).NewDecoder()
		dec.Write(bad)
		if _, ok, err := dec.Next(); ok || !errors.Is(err, ErrIntegrity) {
			t.Fatalf("gzip header byte %d: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestDecoderLengthLimits(t *testing.T) {
	set := capability.DefaultSet()
	enc := newCodec(t, set, 0)
	frame, err := enc.AppendFrame(nil, uuid.New(), bytes.Repeat([]byte{1}, 100))
	if err != nil {
		t.Fatal(err)
	}
	dec := newCodec(t, set, 50).NewDecoder()
	// header alone is enough to reject
	dec.Write(frame[:FrameHeaderSize])
	if _, _, err := dec.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := dec.Write([]byte{0}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Write after failure: %v", err)
	}

	small := newCodec(t, set, 50)
	if _, err := small.AppendFrame(nil, uuid.New(), make([]byte, 51)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecoderBodyLimitBeyondBound(t *testing.T) {
	set := capability.DefaultSet()
	c := newCodec(t, set, 10)
	var hdr [FrameHeaderSize]byte
	hdr[16] = 200 // body length 200, raw 0
	dec := c.NewDecoder()
	dec.Write(hdr[:])
	if _, _, err := dec.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecoderMaxUint32Lengths(t *testing.T) {
	set := capability.DefaultSet()
	var hdr [FrameHeaderSize]byte
	for _, fields := range []struct {
		name      string
		body, raw uint32
	}{
		{"both", 0xFFFFFFFF, 0xFFFFFFFF},
		{"body", 0xFFFFFFFF, 0},
		{"raw", 0, 0xFFFFFFFF},
		{"sign bit", 1 << 31, 1 << 31},
	} {
		binary.LittleEndian.PutUint32(hdr[16:20], fields.body)
		binary.LittleEndian.PutUint32(hdr[20:24], fields.raw)
		dec := newCodec(t, set, 0).NewDecoder()
		dec.Write(hdr[:])
		dec.Write(make([]byte, 64))
		if _, ok, err := dec.Next(); ok || !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("%s: ok=%v err=%v", fields.name, ok, err)
		}
	}
}

func TestDecoderFinishTruncated(t *testing.T) {
	set := capability.DefaultSet()
	enc := newCodec(t, set, 0)
	frame, _ := enc.AppendFrame(nil, uuid.New(), []byte("partial"))
	dec := newCodec(t, set, 0).NewDecoder()
	dec.Write(frame[:len(frame)-3])
	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("expected need-more, got %v %v", ok, err)
	}
	if dec.Buffered() != len(frame)-3 {
		t.Fatalf("Buffered = %d", dec.Buffered())
	}
	if err := dec.Finish(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestCapabilityMismatchIsIntegrityError(t *testing.T) {
	enc := newCodec(t, capability.Set{Compression: capability.CompressionGzip, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone}, 0)
	frame, _ := enc.AppendFrame(nil, uuid.New(), []byte("hello world"))
	dec := newCodec(t, capability.Set{Compression: capability.CompressionNone, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone}, 0).NewDecoder()
	dec.Write(frame)
	if _, _, err := dec.Next(); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}
