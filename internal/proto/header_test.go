package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/capability"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []HeaderEntry
		wantErr bool
	}{
		{"basic", "A:1;B:2", []HeaderEntry{{"A", "1"}, {"B", "2"}}, false},
		{"trailing separator", "A:1;", []HeaderEntry{{"A", "1"}}, false},
		{"empty entries", ";;A:1;;", []HeaderEntry{{"A", "1"}}, false},
		{"first colon splits", "URL:tcp://h:1", []HeaderEntry{{"URL", "tcp://h:1"}}, false},
		{"empty value", "A:", []HeaderEntry{{"A", ""}}, false},
		{"empty text", "", nil, false},
		{"missing colon", "A:1;B", nil, true},
		{"empty key", ":x", nil, true},
		{"duplicate", "A:1;a:2", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseHeaders([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrHandshake) {
					t.Fatalf("expected ErrHandshake, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			got := h.Entries()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("entry %d: got %v want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHeaderSetAddValidation(t *testing.T) {
	h := &HeaderSet{}
	if err := h.Add("RING-NAME", "a:b"); err != nil {
		t.Fatalf("colon in value should be allowed: %v", err)
	}
	for _, kv := range [][2]string{{"BAD:KEY", "v"}, {"BAD;KEY", "v"}, {"", "v"}, {"K", "x;y"}, {"ring-name", "dup"}} {
		if err := h.Add(kv[0], kv[1]); !errors.Is(err, ErrInvalidHeader) {
			t.Errorf("Add(%q,%q): expected ErrInvalidHeader, got %v", kv[0], kv[1], err)
		}
	}
	if err := h.Set("ring-name", "other"); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.Get("RING-NAME"); v != "other" || h.Len() != 1 {
		t.Fatalf("Set did not replace: %v", h.Entries())
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	id := uuid.New()
	h := NewHeaders(id, capability.Set{Compression: capability.CompressionBrotli, Hash: capability.HashSHA384, Encryption: capability.EncryptionNone})
	h.SetMaxLength(4096)
	if err := h.SetClientName("amber-falcon"); err != nil {
		t.Fatal(err)
	}
	if err := h.SetRingName("ring-1"); err != nil {
		t.Fatal(err)
	}
	h.SetExchangeType(ExchangeFanout)

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatal(err)
	}
	got, err := ReadHandshake(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	gotID, err := got.ClientID()
	if err != nil || gotID != id {
		t.Fatalf("ClientID = %v, %v", gotID, err)
	}
	if caps := got.Capabilities(); caps.Compression != capability.CompressionBrotli || caps.Hash != capability.HashSHA384 {
		t.Fatalf("caps %v", caps)
	}
	if n, ok, err := got.MaxLength(); n != 4096 || !ok || err != nil {
		t.Fatalf("MaxLength = %d %v %v", n, ok, err)
	}
	if got.ClientName() != "amber-falcon" || got.RingName() != "ring-1" {
		t.Fatalf("names: %q %q", got.ClientName(), got.RingName())
	}
	if et, ok := got.ExchangeType(); et != ExchangeFanout || !ok {
		t.Fatalf("exchange type %v %v", et, ok)
	}
}

func TestHandshakeLittleEndianPrefix(t *testing.T) {
	h := &HeaderSet{}
	_ = h.Add("A", "1")
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{3, 0, 0, 0, 'A', ':', '1'}) {
		t.Fatalf("wire = %v", buf.Bytes())
	}
}

func TestClientIDRequired(t *testing.T) {
	h, err := ParseHeaders([]byte("COMPRESSION:Gzip"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ClientID(); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	h, _ = ParseHeaders([]byte("CLIENT-ID:not-a-uuid"))
	if _, err := h.ClientID(); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestUnknownCompressionFallsBack(t *testing.T) {
	h, _ := ParseHeaders([]byte("CLIENT-ID:3fa85f64-5717-4562-b3fc-2c963f66afa6;COMPRESSION:Zstd"))
	if c := h.Capabilities().Compression; c != capability.CompressionNone {
		t.Fatalf("expected None, got %v", c)
	}
	if hs := h.Capabilities().Hash; hs != capability.HashSHA1 {
		t.Fatalf("expected SHA1 default, got %v", hs)
	}
}

func TestMaxLengthInvalid(t *testing.T) {
	h, _ := ParseHeaders([]byte("MAX-LENGTH:lots"))
	if _, ok, err := h.MaxLength(); !ok || err == nil {
		t.Fatalf("expected present+error, got %v %v", ok, err)
	}
	h, _ = ParseHeaders([]byte("MAX-LENGTH:-3"))
	if _, ok, err := h.MaxLength(); !ok || err == nil {
		t.Fatalf("expected present+error, got %v %v", ok, err)
	}
}

func TestReadHandshakeErrors(t *testing.T) {
	if _, err := ReadHandshake(bytes.NewReader([]byte{1, 0}), 0); !errors.Is(err, ErrHandshake) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("short prefix: %v", err)
	}
	if _, err := ReadHandshake(bytes.NewReader([]byte{10, 0, 0, 0, 'A'}), 0); !errors.Is(err, ErrHandshake) {
		t.Fatalf("short body: %v", err)
	}
	if _, err := ReadHandshake(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0x7f}), 0); !errors.Is(err, ErrHandshake) {
		t.Fatalf("oversized: %v", err)
	}
	if _, err := ReadHandshake(bytes.NewReader([]byte{9, 0, 0, 0}), 8); !errors.Is(err, ErrHandshake) {
		t.Fatalf("over caller limit: %v", err)
	}
}
