package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/capability"
)

// HeaderEntry: one KEY:VALUE pair of the handshake.
type HeaderEntry struct {
	Key   string
	Value string
}

// HeaderSet: ordered handshake entries, keys unique (case-insensitive).
// Handshake on wire: u32le len | "KEY:VALUE;KEY:VALUE".
type HeaderSet struct {
	entries []HeaderEntry
}

// NewHeaders builds the initiator's header set: identity + capability tags.
func NewHeaders(id uuid.UUID, caps capability.Set) *HeaderSet {
	h := &HeaderSet{}
	h.entries = append(h.entries,
		HeaderEntry{KeyClientID, id.String()},
		HeaderEntry{KeyCompression, string(caps.Compression)},
		HeaderEntry{KeyHashing, string(caps.Hash)},
		HeaderEntry{KeyEncryption, string(caps.Encryption)},
	)
	return h
}

func validEntry(key, value string) error {
	if key == "" || strings.ContainsAny(key, ":;") {
		return fmt.Errorf("%w: key %q", ErrInvalidHeader, key)
	}
	if strings.Contains(value, ";") {
		return fmt.Errorf("%w: value for %s contains ';'", ErrInvalidHeader, key)
	}
	return nil
}

func (h *HeaderSet) index(key string) int {
	for i, e := range h.entries {
		if strings.EqualFold(e.Key, key) {
			return i
		}
	}
	return -1
}

// Add appends an entry; duplicate key or delimiter in key/value -> ErrInvalidHeader.
func (h *HeaderSet) Add(key, value string) error {
	if err := validEntry(key, value); err != nil {
		return err
	}
	if h.index(key) >= 0 {
		return fmt.Errorf("%w: duplicate key %s", ErrInvalidHeader, key)
	}
	h.entries = append(h.entries, HeaderEntry{key, value})
	return nil
}

// Set replaces the value of key or appends it.
func (h *HeaderSet) Set(key, value string) error {
	if err := validEntry(key, value); err != nil {
		return err
	}
	if i := h.index(key); i >= 0 {
		h.entries[i].Value = value
		return nil
	}
	h.entries = append(h.entries, HeaderEntry{key, value})
	return nil
}

// Get looks up key (case-insensitive).
func (h *HeaderSet) Get(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	if i := h.index(key); i >= 0 {
		return h.entries[i].Value, true
	}
	return "", false
}

// Len: number of entries.
func (h *HeaderSet) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

// Entries returns a copy in wire order.
func (h *HeaderSet) Entries() []HeaderEntry {
	if h == nil {
		return nil
	}
	return append([]HeaderEntry(nil), h.entries...)
}

// Clone: deep copy, safe to mutate independently.
func (h *HeaderSet) Clone() *HeaderSet {
	return &HeaderSet{entries: h.Entries()}
}

func (h *HeaderSet) String() string {
	b, _ := h.MarshalText()
	return string(b)
}

// MarshalText renders "KEY:VALUE;KEY:VALUE".
func (h *HeaderSet) MarshalText() ([]byte, error) {
	var b []byte
	for i, e := range h.Entries() {
		if i > 0 {
			b = append(b, ';')
		}
		b = append(b, e.Key...)
		b = append(b, ':')
		b = append(b, e.Value...)
	}
	return b, nil
}

// ParseHeaders parses header text. Splits each entry on the first ':';
// empty entries are skipped; missing ':' or duplicate key -> ErrHandshake.
func ParseHeaders(text []byte) (*HeaderSet, error) {
	h := &HeaderSet{}
	for _, raw := range strings.Split(string(text), ";") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		key, value, ok := strings.Cut(raw, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrHandshake, raw)
		}
		if h.index(key) >= 0 {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrHandshake, key)
		}
		h.entries = append(h.entries, HeaderEntry{key, value})
	}
	return h, nil
}

// WriteHandshake sends the length-prefixed header text in one write.
func WriteHandshake(w io.Writer, h *HeaderSet) error {
	text, _ := h.MarshalText()
	if len(text) > MaxHeaderSize {
		return fmt.Errorf("%w: header %d bytes > %d", ErrInvalidHeader, len(text), MaxHeaderSize)
	}
	buf := make([]byte, 4, 4+len(text))
	binary.LittleEndian.PutUint32(buf, uint32(len(text)))
	buf = append(buf, text...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and parses one header block. maxLen<=0 -> MaxHeaderSize.
// Read failures wrap both ErrHandshake and the transport error.
func ReadHandshake(r io.Reader, maxLen int) (*HeaderSet, error) {
	if maxLen <= 0 || maxLen > MaxHeaderSize {
		maxLen = MaxHeaderSize
	}
	var ln [4]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return nil, fmt.Errorf("%w: read length: %w", ErrHandshake, err)
	}
	n := binary.LittleEndian.Uint32(ln[:])
	if uint64(n) > uint64(maxLen) {
		return nil, fmt.Errorf("%w: header %d bytes > %d", ErrHandshake, n, maxLen)
	}
	text := make([]byte, n)
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, fmt.Errorf("%w: read headers: %w", ErrHandshake, err)
	}
	return ParseHeaders(text)
}

// ClientID: required session identity. Missing or invalid -> ErrHandshake.
func (h *HeaderSet) ClientID() (uuid.UUID, error) {
	v, ok := h.Get(KeyClientID)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing %s", ErrHandshake, KeyClientID)
	}
	id, err := uuid.Parse(strings.TrimSpace(v))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", ErrHandshake, KeyClientID, err)
	}
	return id, nil
}

// SetClientID replaces CLIENT-ID.
func (h *HeaderSet) SetClientID(id uuid.UUID) {
	_ = h.Set(KeyClientID, id.String())
}

// Capabilities resolves capability tags; absent or unknown -> defaults.
func (h *HeaderSet) Capabilities() capability.Set {
	c, _ := h.Get(KeyCompression)
	s, _ := h.Get(KeyHashing)
	e, _ := h.Get(KeyEncryption)
	return capability.Resolve(c, s, e)
}

// SetCapabilities replaces the three capability entries.
func (h *HeaderSet) SetCapabilities(caps capability.Set) {
	_ = h.Set(KeyCompression, string(caps.Compression))
	_ = h.Set(KeyHashing, string(caps.Hash))
	_ = h.Set(KeyEncryption, string(caps.Encryption))
}

// MaxLength parses the advisory MAX-LENGTH. present=false when absent;
// err non-nil when present but not a positive decimal.
func (h *HeaderSet) MaxLength() (n int, present bool, err error) {
	v, ok := h.Get(KeyMaxLength)
	if !ok {
		return 0, false, nil
	}
	n, err = strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, err
	}
	if n <= 0 {
		return 0, true, fmt.Errorf("%s must be positive, got %d", KeyMaxLength, n)
	}
	return n, true, nil
}

// SetMaxLength sets MAX-LENGTH.
func (h *HeaderSet) SetMaxLength(n int) {
	_ = h.Set(KeyMaxLength, strconv.Itoa(n))
}

// ClientName: advisory human-readable name.
func (h *HeaderSet) ClientName() string {
	v, _ := h.Get(KeyClientName)
	return v
}

// SetClientName rejects names containing ';'.
func (h *HeaderSet) SetClientName(name string) error {
	return h.Set(KeyClientName, name)
}

func (h *HeaderSet) RingName() string {
	v, _ := h.Get(KeyRingName)
	return v
}

func (h *HeaderSet) SetRingName(name string) error {
	return h.Set(KeyRingName, name)
}

// ExchangeType: ok=false when absent or unknown.
func (h *HeaderSet) ExchangeType() (ExchangeType, bool) {
	v, present := h.Get(KeyExchangeType)
	if !present {
		return "", false
	}
	return ParseExchangeType(v)
}

func (h *HeaderSet) SetExchangeType(t ExchangeType) {
	_ = h.Set(KeyExchangeType, string(t))
}
