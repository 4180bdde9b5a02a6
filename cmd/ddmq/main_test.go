package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dev.c0redev.ddmq/internal/capability"
	"dev.c0redev.ddmq/internal/config"
	"dev.c0redev.ddmq/internal/identity"
	"dev.c0redev.ddmq/internal/proto"
	"dev.c0redev.ddmq/internal/session"
	"dev.c0redev.ddmq/internal/transport"
)

func TestClientHeaders(t *testing.T) {
	cfg := config.Default()
	cfg.Capabilities.Compression = "brotli"
	cfg.Capabilities.Hashing = "sha-384"
	cfg.Client.RingName = "east"
	cfg.Client.ExchangeType = "fanout"
	cfg.Limits.MaxPayload = 4096
	id, err := identity.LoadOrCreate("")
	if err != nil {
		t.Fatal(err)
	}
	hs, err := clientHeaders(cfg, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := hs.ClientID(); got != id.ID() {
		t.Fatalf("client id %s", got)
	}
	if hs.ClientName() != id.Name() || hs.RingName() != "east" {
		t.Fatalf("name %q ring %q", hs.ClientName(), hs.RingName())
	}
	if et, ok := hs.ExchangeType(); !ok || et != proto.ExchangeFanout {
		t.Fatalf("exchange %v %v", et, ok)
	}
	if n, ok, _ := hs.MaxLength(); !ok || n != 4096 {
		t.Fatalf("max length %d %v", n, ok)
	}
	want := capability.Set{Compression: capability.CompressionBrotli, Hash: capability.HashSHA384, Encryption: capability.EncryptionNone}
	if hs.Capabilities() != want {
		t.Fatalf("caps %v", hs.Capabilities())
	}
}

func TestKeygenAndSessionOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kem.key")
	pub, err := writeKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Capabilities.KEMKeyFile = path
	cfg.Capabilities.PeerKEMKeyFile = pub

	srvOpts, err := sessionOptions(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	cliOpts, err := sessionOptions(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if srvOpts.KEMKey == nil || srvOpts.PeerKEMKey != nil {
		t.Fatal("acceptor options should carry only the decapsulation key")
	}
	if cliOpts.KEMKey != nil || !bytes.Equal(cliOpts.PeerKEMKey, srvOpts.KEMKey.EncapsulationKey()) {
		t.Fatal("initiator options should carry the matching public key")
	}

	cfg.Capabilities.KEMKeyFile = filepath.Join(dir, "missing")
	if _, err := sessionOptions(cfg, true); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestRunSendEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kem.key")
	pub, err := writeKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Client.ClientIDFile = filepath.Join(dir, "client_id")
	cfg.Capabilities.Compression = "Gzip"
	cfg.Capabilities.Hashing = "SHA256"
	cfg.Capabilities.Encryption = "ChaCha20Poly1305"
	cfg.Capabilities.KEMKeyFile = path
	cfg.Capabilities.PeerKEMKeyFile = pub

	srvOpts, err := sessionOptions(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	srvOpts.OnMessage = func(_ *session.Session, _ uuid.UUID, p []byte) { got <- string(p) }
	log := zerolog.New(zerolog.NewTestWriter(t))
	reg := session.NewRegistry(session.RegistryOptions{Session: srvOpts, Logger: log})
	defer reg.DisposeAll()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.NewServer(reg, log).Serve(ctx, ln) }()

	cfg.Client.Server = ln.Addr().String()
	n, err := runSend(ctx, cfg, log, "", nil, strings.NewReader("first\nsecond\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("sent %d", n)
	}
	for _, want := range []string{"first", "second"} {
		select {
		case m := <-got:
			if m != want {
				t.Fatalf("got %q want %q", m, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	// identity persisted across runs
	id1, _ := identity.LoadOrCreate(cfg.Client.ClientIDFile)
	if _, err := runSend(ctx, cfg, log, "not-a-uuid", []string{"x"}, nil); err == nil {
		t.Fatal("expected --key parse error")
	}
	id2, _ := identity.LoadOrCreate(cfg.Client.ClientIDFile)
	if id1.ID() != id2.ID() {
		t.Fatal("client id changed between runs")
	}
}
