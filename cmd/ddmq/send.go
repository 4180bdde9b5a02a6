package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dev.c0redev.ddmq/internal/config"
	"dev.c0redev.ddmq/internal/identity"
	"dev.c0redev.ddmq/internal/proto"
	"dev.c0redev.ddmq/internal/session"
	"dev.c0redev.ddmq/internal/transport"
)

type sendFlags struct {
	server      string
	transport   string
	key         string
	name        string
	ring        string
	exchange    string
	compression string
	hashing     string
	encryption  string
}

func sendCmd(cfgPath *string) *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Open a session and send messages",
		Long: `Open an initiator session and send each argument as one message.
Without arguments every line of stdin is sent.

Examples:
  ddmq send "hello world"
  ddmq send --compression Gzip --hashing SHA256 hello
  tail -f app.log | ddmq send --transport quic --server 10.0.0.5:7421`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			f.apply(&cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			var in io.Reader
			if len(args) == 0 {
				in = cmd.InOrStdin()
			}
			n, err := runSend(ctx, cfg, log, f.key, args, in)
			if n > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "sent %d message(s)\n", n)
			}
			return err
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.server, "server", "s", "", "Server address (default from config)")
	fl.StringVarP(&f.transport, "transport", "t", "", "tcp or quic (default from config)")
	fl.StringVarP(&f.key, "key", "k", "", "Message key for every message (default: random per message)")
	fl.StringVar(&f.name, "name", "", "CLIENT-NAME (default from identity file)")
	fl.StringVar(&f.ring, "ring", "", "RING-NAME")
	fl.StringVar(&f.exchange, "exchange", "", "EXCHANGE-TYPE: Direct, Fanout or Ring")
	fl.StringVar(&f.compression, "compression", "", "None, Gzip or Brotli")
	fl.StringVar(&f.hashing, "hashing", "", "SHA1, SHA256, SHA384 or SHA512")
	fl.StringVar(&f.encryption, "encryption", "", "None or ChaCha20Poly1305")

	return cmd
}

func (f sendFlags) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Client.Server, f.server)
	set(&cfg.Client.Transport, f.transport)
	set(&cfg.Client.ClientName, f.name)
	set(&cfg.Client.RingName, f.ring)
	set(&cfg.Client.ExchangeType, f.exchange)
	set(&cfg.Capabilities.Compression, f.compression)
	set(&cfg.Capabilities.Hashing, f.hashing)
	set(&cfg.Capabilities.Encryption, f.encryption)
}

// clientHeaders builds the initiator header set from config and identity.
func clientHeaders(cfg config.Config, id *identity.Identity) (*proto.HeaderSet, error) {
	hs := proto.NewHeaders(id.ID(), cfg.CapabilitySet())
	name := cfg.Client.ClientName
	if name == "" {
		name = id.Name()
	}
	if err := hs.SetClientName(name); err != nil {
		return nil, err
	}
	if cfg.Client.RingName != "" {
		if err := hs.SetRingName(cfg.Client.RingName); err != nil {
			return nil, err
		}
	}
	if t, ok := proto.ParseExchangeType(cfg.Client.ExchangeType); ok {
		hs.SetExchangeType(t)
	}
	hs.SetMaxLength(cfg.Limits.MaxPayload)
	return hs, nil
}

// runSend sends messages, or one message per line of in when in is non-nil.
func runSend(ctx context.Context, cfg config.Config, log zerolog.Logger, key string, messages []string, in io.Reader) (int, error) {
	var fixed uuid.UUID
	if key != "" {
		k, err := uuid.Parse(key)
		if err != nil {
			return 0, fmt.Errorf("--key: %w", err)
		}
		fixed = k
	}
	id, err := identity.LoadOrCreate(cfg.Client.ClientIDFile)
	if err != nil {
		return 0, err
	}
	hs, err := clientHeaders(cfg, id)
	if err != nil {
		return 0, err
	}
	opts, err := sessionOptions(cfg, false)
	if err != nil {
		return 0, err
	}
	dialer, err := transport.Dialer(cfg.Client.Transport, nil)
	if err != nil {
		return 0, err
	}
	reg := session.NewRegistry(session.RegistryOptions{
		Session: opts,
		Dialer:  dialer,
		Logger:  log,
	})
	defer reg.DisposeAll()

	s, err := reg.ConnectAsInitiator(ctx, cfg.Client.Server, hs)
	if err != nil {
		return 0, err
	}
	next := func() uuid.UUID {
		if fixed != uuid.Nil {
			return fixed
		}
		return uuid.New()
	}

	sent := 0
	send := func(p []byte) error {
		if err := s.Send(ctx, next(), p); err != nil {
			return err
		}
		sent++
		return nil
	}
	if in == nil {
		for _, m := range messages {
			if err := send([]byte(m)); err != nil {
				return sent, err
			}
		}
		return sent, s.Close()
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), s.MaxPayload()+1)
	for sc.Scan() {
		if err := send(sc.Bytes()); err != nil {
			return sent, err
		}
	}
	if err := sc.Err(); err != nil {
		return sent, err
	}
	return sent, s.Close()
}
