// ddmq: pluggable message transport. serve accepts sessions, send pushes messages.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dev.c0redev.ddmq/internal/config"
	"dev.c0redev.ddmq/internal/crypto"
	"dev.c0redev.ddmq/internal/logging"
	"dev.c0redev.ddmq/internal/session"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "ddmq",
		Short: "Pluggable TCP/QUIC message transport",
		Long: `ddmq moves keyed messages over long-lived sessions.

Each session negotiates compression, integrity hash and encryption
in a one-shot header exchange, then streams self-describing frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("DDMQ_CONFIG"), "Path to ddmq.toml")

	rootCmd.AddCommand(
		serveCmd(&cfgPath),
		sendCmd(&cfgPath),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddmq: %s\n", err)
		os.Exit(1)
	}
}

// setup loads config and builds the process logger.
func setup(path string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, "ddmq")
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok && cfg.Log.Level != "" {
		log.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, using info")
	}
	return cfg, log, nil
}

// sessionOptions maps config onto session options. Key files are only read
// when configured: the acceptor seed for serve, the peer public key for send.
func sessionOptions(cfg config.Config, acceptor bool) (session.Options, error) {
	opts := session.Options{
		HandshakeTimeout: cfg.Limits.HandshakeTimeout,
		WriteTimeout:     cfg.Limits.WriteTimeout,
		MaxPayload:       cfg.Limits.MaxPayload,
		ReadBuffer:       cfg.Limits.ReadBuffer,
	}
	key, err := cfg.EncryptionKey()
	if err != nil {
		return opts, err
	}
	opts.EncryptionKey = key
	if acceptor && cfg.Capabilities.KEMKeyFile != "" {
		dk, err := crypto.LoadDecapsulationKey(cfg.Capabilities.KEMKeyFile)
		if err != nil {
			return opts, fmt.Errorf("kem key: %w", err)
		}
		opts.KEMKey = dk
	}
	if !acceptor && cfg.Capabilities.PeerKEMKeyFile != "" {
		pub, err := crypto.ReadHexFile(cfg.Capabilities.PeerKEMKeyFile)
		if err != nil {
			return opts, fmt.Errorf("peer kem key: %w", err)
		}
		opts.PeerKEMKey = pub
	}
	return opts, nil
}
