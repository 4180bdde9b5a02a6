package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dev.c0redev.ddmq/internal/config"
	"dev.c0redev.ddmq/internal/metrics"
	"dev.c0redev.ddmq/internal/session"
	"dev.c0redev.ddmq/internal/store"
	"dev.c0redev.ddmq/internal/transport"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var (
		listen     string
		quicListen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept sessions over TCP (and optionally QUIC)",
		Long: `Accept sessions and log every received message.

Examples:
  ddmq serve
  ddmq serve --listen :7420 --quic :7421
  ddmq serve -c /etc/ddmq/ddmq.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if quicListen != "" {
				cfg.Server.QUICListen = quicListen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "TCP listen address (default from config)")
	cmd.Flags().StringVar(&quicListen, "quic", "", "QUIC listen address (default from config, empty = off)")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	opts, err := sessionOptions(cfg, true)
	if err != nil {
		return err
	}
	opts.OnMessage = func(s *session.Session, key uuid.UUID, payload []byte) {
		log.Info().
			Str("session_id", s.ID().String()).
			Str("client_name", s.Name()).
			Str("key", key.String()).
			Int("bytes", len(payload)).
			Msg("message")
		log.Debug().Str("key", key.String()).Bytes("payload", payload).Msg("payload")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	var journal session.Journal
	if cfg.Server.Journal != "" {
		db, err := store.Open(cfg.Server.Journal)
		if err != nil {
			return err
		}
		defer db.Close()
		if n, err := db.CloseDangling(ctx, time.Now()); err != nil {
			return err
		} else if n > 0 {
			log.Warn().Int64("sessions", n).Msg("closed journal rows left open by a previous run")
		}
		journal = db
	}

	reg := session.NewRegistry(session.RegistryOptions{
		Session: opts,
		Logger:  log,
		Metrics: m,
		Journal: journal,
	})
	defer reg.DisposeAll()

	var listeners []transport.Listener
	tcpLn, err := transport.ListenTCP(cfg.Server.Listen)
	if err != nil {
		return err
	}
	listeners = append(listeners, tcpLn)
	if cfg.Server.QUICListen != "" {
		tlsConf, err := transport.ServerTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			_ = tcpLn.Close()
			return err
		}
		quicLn, err := transport.ListenQUIC(cfg.Server.QUICListen, tlsConf)
		if err != nil {
			_ = tcpLn.Close()
			return err
		}
		listeners = append(listeners, quicLn)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv := transport.NewServer(reg, log)
	errc := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln transport.Listener) { errc <- srv.Serve(ctx, ln) }(ln)
	}

	var first error
	for range listeners {
		if err := <-errc; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	log.Info().Int("sessions", reg.Len()).Msg("shutting down")
	return first
}
