package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"realtime-broker/internal/auth"
	"realtime-broker/internal/config"
	"realtime-broker/internal/database"
	"realtime-broker/internal/handlers"
	"realtime-broker/internal/mailbox"
	"realtime-broker/internal/models"
	"realtime-broker/internal/observability"
	"realtime-broker/internal/websocket"
	"realtime-broker/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker and serve WebSocket clients on /ws.

Configuration comes from defaults, then the YAML file (--config or CONFIG_FILE),
then environment variables, then flags. SIGINT or SIGTERM shuts down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	logger.SetGlobal(log)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	if cfg.Auth.APIToken == "" && cfg.Auth.Mode != config.AuthModeJWT {
		log.Warn().Msg("no api_token configured, push API will refuse all requests")
	}

	sessions, err := openSessions(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer sessions.Close()

	mb, err := openMailbox(ctx, cfg, log)
	if err != nil {
		return err
	}

	// The stats collector reads the hub, which needs the metrics first.
	var hub *websocket.Hub
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, func() models.Stats { return hub.Stats() })

	hub = websocket.NewHub(websocket.Options{
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		MaxMissedPongs:    cfg.Broker.MaxMissedPongs,
		SendBufferSize:    cfg.Broker.SendBufferSize,
		WriteWait:         cfg.Broker.WriteWait,
		MaxMessageSize:    cfg.Broker.MaxMessageSize,
		MailboxSweep:      cfg.Broker.MailboxSweep,
		PresenceRetention: cfg.Broker.MailboxRetention,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}, websocket.Deps{
		Mailbox:  mb,
		Verifier: verifier,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   &log,
	})

	router := handlers.NewRouter(
		handlers.NewWebSocketHandlers(hub, cfg.Server.AllowedOrigins, log),
		handlers.NewBrokerHandlers(hub, log),
		handlers.RouterOptions{
			Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			Authorize:    auth.NewAPIAuthorizer(cfg.Auth).Authorize,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = mb.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("auth_mode", cfg.Auth.Mode).
		Bool("redis_mailbox", cfg.Redis.Addr != "").
		Bool("session_log", cfg.Database.URL != "").
		Msg("Starting broker")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return hub.Serve(ln, router)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return hub.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openSessions(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (database.SessionRepository, error) {
	if cfg.URL == "" {
		return database.NoopSessions{}, nil
	}
	db, err := database.NewPostgresDB(ctx, cfg.URL, log)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openMailbox(ctx context.Context, cfg *config.Config, log zerolog.Logger) (mailbox.Mailbox, error) {
	policy := mailbox.Policy{
		Retention:  cfg.Broker.MailboxRetention,
		MaxPerUser: cfg.Broker.MailboxMaxPerUser,
	}
	if cfg.Redis.Addr == "" {
		return mailbox.NewMemoryMailbox(policy), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	mb, err := mailbox.NewRedisMailbox(client, cfg.Redis.KeyPrefix, policy, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return mb, nil
}
