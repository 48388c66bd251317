// Command chatsyncd runs the messaging sync core headless: it keeps one
// user's real-time channel connected, maintains conversations and unread
// counters, and serves health, metrics and state over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gigmarket/chatsync/internal/api"
	"github.com/gigmarket/chatsync/internal/config"
	"github.com/gigmarket/chatsync/internal/moderation"
	"github.com/gigmarket/chatsync/internal/ratelimit"
	"github.com/gigmarket/chatsync/internal/session"
	"github.com/gigmarket/chatsync/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsyncd: %v\n", err)
		if errors.Is(err, transport.ErrAuthenticationRejected) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("chatsyncd", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to YAML config file (default: $CHATSYNC_CONFIG)")
	envFile := flagSet.String("env-file", ".env", "dotenv file loaded before reading the environment")
	logLevel := flagSet.String("log-level", "", "log level: debug, info, warn, error")
	httpAddr := flagSet.String("http-addr", "", "listen address for /health, /metrics and /state")
	transportKind := flagSet.String("transport", "", "real-time transport: ws or nats")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	if *configPath == "" {
		*configPath = os.Getenv("CHATSYNC_CONFIG")
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flagSet.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if flagSet.Changed("transport") {
		cfg.Transport = *transportKind
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	return serve(cfg, logger)
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	token := func(ctx context.Context) (string, error) { return cfg.Token, nil }

	apiClient, err := api.New(api.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   token,
		Timeout: cfg.API.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	channel := newChannel(cfg, token, logger)

	deps := session.Deps{
		Channel: channel,
		API:     apiClient,
		Logger:  logger,
	}
	if cfg.Moderation.ScreenOutbound {
		deps.Screen = moderation.NewScreen(cfg.Moderation.AllowLinks)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}

		deps.Throttle = ratelimit.NewRedisThrottle(redisClient, ratelimit.TypingRule(cfg.Session.TypingMinInterval), logger)
		if cfg.Redis.Presence {
			instance, _ := os.Hostname()
			if instance == "" {
				instance = "chatsyncd"
			}
			deps.Presence = session.NewPresenceStore(redisClient, instance)
		}
	}

	sess, err := session.New(session.Config{
		UserID:               cfg.UserID,
		ReconnectBaseDelay:   cfg.Session.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Session.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconcileOnConnect:   cfg.Session.ReconcileOnConnect,
		ReconcileTimeout:     cfg.API.Timeout,
		TypingExpiry:         cfg.Session.TypingExpiry,
		TypingMinInterval:    cfg.Session.TypingMinInterval,
		AlertCapacity:        cfg.Session.AlertCapacity,
		SendTimeout:          cfg.Session.SendTimeout,
		HistoryPageSize:      cfg.Session.HistoryPageSize,
	}, deps)
	if err != nil {
		return err
	}

	logger.Info("chatsyncd starting",
		zap.String("user_id", cfg.UserID),
		zap.String("transport", cfg.Transport),
		zap.String("ws_url", cfg.WebSocket.URL),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("api_url", cfg.API.BaseURL),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Bool("presence", deps.Presence != nil),
		zap.Bool("screen_outbound", deps.Screen != nil),
		zap.String("http_addr", cfg.HTTPAddr))

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           newRouter(sess, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", zap.Error(err))
			}
		}()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		sess.Close()
	}()

	runErr := sess.Run(context.Background())

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		cancel()
	}

	if transport.IsAuthRejected(runErr) {
		logger.Error("credential rejected; provide a fresh token and restart", zap.Error(runErr))
	}
	return runErr
}

func newChannel(cfg *config.Config, token transport.CredentialFunc, logger *zap.Logger) transport.Channel {
	if cfg.Transport == config.TransportNATS {
		return transport.NewNATSChannel(transport.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           "chatsyncd-" + cfg.UserID,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			UserID:         cfg.UserID,
			Credential:     token,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		}, logger)
	}
	return transport.NewWSChannel(transport.WSConfig{
		URL:          cfg.WebSocket.URL,
		Credential:   token,
		DialTimeout:  cfg.WebSocket.DialTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		Heartbeat: transport.HeartbeatConfig{
			Interval: cfg.WebSocket.HeartbeatInterval,
			Timeout:  cfg.WebSocket.HeartbeatTimeout,
		},
	}, logger)
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
