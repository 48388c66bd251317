// Command chatsync-devserver runs an in-memory stand-in for the marketplace
// chat backend (realtime endpoint plus REST API) for local development
// against chatsyncd.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/devserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsync-devserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("chatsync-devserver", pflag.ContinueOnError)
	listenAddr := flagSet.String("listen", ":8080", "listen address (env LISTEN_ADDR)")
	tokens := flagSet.StringToString("token", map[string]string{"dev-client": "client", "dev-freelancer": "freelancer"},
		"bearer credential to user ID, repeatable: --token tok=user")
	seed := flagSet.StringArray("seed", []string{"client,freelancer"},
		"participant pairs to create conversations for, e.g. --seed a,b")
	adminToken := flagSet.String("admin-token", "", "bearer credential for POST /admin/alerts; empty disables it (env ADMIN_TOKEN)")
	natsURL := flagSet.String("nats-url", "", "mirror events to NATS at this URL (env NATS_URL)")
	natsPrefix := flagSet.String("nats-prefix", devserver.DefaultBridgeConfig().SubjectPrefix, "NATS subject prefix")
	heartbeat := flagSet.Duration("heartbeat", devserver.DefaultHeartbeatConfig().Interval, "ping interval; 0 disables")
	debug := flagSet.Bool("debug", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// A missing .env is normal.
	_ = godotenv.Load()
	if v := os.Getenv("LISTEN_ADDR"); v != "" && !flagSet.Changed("listen") {
		*listenAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" && !flagSet.Changed("nats-url") {
		*natsURL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" && !flagSet.Changed("admin-token") {
		*adminToken = v
	}

	zc := zap.NewDevelopmentConfig()
	if !*debug {
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	config := devserver.DefaultConfig()
	config.Tokens = *tokens
	config.AdminToken = *adminToken
	config.Heartbeat.Interval = *heartbeat
	config.Logger = logger

	if *natsURL != "" {
		bc := devserver.DefaultBridgeConfig()
		bc.URL = *natsURL
		bc.SubjectPrefix = *natsPrefix
		bridge, err := devserver.NewBridge(bc, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer bridge.Close()
		config.Mirror = bridge
	}

	srv := devserver.New(config)
	for _, pair := range *seed {
		participants := strings.Split(pair, ",")
		if len(participants) != 2 || participants[0] == "" || participants[1] == "" {
			return fmt.Errorf("seed %q: want two comma-separated user IDs", pair)
		}
		conv := srv.Backend().CreateConversation("", participants...)
		logger.Info("seeded conversation", zap.String("id", conv.ID), zap.Strings("participants", conv.Participants))
	}

	users := make([]string, 0, len(config.Tokens))
	for token, user := range config.Tokens {
		users = append(users, user+"="+token)
	}
	logger.Info("chatsync dev server starting",
		zap.String("listen_addr", *listenAddr),
		zap.Strings("users", users),
		zap.String("nats_url", *natsURL),
		zap.Bool("admin_routes", *adminToken != ""),
		zap.Duration("heartbeat", config.Heartbeat.Interval))

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	srv.Shutdown()
	return nil
}
