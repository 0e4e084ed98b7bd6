// agentmux gateway: terminates client WebSocket connections, hosts
// session actors, and persists session event logs to PostgreSQL.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmux/agentmux/pkg/cleanup"
	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/database"
	"github.com/agentmux/agentmux/pkg/gateway"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/persist"
	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/version"
)

// resolveGatewayID determines the replica identifier for lease
// ownership. Priority: GATEWAY_ID env > POD_ID env > HOSTNAME env >
// "local".
func resolveGatewayID() string {
	for _, key := range []string{"GATEWAY_ID", "POD_ID", "HOSTNAME"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}

// loadStaticTokens parses AUTH_TOKENS ("token=user,token=user") into
// the development authenticator.
func loadStaticTokens() gateway.StaticAuthenticator {
	auth := gateway.StaticAuthenticator{}
	for _, pair := range strings.Split(os.Getenv("AUTH_TOKENS"), ",") {
		token, userID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && userID != "" {
			auth[token] = userID
		}
	}
	return auth
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using existing environment")
	}

	if os.Getenv("GATEWAY_ID") == "" {
		_ = os.Setenv("GATEWAY_ID", resolveGatewayID())
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting agentmux gateway",
		"version", version.Full(),
		"gateway_id", cfg.GatewayID,
		"http_port", cfg.HTTPPort)

	ctx := context.Background()

	// 1. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewPostgresStore(dbClient.DB())

	// 2. Startup lease sweep: a crashed previous run of this replica
	// may still hold leases; release them so sessions are adoptable.
	if released, err := st.ReleaseLeasesOwnedBy(ctx, cfg.GatewayID); err != nil {
		slog.Error("Startup lease sweep failed", "error", err)
	} else if released > 0 {
		slog.Info("Released leases from previous run", "count", released)
	}

	// 3. Persistence writer
	writer := persist.NewWriter(
		persist.Options{
			BatchSize:     cfg.WriterBatchSize,
			FlushInterval: cfg.WriterFlushInterval,
			MaxQueueSize:  cfg.WriterMaxQueueSize,
		},
		st.WriteEvents,
		func(records []models.EventRecord, err error) {
			slog.Error("Event batch write failed",
				"batch_size", len(records), "error", err)
		},
	)
	writer.Start()
	defer writer.Stop()

	// 4. Session manager
	manager := session.NewManager(
		session.ManagerOptions{
			GatewayID:            cfg.GatewayID,
			LeaseTimeout:         cfg.LeaseTimeout,
			LeaseRefreshInterval: cfg.LeaseRefreshInterval,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			Actor: session.ActorOptions{
				MaxRecentEvents: cfg.MaxRecentEvents,
				IdleTimeout:     cfg.IdleTimeout,
			},
		},
		st, writer, nil,
	)
	manager.Start(ctx)
	defer manager.Stop()

	// 5. Cleanup loop
	cleaner := cleanup.NewService(
		cleanup.Options{
			Interval:          cfg.CleanupInterval,
			StaleLeaseTimeout: cfg.StaleLeaseTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxSessionAge:     cfg.MaxSessionAge,
		},
		st, manager,
	)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// 6. Gateway server
	server := gateway.NewServer(
		gateway.Options{
			SubscriberBuffer:  cfg.SubscriberBuffer,
			WriteTimeout:      cfg.WriteTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		manager, loadStaticTokens(), dbClient, writer,
	)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down due to server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("agentmux gateway stopped")
}
