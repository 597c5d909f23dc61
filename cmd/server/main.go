/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the IconForge credit authority server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (cobra)
  2. Load TOML configuration and build the plan catalog
  3. Initialize SQLite store
  4. Create API handler with dependencies
  5. Configure HTTP router
  6. Start server with graceful shutdown

FLAGS:
  --config  TOML configuration path (optional; flags override its server section)
  --addr    HTTP listen address (default: :8080)
  --db      SQLite database path (default: credits.db)
            Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server --db="./data/credits.db"

  # Run with a custom catalog
  ./server --config=config.toml

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - factory/config.go: TOML configuration schema
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iconforge/credit-engine/api"
	"github.com/iconforge/credit-engine/factory"
	"github.com/iconforge/credit-engine/store/sqlite"
)

func main() {
	var (
		configPath string
		addr       string
		dbPath     string
	)

	root := &cobra.Command{
		Use:   "credit-server",
		Short: "IconForge credit authority server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, dbPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "TOML configuration path")
	root.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	root.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, addr, dbPath string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Configuration: file first, flags win.
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath != "" {
		cfg.Server.Database = dbPath
	}

	catalog := cfg.Catalog()

	store, err := sqlite.New(cfg.Server.Database)
	if err != nil {
		log.Error().Err(err).Str("db", cfg.Server.Database).Msg("failed to initialize database")
		return err
	}
	defer store.Close()

	handler := api.NewHandler(store, catalog, log)
	router := api.NewRouter(handler, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Int("plans", len(catalog.Plans())).
			Msg("credit authority listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}

func loadConfig(path string) (*factory.Config, error) {
	if path == "" {
		return factory.Parse("")
	}
	return factory.Load(path)
}
