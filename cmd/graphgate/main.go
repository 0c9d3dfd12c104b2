package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/graphgate/internal/broker"
	"github.com/alexjbarnes/graphgate/internal/config"
	"github.com/alexjbarnes/graphgate/internal/dispatch"
	"github.com/alexjbarnes/graphgate/internal/graph"
	"github.com/alexjbarnes/graphgate/internal/logging"
	"github.com/alexjbarnes/graphgate/internal/mcpserver"
	"github.com/alexjbarnes/graphgate/internal/server"
	"github.com/alexjbarnes/graphgate/internal/settings"
	"github.com/alexjbarnes/graphgate/internal/state"
	"github.com/alexjbarnes/graphgate/internal/stream"
	"github.com/alexjbarnes/graphgate/internal/tools"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before anything else.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword reads a password from stdin and prints its bcrypt hash,
// for use as ADMIN_PASSWORD_HASH.
func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ring := logging.NewRing(0, logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, ring)

	var store *state.Store
	if cfg.StatePath != "" {
		store, err = state.LoadAt(cfg.StatePath)
	} else {
		store, err = state.Load()
	}
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	policy, err := graph.LoadRetryPolicy(cfg.RetryPolicyFile)
	if err != nil {
		return fmt.Errorf("loading retry policy: %w", err)
	}

	client := graph.NewClient(nil, policy, logger)
	if cfg.GraphBaseURL != "" {
		client.SetBaseURL(cfg.GraphBaseURL)
	}

	b := broker.New(store, client, broker.Config{
		AppID:     cfg.AppID,
		AppSecret: cfg.AppSecret,
		Scopes:    cfg.ScopeList(),
	}, logger)

	provider, err := settings.New(cfg.SettingsFile, settings.DefaultTTL, logger)
	if err != nil {
		return fmt.Errorf("opening settings: %w", err)
	}
	defer provider.Close()

	dispatcher := dispatch.New(logger, tools.Registry(tools.Deps{
		Broker: b,
		Graph:  client,
		Logger: logger,
	}))

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "graphgate", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, dispatcher)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Broker:            b,
		Dispatcher:        dispatcher,
		Ring:              ring,
		Settings:          provider,
		Sessions:          stream.NewLimiter(stream.DefaultMaxSessions),
		MCPHandler:        mcpHandler,
		Logger:            logger,
		RedirectURI:       cfg.RedirectURI,
		AdminPasswordHash: cfg.AdminPasswordHash,
	})

	// WriteTimeout stays zero: the event stream holds its connection open
	// and heartbeats keep it alive.
	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
		slog.Int("tools", len(dispatcher.Tools())),
	)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
