package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/termtunnel/termtunnel/internal/authz"
	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/logging"
	"github.com/termtunnel/termtunnel/internal/ratelimit"
	"github.com/termtunnel/termtunnel/internal/router"
	"github.com/termtunnel/termtunnel/internal/store"
	"github.com/termtunnel/termtunnel/internal/webui"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "tunneld",
		Short: "termtunnel relay server",
		RunE:  run,
	}
	root.PersistentFlags().String("config", "tunneld.toml", "path to server configuration file")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the tunneld version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("tunneld", version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		// Any error surfacing here escaped run()'s own exit-code handling,
		// e.g. a cobra usage error — treat it as a configuration problem.
		fmt.Fprintln(os.Stderr, "tunneld:", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until shutdown. Exit codes follow
// the configuration-error (1) / fatal-runtime-error (2) split: anything
// before the listener starts accepting is a config problem, anything
// after is a runtime one.
func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	// Load a local .env, if present, so secrets can override the TOML
	// document without editing it. Absence is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "tunneld: load .env:", err)
		os.Exit(1)
	}

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Rotation, isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.MySQLURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld: open store:", err)
		os.Exit(1)
	}
	defer repo.Close()

	secret, err := store.LoadOrGenerateRelaySecret(ctx, repo)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld: load relay secret:", err)
		os.Exit(1)
	}

	limiter, err := ratelimit.Build(ctx, cfg.Security.RateLimitPerMinute, cfg.Database.RedisURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld: build rate limiter:", err)
		os.Exit(1)
	}

	audit := authz.NewSink(repo, log)

	ui, err := webui.Handler()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld: load embedded web UI:", err)
		os.Exit(1)
	}

	routerCfg := router.Config{
		SuperAdminToken:   cfg.Security.SuperAdminToken,
		TokenMinLength:    cfg.Security.TokenMinLength,
		BufferCapBytes:    cfg.TerminalHistory.MaxBufferSizeKB * 1024,
		HistoryRetention:  time.Duration(cfg.TerminalHistory.RetentionDays) * 24 * time.Hour,
		AuditRetention:    time.Duration(cfg.AuditLog.RetentionDays) * 24 * time.Hour,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}
	srv := router.New(repo, secret, limiter, audit, log, routerCfg, ui)

	go srv.RunRetentionSweep(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv,
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld: listen:", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tunneld listening", "addr", cfg.Addr())
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "tunneld: shutdown:", err)
			os.Exit(2)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, "tunneld: serve:", err)
			os.Exit(2)
		}
		return nil
	}
}
