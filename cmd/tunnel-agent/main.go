package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/termtunnel/termtunnel/internal/agent"
	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/logging"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "tunnel-agent",
		Short: "termtunnel agent runtime",
		RunE:  run,
	}
	root.PersistentFlags().String("config", "tunnel-agent.toml", "path to agent configuration file")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the tunnel-agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("tunnel-agent", version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tunnel-agent:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	// Load a local .env, if present, so secrets can override the TOML
	// document without editing it. Absence is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "tunnel-agent: load .env:", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel-agent:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Rotation, isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel-agent:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(
		cfg.WebSocketURL(),
		cfg.Agent.Name,
		cfg.Agent.AdminToken,
		cfg.Agent.ShareToken,
		cfg.ReconnectInterval(),
		cfg.HeartbeatInterval(),
		log,
	)

	log.Info("tunnel-agent starting", "name", cfg.Agent.Name, "server", cfg.Server.URL)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "tunnel-agent: agent run:", err)
		os.Exit(2)
	}
	log.Info("tunnel-agent shut down")
	return nil
}
