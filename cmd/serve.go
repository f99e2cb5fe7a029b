package cmd

import (
	"context"
	"fmt"

	"forgerelay/internal/app"

	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveListenAddr overrides the listen address from the environment.
var serveListenAddr string

// serveCmd starts the relay server. All other configuration comes from
// the environment (identity provider issuer, client credentials, public
// base URL).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Starts the relay server: the OAuth proxy endpoints, the client-facing
MCP endpoint, the node-facing endpoint, and the health endpoint.

Configuration is read from the environment:

  RELAY_LISTEN_ADDR     listen address (default ":8080")
  RELAY_PUBLIC_URL      externally reachable base URL (required)
  OIDC_ISSUER           identity provider issuer URL (required)
  OIDC_CLIENT_ID        provider client id (required)
  OIDC_CLIENT_SECRET    provider client secret (required)
  RELAY_MAX_STREAMS     max concurrent client streams (default 128)
  RELAY_MAX_PENDING     max in-flight correlated requests (default 256)

All relay state is in memory; clients and nodes are expected to
reconnect after a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Debug = serveDebug
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Listen address (overrides RELAY_LISTEN_ADDR)")
}
