package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/pkg/server"
)

func newServeCommand(version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the fnforge HTTP API.

The server exposes function CRUD, asynchronous deploys with cancellation,
deploy history, a websocket stream of deploy events and Prometheus metrics.
Policy files are watched for changes when policy.watch is set.`,
		Example: `  # Serve with defaults
  forge serve

  # Serve on another address with a config file
  forge serve --addr :9000 --config /etc/fnforge/forge.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			if a.policies != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
				if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}

			opts := []server.Option{
				server.WithHistory(a.history),
				server.WithTelemetry(a.tel),
				server.WithVersion(version),
			}
			if a.policies != nil {
				opts = append(opts, server.WithPolicyEngine(a.policies))
			}

			srv, err := server.New(a.cfg.Server, a.orch, a.records, opts...)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			log.Info().
				Str("addr", a.cfg.Server.Addr).
				Str("store", a.cfg.Store.Driver).
				Bool("policies", a.policies != nil).
				Msg("Starting fnforge")

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}
