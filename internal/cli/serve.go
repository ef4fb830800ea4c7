package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/server"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Addr      string
	RateLimit float64
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its local API",
		Long: `Run the sync engine against an in-process backend and expose the
local REST API and the /ws event stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Float64Var(&opts.RateLimit, "rate-limit", 20, "mutating requests per second per client, 0 disables")

	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *ServeOptions) error {
	cfg := rootOpts.Config
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	e, err := newEngine(cfg, remote.NewMemory())
	if err != nil {
		return err
	}
	defer e.Close()

	restored, err := e.coord.Start(ctx)
	if err != nil {
		return err
	}
	if e.prober != nil {
		e.prober.Start(ctx)
	}
	logging.Info("Sync engine started", map[string]interface{}{
		"restored_items": restored,
		"storage_driver": cfg.Storage.Driver,
	})

	srv := server.New(e.coord,
		server.WithMonitor(e.monitor),
		server.WithRequestLimit(opts.RateLimit, int(opts.RateLimit*2)+1),
	)
	defer srv.Close()

	return srv.ListenAndServe(ctx, addr)
}
