package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/connectivity"
	"github.com/roach88/attendsync/internal/statusfeed"
	"github.com/roach88/attendsync/internal/worker"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	deviceFlags
	Interval      time.Duration
	ProbeInterval time.Duration
	StatusAddr    string

	// OnListen is called with the status feed address once it accepts
	// connections (for testing).
	OnListen func(net.Addr)
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	return newAgentCommand(&AgentOptions{RootOptions: rootOpts})
}

func newAgentCommand(opts *AgentOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the background sync worker on this device",
		Long: `Run the sync worker until interrupted. It probes the server, syncs on
startup, whenever the server becomes reachable again and periodically while
online. Sync state is served on the status address:

  GET /status     current state as JSON
  GET /status/ws  websocket stream of state changes

Example:
  attendsync agent --server https://attendance.example.com --interval 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, cmd)
		},
	}

	opts.deviceFlags.register(cmd, true)
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "periodic sync interval (default from ATTENDSYNC_SYNC_INTERVAL)")
	cmd.Flags().DurationVar(&opts.ProbeInterval, "probe-interval", 0, "connectivity probe interval")
	cmd.Flags().StringVar(&opts.StatusAddr, "status-addr", "", "status feed listen address, empty string disables it")

	return cmd
}

func (o *AgentOptions) resolveAgent(cmd *cobra.Command) {
	cfg := o.Config.Client
	o.resolve(cmd, cfg)
	if !cmd.Flags().Changed("interval") {
		o.Interval = cfg.SyncInterval
	}
	if !cmd.Flags().Changed("probe-interval") {
		o.ProbeInterval = cfg.ProbeInterval
	}
	if !cmd.Flags().Changed("status-addr") {
		o.StatusAddr = cfg.StatusAddr
	}
}

func runAgent(opts *AgentOptions, cmd *cobra.Command) error {
	opts.resolveAgent(cmd)
	logger := opts.logger()

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing device database", "error", err)
		}
	}()

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	client := opts.client()
	prober := connectivity.NewProber(client,
		connectivity.WithInterval(opts.ProbeInterval),
		connectivity.WithLogger(logger),
	)

	w := worker.New(worker.Config{
		Interval:    opts.Interval,
		MaxAttempts: opts.Config.Client.MaxAttempts,
	}, st, client, prober, worker.WithLogger(logger))

	var feed *http.Server
	hub := statusfeed.New(w, logger)
	defer hub.Close()

	if opts.StatusAddr != "" {
		ln, err := net.Listen("tcp", opts.StatusAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for status feed", err)
		}
		feed = &http.Server{Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := feed.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status feed stopped", "error", err)
			}
		}()
		logger.Info("status feed listening", "addr", ln.Addr().String())
		if opts.OnListen != nil {
			opts.OnListen(ln.Addr())
		}
	}

	proberDone := make(chan struct{})
	go func() {
		defer close(proberDone)
		prober.Run(ctx)
	}()

	w.Start(ctx)
	logger.Info("agent started", "server", opts.Server, "interval", opts.Interval)

	<-ctx.Done()

	w.Stop()
	<-proberDone
	hub.Close()
	if feed != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := feed.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status feed shutdown", "error", err)
		}
	}

	logger.Info("agent stopped gracefully")
	return nil
}
