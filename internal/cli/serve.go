package cli

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/attendance"
	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/ingest"
	"github.com/roach88/attendsync/internal/notify"
	"github.com/roach88/attendsync/internal/server"
	"github.com/roach88/attendsync/internal/store"
	"github.com/roach88/attendsync/internal/validate"
)

// shutdownTimeout bounds graceful shutdown of HTTP servers.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	LedgerDB     string
	AttendanceDB string
	APIKey       string
	KafkaBrokers []string
	KafkaTopic   string
	AccessLog    bool

	// OnListen is called with the bound address once the server accepts
	// connections (for testing).
	OnListen func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion server",
		Long: `Run the HTTP ingestion endpoint. Each event id is applied to the
attendance database at most once; the outcome is kept in the event log.

Routes:
  GET  /healthz
  POST /api/sync/events
  GET  /api/sync/events/:id
  GET  /api/sync/stats

Example:
  attendsync serve --addr :8080 --ledger-db ledger.db --attendance-db attendance.db
  attendsync serve --kafka-brokers kafka:9092 --kafka-topic attendance-events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from ATTENDSYNC_ADDR)")
	cmd.Flags().StringVar(&opts.LedgerDB, "ledger-db", "", "path to the event log database")
	cmd.Flags().StringVar(&opts.AttendanceDB, "attendance-db", "", "path to the attendance database")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "required X-API-KEY for /api routes")
	cmd.Flags().StringSliceVar(&opts.KafkaBrokers, "kafka-brokers", nil, "publish processed events to these Kafka brokers")
	cmd.Flags().StringVar(&opts.KafkaTopic, "kafka-topic", "", "Kafka topic for processed events")
	cmd.Flags().BoolVar(&opts.AccessLog, "access-log", false, "log every API request to stderr")

	return cmd
}

func (o *ServeOptions) resolve(cmd *cobra.Command) {
	cfg := o.Config.Server
	flags := cmd.Flags()
	if !flags.Changed("addr") {
		o.Addr = cfg.Addr
	}
	if !flags.Changed("ledger-db") {
		o.LedgerDB = cfg.LedgerDB
	}
	if !flags.Changed("attendance-db") {
		o.AttendanceDB = cfg.AttendanceDB
	}
	if !flags.Changed("api-key") {
		o.APIKey = cfg.APIKey
	}
	if !flags.Changed("kafka-brokers") {
		o.KafkaBrokers = cfg.KafkaBrokers
	}
	if !flags.Changed("kafka-topic") {
		o.KafkaTopic = cfg.KafkaTopic
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	opts.resolve(cmd)
	logger := opts.logger()

	ledger, err := store.OpenLedger(opts.LedgerDB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error("error closing event log", "error", err)
		}
	}()

	att, err := attendance.Open(opts.AttendanceDB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open attendance database", err)
	}
	defer func() {
		if err := att.Close(); err != nil {
			logger.Error("error closing attendance database", "error", err)
		}
	}()

	validator, err := validate.New()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load payload schemas", err)
	}

	handlers := domain.NewRegistry()
	att.Register(handlers)

	var publisher notify.Publisher = notify.Nop{}
	if len(opts.KafkaBrokers) > 0 {
		publisher = notify.NewKafkaPublisher(opts.KafkaBrokers, opts.KafkaTopic)
		logger.Info("publishing processed events", "brokers", opts.KafkaBrokers, "topic", opts.KafkaTopic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "error", err)
		}
	}()

	ingestor := ingest.New(ledger, validator, handlers,
		ingest.WithPublisher(publisher),
		ingest.WithLogger(logger),
	)

	srvCfg := server.Config{
		APIKey:    opts.APIKey,
		BodyLimit: opts.Config.Server.BodyLimit,
		Logger:    logger,
	}
	if opts.AccessLog {
		srvCfg.AccessLog = os.Stderr
	}
	srv := server.New(srvCfg, ingestor, ledger)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("server listening", "addr", ln.Addr().String(), "ledger_db", opts.LedgerDB)
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	<-serveErr

	logger.Info("server stopped gracefully")
	return nil
}
