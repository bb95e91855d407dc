package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/connectivity"
	"github.com/roach88/attendsync/internal/worker"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	deviceFlags
}

type syncResult struct {
	worker.PassReport
	LocalPending int `json:"localPending"`
	LocalFailed  int `json:"localFailed"`
}

func (r syncResult) String() string {
	return fmt.Sprintf("selected %d, synced %d, duplicates %d, failed %d, unanswered %d; %d pending, %d failed locally",
		r.Selected, r.Synced, r.Duplicates, r.Failed, r.Unanswered, r.LocalPending, r.LocalFailed)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Check that the server is reachable, then deliver every pending event
with attempts left in one batch and reconcile the results.

Exits with status 1 when the server is unreachable, the batch could not
be delivered or another process (such as a running agent) is syncing the
same device database. Rejected events are reported but do not fail the
command.

Example:
  attendsync sync --server https://attendance.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	opts.deviceFlags.register(cmd, true)
	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	opts.resolve(cmd, opts.Config.Client)
	out := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	logger := opts.logger()

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	client := opts.client()
	prober := connectivity.NewProber(client, connectivity.WithLogger(logger))
	prober.Probe(ctx)

	w := worker.New(worker.Config{MaxAttempts: opts.Config.Client.MaxAttempts},
		st, client, prober, worker.WithLogger(logger))

	report, err := w.SyncNow(ctx)
	if errors.Is(err, worker.ErrOffline) {
		out.Error("offline", fmt.Sprintf("server %s is unreachable", opts.Server), nil)
		return WrapExitError(ExitFailure, "sync skipped", err)
	}
	if errors.Is(err, worker.ErrPassInFlight) {
		out.Error("sync_in_progress", "another process is syncing this device", nil)
		return WrapExitError(ExitFailure, "sync skipped", err)
	}
	if err != nil {
		out.Error("sync_failed", err.Error(), report)
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	counts, err := st.Counts(ctx, opts.Config.Client.MaxAttempts)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count events", err)
	}
	return out.Success(syncResult{
		PassReport:   report,
		LocalPending: counts.Pending(),
		LocalFailed:  counts.Failed,
	})
}
