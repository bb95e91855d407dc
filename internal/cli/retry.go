package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/connectivity"
	"github.com/roach88/attendsync/internal/worker"
)

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	deviceFlags
}

type retryResult struct {
	Reset int `json:"reset"`
}

func (r retryResult) String() string {
	return fmt.Sprintf("reset %d failed event(s); they are delivered on the next sync", r.Reset)
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry [event-id...]",
		Short: "Give failed events a fresh set of automatic retries",
		Long: `Reset the attempt count of failed events so the next sync pass sends
them again. With no ids, every event that ran out of automatic retries is
reset.

Example:
  attendsync retry
  attendsync retry 0199a3c4-... 0199a3c5-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opts, args, cmd)
		},
	}

	opts.deviceFlags.register(cmd, false)
	return cmd
}

func runRetry(opts *RetryOptions, ids []string, cmd *cobra.Command) error {
	opts.resolve(cmd, opts.Config.Client)
	out := newFormatter(opts.RootOptions, cmd)

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Resetting needs no server; the worker is never started.
	w := worker.New(worker.Config{MaxAttempts: opts.Config.Client.MaxAttempts},
		st, nil, connectivity.NewManual(false), worker.WithLogger(opts.logger()))

	n, err := w.Retry(cmd.Context(), ids...)
	if err != nil {
		out.Error("retry_failed", err.Error(), nil)
		return WrapExitError(ExitFailure, "retry failed", err)
	}
	return out.Success(retryResult{Reset: n})
}
