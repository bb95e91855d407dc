package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/store"
)

// LedgerOptions holds flags shared by the ledger subcommands.
type LedgerOptions struct {
	*RootOptions
	LedgerDB string
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the server event log",
	}
	cmd.PersistentFlags().StringVar(&opts.LedgerDB, "ledger-db", "", "path to the event log database (default from ATTENDSYNC_LEDGER_DB)")

	cmd.AddCommand(newLedgerGetCommand(opts))
	cmd.AddCommand(newLedgerStatsCommand(opts))
	cmd.AddCommand(newLedgerPruneCommand(opts))
	return cmd
}

func (o *LedgerOptions) open(cmd *cobra.Command) (*store.Ledger, error) {
	if !cmd.Flags().Changed("ledger-db") {
		o.LedgerDB = o.Config.Server.LedgerDB
	}
	l, err := store.OpenLedger(o.LedgerDB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	return l, nil
}

type logEntryView struct {
	event.LogEntry
}

func (v logEntryView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s attempts=%d", v.ID, v.EventType, v.Status, v.Attempts)
	if v.ProcessedAt != nil {
		fmt.Fprintf(&b, " processed_at=%s", v.ProcessedAt.Format(time.RFC3339))
	}
	if v.ErrorCode != "" || v.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n  error [%s]: %s", v.ErrorCode, v.ErrorMessage)
	}
	fmt.Fprintf(&b, "\n  payload: %s", v.Payload)
	return b.String()
}

func newLedgerGetCommand(opts *LedgerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Show the event log entry for an event id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			entry, err := l.Get(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				out.Error("not_found", fmt.Sprintf("no event log entry for %s", args[0]), nil)
				return WrapExitError(ExitFailure, "event not found", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read event log", err)
			}
			return out.Success(logEntryView{entry})
		},
	}
}

type ledgerStats map[event.LogStatus]int

func (s ledgerStats) String() string {
	return fmt.Sprintf("pending %d, processed %d, failed %d",
		s[event.LogPending], s[event.LogProcessed], s[event.LogFailed])
}

func newLedgerStatsCommand(opts *LedgerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count event log entries by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			counts, err := l.CountByStatus(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count entries", err)
			}
			return out.Success(ledgerStats(counts))
		},
	}
}

type pruneResult struct {
	Removed int64     `json:"removed"`
	Cutoff  time.Time `json:"cutoff"`
}

func (r pruneResult) String() string {
	return fmt.Sprintf("removed %d processed entries older than %s", r.Removed, r.Cutoff.Format(time.RFC3339))
}

func newLedgerPruneCommand(opts *LedgerOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old processed entries",
		Long: `Delete processed entries older than --older-than. Pending and failed
entries are always kept. Pick an age well beyond the longest time a device
can stay offline: a device that retries a pruned id gets its action applied
again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			if !cmd.Flags().Changed("older-than") {
				olderThan = opts.Config.Server.PruneAfter
			}
			if olderThan <= 0 {
				return NewExitError(ExitCommandError, "--older-than must be positive")
			}

			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			cutoff := time.Now().UTC().Add(-olderThan)
			n, err := l.Prune(cmd.Context(), cutoff)
			if err != nil {
				return WrapExitError(ExitFailure, "prune failed", err)
			}
			return out.Success(pruneResult{Removed: n, Cutoff: cutoff})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of removed entries (default from ATTENDSYNC_PRUNE_AFTER)")
	return cmd
}
