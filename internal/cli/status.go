package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	deviceFlags
}

type failedEvent struct {
	ID        string     `json:"id"`
	Kind      event.Kind `json:"kind"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError"`
	Exhausted bool       `json:"exhausted"`
	Terminal  bool       `json:"terminal,omitempty"`
}

type statusReport struct {
	Queued               int           `json:"queued"`
	Syncing              int           `json:"syncing"`
	Failed               int           `json:"failed"`
	Exhausted            int           `json:"exhausted"`
	LastSuccessfulSyncAt *time.Time    `json:"lastSuccessfulSyncAt,omitempty"`
	FailedEvents         []failedEvent `json:"failedEvents"`
}

func (r statusReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "queued %d, syncing %d, failed %d (%d need operator retry)\n",
		r.Queued, r.Syncing, r.Failed, r.Exhausted)
	if r.LastSuccessfulSyncAt != nil {
		fmt.Fprintf(&b, "last successful sync: %s", r.LastSuccessfulSyncAt.Format(time.RFC3339))
	} else {
		b.WriteString("last successful sync: never")
	}
	for _, e := range r.FailedEvents {
		mark := ""
		switch {
		case e.Terminal:
			mark = " [rejected]"
		case e.Exhausted:
			mark = " [exhausted]"
		}
		fmt.Fprintf(&b, "\n  %s %s attempts=%d%s: %s", e.ID, e.Kind, e.Attempts, mark, e.LastError)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local queue",
		Long: `Show how many events wait for delivery, when the device last completed
a sync pass and which events the server rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	opts.deviceFlags.register(cmd, false)
	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	opts.resolve(cmd, opts.Config.Client)
	out := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	maxAttempts := opts.Config.Client.MaxAttempts

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.Counts(ctx, maxAttempts)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count events", err)
	}
	meta, ok, err := st.Metadata(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read sync metadata", err)
	}
	failed, err := st.GetAll(ctx, store.Filter{Statuses: []event.Status{event.StatusFailed}})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list failed events", err)
	}

	report := statusReport{
		Queued:       counts.Queued,
		Syncing:      counts.Syncing,
		Failed:       counts.Failed,
		Exhausted:    counts.Exhausted,
		FailedEvents: make([]failedEvent, 0, len(failed)),
	}
	if ok {
		report.LastSuccessfulSyncAt = &meta.LastSuccessfulSyncAt
	}
	for _, e := range failed {
		report.FailedEvents = append(report.FailedEvents, failedEvent{
			ID:        e.ID,
			Kind:      e.Kind,
			Attempts:  e.AttemptCount,
			LastError: e.LastError,
			Exhausted: e.Exhausted(maxAttempts),
			Terminal:  e.Terminal,
		})
	}
	return out.Success(report)
}
