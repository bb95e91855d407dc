package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/queue"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	deviceFlags
	Payload string

	// IDGenerator overrides event ids (for testing). Defaults to UUIDv7.
	IDGenerator event.IDGenerator
}

type enqueueResult struct {
	ID        string          `json:"id"`
	Kind      event.Kind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

func (r enqueueResult) String() string {
	return fmt.Sprintf("queued %s %s %s", r.ID, r.Kind, r.Payload)
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Record an attendance action on this device",
		Long: `Record an attendance action in the local queue. No network access is
needed; the agent or the sync command delivers it later.

Kinds: student_checkin, student_checkout, staff_checkin, staff_checkout.

Example:
  attendsync enqueue student_checkin --payload '{"studentId":42,"lessonId":7,"level":"B1"}'
  attendsync enqueue staff_checkout --payload '{"staffId":3}' --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, event.Kind(args[0]), cmd)
		},
	}

	opts.deviceFlags.register(cmd, false)
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "action payload as a JSON object (required)")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, kind event.Kind, cmd *cobra.Command) error {
	opts.resolve(cmd, opts.Config.Client)
	out := newFormatter(opts.RootOptions, cmd)

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	qopts := []queue.Option{queue.WithLogger(opts.logger())}
	if opts.IDGenerator != nil {
		qopts = append(qopts, queue.WithIDGenerator(opts.IDGenerator))
	}
	q := queue.New(st, qopts...)

	e, err := q.Enqueue(cmd.Context(), kind, json.RawMessage(opts.Payload))
	switch {
	case errors.Is(err, queue.ErrUnknownKind):
		out.Error("unknown_kind", err.Error(), event.Kinds)
		return WrapExitError(ExitCommandError, "cannot enqueue", err)
	case err != nil:
		out.Error("enqueue_failed", err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot enqueue", err)
	}

	out.VerboseLog("stored in %s", opts.DB)
	return out.Success(enqueueResult{
		ID:        e.ID,
		Kind:      e.Kind,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UnixMilli(),
	})
}
