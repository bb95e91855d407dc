package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
)

// Scenario defines a sync scenario: a sequence of device and network
// steps followed by assertions on the device queue and the server log.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Domain selects the server-side handlers: "accept" (default) applies
	// every valid event, "attendance" runs the real attendance service.
	Domain string `yaml:"domain,omitempty"`

	// Online is the initial connectivity. Defaults to true.
	Online *bool `yaml:"online,omitempty"`

	// Steps run in order. Each step sets exactly one field.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final device and server state.
	Assertions []Assertion `yaml:"assertions"`
}

// Domain names.
const (
	DomainAccept     = "accept"
	DomainAttendance = "attendance"
)

// Step is one scenario action.
type Step struct {
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`
	Online  *bool        `yaml:"online,omitempty"`
	Sync    *SyncStep    `yaml:"sync,omitempty"`
	Fault   *FaultStep   `yaml:"fault,omitempty"`
	Reject  *RejectStep  `yaml:"reject,omitempty"`
	Retry   *RetryStep   `yaml:"retry,omitempty"`
	Advance string       `yaml:"advance,omitempty"`
}

// EnqueueStep records an action on the device.
type EnqueueStep struct {
	Kind    event.Kind     `yaml:"kind"`
	Payload map[string]any `yaml:"payload"`
}

// SyncStep runs one pass and optionally checks its report.
type SyncStep struct {
	Expect *SyncExpect `yaml:"expect,omitempty"`
}

// SyncExpect lists report fields to check. Unset fields are not checked.
type SyncExpect struct {
	Selected   *int `yaml:"selected,omitempty"`
	Synced     *int `yaml:"synced,omitempty"`
	Duplicates *int `yaml:"duplicates,omitempty"`
	Failed     *int `yaml:"failed,omitempty"`
	Unanswered *int `yaml:"unanswered,omitempty"`

	// Error is "", "offline" or "request".
	Error string `yaml:"error,omitempty"`
}

// FaultStep arms a network fault for the next Times submissions.
type FaultStep struct {
	Mode  string `yaml:"mode"`
	Times int    `yaml:"times,omitempty"`
}

// Fault modes.
const (
	// FaultDropRequest fails the request before it reaches the server.
	FaultDropRequest = "drop_request"

	// FaultLoseResponse lets the server process the batch, then loses
	// the response.
	FaultLoseResponse = "lose_response"

	// FaultDisconnect lets the server process the batch, then takes the
	// device offline before the response arrives.
	FaultDisconnect = "disconnect"
)

// RejectStep makes the server handler fail an event id.
type RejectStep struct {
	ID    string      `yaml:"id"`
	Code  domain.Code `yaml:"code"`
	Times int         `yaml:"times,omitempty"`
}

// RetryStep resets failed events. No ids means every exhausted event.
type RetryStep struct {
	IDs []string `yaml:"ids,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// ID is the event id (local_event, ledger_entry, handler_calls).
	ID string `yaml:"id,omitempty"`

	// Absent asserts the local event no longer exists (local_event).
	Absent bool `yaml:"absent,omitempty"`

	// Status is the expected local or log status.
	Status string `yaml:"status,omitempty"`

	// Attempts is the expected attempt count, when set.
	Attempts *int `yaml:"attempts,omitempty"`

	// Terminal asserts whether the local event waits for an operator
	// regardless of its attempts (local_event).
	Terminal *bool `yaml:"terminal,omitempty"`

	// Code is the expected log error code (ledger_entry).
	Code string `yaml:"code,omitempty"`

	// Count is the expected handler invocation count (handler_calls).
	Count *int `yaml:"count,omitempty"`

	// IDs is the expected handler invocation order (handler_order).
	IDs []string `yaml:"ids,omitempty"`

	// Pending and Failed are the expected SyncState counts (sync_state).
	Pending *int `yaml:"pending,omitempty"`
	Failed  *int `yaml:"failed,omitempty"`

	// Synced asserts whether a pass has ever completed (sync_state).
	Synced *bool `yaml:"synced,omitempty"`
}

// Assertion types.
const (
	AssertLocalEvent   = "local_event"
	AssertLedgerEntry  = "ledger_entry"
	AssertHandlerCalls = "handler_calls"
	AssertHandlerOrder = "handler_order"
	AssertSyncState    = "sync_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Domain == "" {
		scenario.Domain = DomainAccept
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Domain != DomainAccept && s.Domain != DomainAttendance {
		return fmt.Errorf("unknown domain %q", s.Domain)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	for _, ok := range []bool{
		step.Enqueue != nil,
		step.Online != nil,
		step.Sync != nil,
		step.Fault != nil,
		step.Reject != nil,
		step.Retry != nil,
		step.Advance != "",
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	switch {
	case step.Enqueue != nil:
		if step.Enqueue.Kind == "" {
			return fmt.Errorf("enqueue: kind is required")
		}
		if step.Enqueue.Payload == nil {
			return fmt.Errorf("enqueue: payload is required")
		}
	case step.Sync != nil && step.Sync.Expect != nil:
		switch step.Sync.Expect.Error {
		case "", errOffline, errRequest:
		default:
			return fmt.Errorf("sync: unknown error %q", step.Sync.Expect.Error)
		}
	case step.Fault != nil:
		switch step.Fault.Mode {
		case FaultDropRequest, FaultLoseResponse, FaultDisconnect:
		default:
			return fmt.Errorf("fault: unknown mode %q", step.Fault.Mode)
		}
		if step.Fault.Times < 0 {
			return fmt.Errorf("fault: times must be non-negative")
		}
	case step.Reject != nil:
		if step.Reject.ID == "" || step.Reject.Code == "" {
			return fmt.Errorf("reject: id and code are required")
		}
	case step.Advance != "":
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("advance: %q is not a positive duration", step.Advance)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertLocalEvent, AssertLedgerEntry, AssertHandlerCalls:
		if a.ID == "" {
			return fmt.Errorf("id is required for %s", a.Type)
		}
		if a.Type == AssertHandlerCalls && a.Count == nil {
			return fmt.Errorf("count is required for %s", a.Type)
		}
	case AssertHandlerOrder, AssertSyncState:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
