package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Defaults(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: minimal
description: "one step"
steps:
  - sync: {}
`))
	require.NoError(t, err)
	assert.Equal(t, DomainAccept, s.Domain)
	assert.Nil(t, s.Online)
	require.Len(t, s.Steps, 1)
	assert.NotNil(t, s.Steps[0].Sync)
	assert.Nil(t, s.Steps[0].Sync.Expect)
}

func TestParseScenario_Steps(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: all_steps
description: "every step kind"
domain: attendance
online: false
steps:
  - enqueue: {kind: student_checkin, payload: {studentId: 42, lessonId: 7, level: B1}}
  - online: true
  - fault: {mode: lose_response, times: 2}
  - reject: {id: evt-1, code: transient}
  - sync: {expect: {selected: 1, failed: 1, error: request}}
  - retry: {ids: [evt-1]}
  - advance: 30s
assertions:
  - {type: sync_state, pending: 1, synced: false}
`))
	require.NoError(t, err)
	assert.Equal(t, DomainAttendance, s.Domain)
	require.NotNil(t, s.Online)
	assert.False(t, *s.Online)

	require.Len(t, s.Steps, 7)
	assert.EqualValues(t, "student_checkin", s.Steps[0].Enqueue.Kind)
	assert.Equal(t, 42, s.Steps[0].Enqueue.Payload["studentId"])
	assert.True(t, *s.Steps[1].Online)
	assert.Equal(t, FaultLoseResponse, s.Steps[2].Fault.Mode)
	assert.Equal(t, 2, s.Steps[2].Fault.Times)
	assert.EqualValues(t, "transient", s.Steps[3].Reject.Code)
	assert.Equal(t, 1, *s.Steps[4].Sync.Expect.Selected)
	assert.Nil(t, s.Steps[4].Sync.Expect.Synced)
	assert.Equal(t, "request", s.Steps[4].Sync.Expect.Error)
	assert.Equal(t, []string{"evt-1"}, s.Steps[5].Retry.IDs)
	assert.Equal(t, "30s", s.Steps[6].Advance)

	require.Len(t, s.Assertions, 1)
	assert.Equal(t, 1, *s.Assertions[0].Pending)
	assert.False(t, *s.Assertions[0].Synced)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: x\nsteps: [{sync: {}}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: x\nsteps: [{sync: {}}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: x\ndescription: x",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown domain",
			yaml:    "name: x\ndescription: x\ndomain: billing\nsteps: [{sync: {}}]",
			wantErr: `unknown domain "billing"`,
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\ndescription: x\nsteps: [{sync: {}, online: true}]",
			wantErr: "steps[0]: exactly one action is required, got 2",
		},
		{
			name:    "empty step",
			yaml:    "name: x\ndescription: x\nsteps: [{}]",
			wantErr: "exactly one action is required, got 0",
		},
		{
			name:    "enqueue without payload",
			yaml:    "name: x\ndescription: x\nsteps: [{enqueue: {kind: staff_checkin}}]",
			wantErr: "enqueue: payload is required",
		},
		{
			name:    "unknown fault",
			yaml:    "name: x\ndescription: x\nsteps: [{fault: {mode: slow}}]",
			wantErr: `fault: unknown mode "slow"`,
		},
		{
			name:    "unknown sync error",
			yaml:    "name: x\ndescription: x\nsteps: [{sync: {expect: {error: timeout}}}]",
			wantErr: `sync: unknown error "timeout"`,
		},
		{
			name:    "reject without code",
			yaml:    "name: x\ndescription: x\nsteps: [{reject: {id: evt-1}}]",
			wantErr: "reject: id and code are required",
		},
		{
			name:    "bad advance",
			yaml:    "name: x\ndescription: x\nsteps: [{advance: soon}]",
			wantErr: "advance",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: x\nsteps: [{sync: {}}]\nassertions: [{type: trace_contains}]",
			wantErr: `assertions[0]: unknown assertion type "trace_contains"`,
		},
		{
			name:    "handler_calls without count",
			yaml:    "name: x\ndescription: x\nsteps: [{sync: {}}]\nassertions: [{type: handler_calls, id: evt-1}]",
			wantErr: "count is required",
		},
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: x\nstep: [{sync: {}}]",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
