package migration

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{Pending, false},
		{InProgress, false},
		{Verifying, false},
		{CuttingOver, false},
		{Completed, true},
		{Failed, true},
		{Cancelled, false},
		{RollingBack, false},
		{RolledBack, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.EqualValues(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestResumableStatuses(t *testing.T) {
	resumable := ResumableStatuses()
	assert.Len(t, resumable, 6)
	for _, status := range resumable {
		assert.False(t, status.IsTerminal())
	}
}

func TestStatus_JsonRoundTrip(t *testing.T) {
	marshalled, err := json.Marshal(CuttingOver)
	assert.NoError(t, err)
	assert.EqualValues(t, `"cutting_over"`, string(marshalled))

	var status Status
	assert.NoError(t, json.Unmarshal(marshalled, &status))
	assert.EqualValues(t, CuttingOver, status)

	assert.Error(t, json.Unmarshal([]byte(`"levitating"`), &status))
}

func TestPhase_JsonRoundTrip(t *testing.T) {
	marshalled, err := json.Marshal(DualWrite)
	assert.NoError(t, err)
	assert.EqualValues(t, `"dual_write"`, string(marshalled))

	var phase Phase
	assert.NoError(t, json.Unmarshal(marshalled, &phase))
	assert.EqualValues(t, DualWrite, phase)

	assert.Error(t, json.Unmarshal([]byte(`"sideways"`), &phase))
}

func TestParseConvergencePolicy(t *testing.T) {
	tests := []struct {
		raw       string
		want      ConvergencePolicy
		expectErr bool
	}{
		{raw: "keep_trying", want: KeepTrying},
		{raw: "fail", want: FailOnDivergence},
		{raw: "pause_source", want: PauseSource},
		{raw: "whatever", expectErr: true},
		{raw: "", expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			parsed, err := ParseConvergencePolicy(tt.raw)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.EqualValues(t, tt.want, parsed)
			}
		})
	}
}
