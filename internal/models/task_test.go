package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusSuccess, StatusFailure, StatusRevoked, StatusCompleted}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	pending := []TaskStatus{StatusQueued, StatusReserved, StatusStarted, StatusUnknown}
	for _, s := range pending {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestIsCancellable(t *testing.T) {
	cancellable := []TaskStatus{StatusQueued, StatusReserved, StatusStarted}
	for _, s := range cancellable {
		assert.True(t, s.IsCancellable(), "%s should be cancellable", s)
	}

	refused := []TaskStatus{StatusSuccess, StatusCompleted, StatusFailure, StatusRevoked, StatusUnknown}
	for _, s := range refused {
		assert.False(t, s.IsCancellable(), "%s should be refused", s)
	}
}

func TestStatusReportJSONShape(t *testing.T) {
	rep := StatusReport{
		TaskID:  "t-1",
		UID:     "u-1",
		Status:  StatusQueued,
		Worker:  "TBD",
		Details: "waiting",
	}

	data, err := json.Marshal(rep)
	assert.NoError(t, err)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "t-1", decoded["task_id"])
	assert.Equal(t, "u-1", decoded["uid"])
	assert.Equal(t, "queued", decoded["status"])
	assert.Equal(t, "TBD", decoded["worker"])
	assert.Equal(t, "waiting", decoded["details"])
	// Optional fields stay out of the wire shape when unset.
	_, hasOutputs := decoded["output_file_path"]
	assert.False(t, hasOutputs)
}
