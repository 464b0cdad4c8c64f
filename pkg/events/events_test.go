package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseEvent(t *testing.T) {
	base := NewBaseEvent(StepStartedEvent, "wf-1", "exec-1")

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, StepStartedEvent, base.Type)
	assert.Equal(t, "wf-1", base.WorkflowID)
	assert.Equal(t, "exec-1", base.ExecutionID)
	assert.WithinDuration(t, time.Now().UTC(), base.Timestamp, time.Second)
	assert.NotNil(t, base.Metadata)

	other := NewBaseEvent(StepStartedEvent, "wf-1", "exec-1")
	assert.NotEqual(t, base.ID, other.ID)
}

func TestDecode_RestoresConcreteEvent(t *testing.T) {
	original := StepFailed{
		BaseEvent: NewBaseEvent(StepFailedEvent, "wf-1", "exec-1"),
		StepID:    "charge",
		Attempt:   3,
		Duration:  150 * time.Millisecond,
		Error:     "card declined",
		Final:     true,
	}

	payload, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := Decode(StepFailedEvent, payload)
	require.NoError(t, err)

	failed, ok := decoded.(*StepFailed)
	require.True(t, ok)
	assert.Equal(t, StepFailedEvent, failed.GetType())
	assert.Equal(t, "charge", failed.StepID)
	assert.True(t, failed.Final)
	assert.Equal(t, "wf-1", failed.GetBase().WorkflowID)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode("workflow.exploded", []byte(`{}`))
	assert.Error(t, err)
}

func TestDecode_InvalidPayload(t *testing.T) {
	_, err := Decode(WorkflowStartedEvent, []byte(`{`))
	assert.Error(t, err)
}
