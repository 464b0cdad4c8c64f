// Package events defines the lifecycle events published while workflows run.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Kafka topic carrying every lifecycle event.
const Topic = "flowrun.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowStartedEvent   EventType = "workflow.started"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"
	WorkflowPausedEvent    EventType = "workflow.paused"
	WorkflowResumedEvent   EventType = "workflow.resumed"
	WorkflowCancelledEvent EventType = "workflow.cancelled"

	// Step lifecycle events.
	StepStartedEvent   EventType = "step.started"
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"
	StepRetryingEvent  EventType = "step.retrying"
	StepSkippedEvent   EventType = "step.skipped"

	// Rollback events.
	RollbackStartedEvent      EventType = "rollback.started"
	CompensationExecutedEvent EventType = "rollback.compensation.executed"
	CompensationFailedEvent   EventType = "rollback.compensation.failed"

	// Published by notification steps.
	NotificationEvent EventType = "notification"
)

// Event is implemented by every lifecycle event.
type Event interface {
	GetType() EventType
	GetBase() BaseEvent
}

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (b BaseEvent) GetBase() BaseEvent {
	return b
}

func NewBaseEvent(eventType EventType, workflowID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}

type WorkflowStarted struct {
	BaseEvent

	WorkflowName string `json:"workflow_name"`
	WorkflowType string `json:"workflow_type"`
	TotalSteps   int    `json:"total_steps"`
}

func (WorkflowStarted) GetType() EventType { return WorkflowStartedEvent }

type WorkflowCompleted struct {
	BaseEvent

	Duration time.Duration  `json:"duration"`
	Results  map[string]any `json:"results,omitempty"`
}

func (WorkflowCompleted) GetType() EventType { return WorkflowCompletedEvent }

type WorkflowFailed struct {
	BaseEvent

	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error"`
	FailedStepID string        `json:"failed_step_id,omitempty"`
}

func (WorkflowFailed) GetType() EventType { return WorkflowFailedEvent }

type WorkflowPaused struct {
	BaseEvent

	NextStepID string `json:"next_step_id,omitempty"`
}

func (WorkflowPaused) GetType() EventType { return WorkflowPausedEvent }

type WorkflowResumed struct {
	BaseEvent
}

func (WorkflowResumed) GetType() EventType { return WorkflowResumedEvent }

// WorkflowCancelled is published instead of WorkflowFailed when a run is
// cancelled. No compensation runs for a cancelled workflow.
type WorkflowCancelled struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason,omitempty"`
}

func (WorkflowCancelled) GetType() EventType { return WorkflowCancelledEvent }

type StepStarted struct {
	BaseEvent

	StepID   string `json:"step_id"`
	StepName string `json:"step_name"`
	StepType string `json:"step_type"`
	Attempt  int    `json:"attempt"`
}

func (StepStarted) GetType() EventType { return StepStartedEvent }

type StepCompleted struct {
	BaseEvent

	StepID   string        `json:"step_id"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Result   any           `json:"result,omitempty"`
}

func (StepCompleted) GetType() EventType { return StepCompletedEvent }

// StepFailed is published after every failed attempt. Final is set on the
// attempt that exhausted the retry policy.
type StepFailed struct {
	BaseEvent

	StepID   string        `json:"step_id"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error"`
	Final    bool          `json:"final"`
}

func (StepFailed) GetType() EventType { return StepFailedEvent }

type StepRetrying struct {
	BaseEvent

	StepID      string        `json:"step_id"`
	NextAttempt int           `json:"next_attempt"`
	Delay       time.Duration `json:"delay"`
}

func (StepRetrying) GetType() EventType { return StepRetryingEvent }

type StepSkipped struct {
	BaseEvent

	StepID string `json:"step_id"`
	Reason string `json:"reason,omitempty"`
}

func (StepSkipped) GetType() EventType { return StepSkippedEvent }

type RollbackStarted struct {
	BaseEvent

	Entries int `json:"entries"`
}

func (RollbackStarted) GetType() EventType { return RollbackStartedEvent }

type CompensationExecuted struct {
	BaseEvent

	StepID string `json:"step_id"`
}

func (CompensationExecuted) GetType() EventType { return CompensationExecutedEvent }

type CompensationFailed struct {
	BaseEvent

	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

func (CompensationFailed) GetType() EventType { return CompensationFailedEvent }

type Notification struct {
	BaseEvent

	StepID  string         `json:"step_id"`
	Channel string         `json:"channel,omitempty"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (Notification) GetType() EventType { return NotificationEvent }

// Decode unmarshals a JSON payload into the concrete event for eventType.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var event Event

	switch eventType {
	case WorkflowStartedEvent:
		event = &WorkflowStarted{}
	case WorkflowCompletedEvent:
		event = &WorkflowCompleted{}
	case WorkflowFailedEvent:
		event = &WorkflowFailed{}
	case WorkflowPausedEvent:
		event = &WorkflowPaused{}
	case WorkflowResumedEvent:
		event = &WorkflowResumed{}
	case WorkflowCancelledEvent:
		event = &WorkflowCancelled{}
	case StepStartedEvent:
		event = &StepStarted{}
	case StepCompletedEvent:
		event = &StepCompleted{}
	case StepFailedEvent:
		event = &StepFailed{}
	case StepRetryingEvent:
		event = &StepRetrying{}
	case StepSkippedEvent:
		event = &StepSkipped{}
	case RollbackStartedEvent:
		event = &RollbackStarted{}
	case CompensationExecutedEvent:
		event = &CompensationExecuted{}
	case CompensationFailedEvent:
		event = &CompensationFailed{}
	case NotificationEvent:
		event = &Notification{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", eventType, err)
	}

	return event, nil
}
