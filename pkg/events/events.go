// Package events defines pool lifecycle notifications and the observer bus
// that fans them out to attached listeners.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event kind.
type Type string

const (
	TypeInstanceRegistered   Type = "instance_registered"
	TypeInstanceDeregistered Type = "instance_deregistered"
	TypeInstanceOffline      Type = "instance_offline"
	TypeHealthCheckCompleted Type = "health_check_completed"
	TypeHealthCheckFailed    Type = "health_check_failed"
	TypeExecutionRecorded    Type = "execution_recorded"
	TypeAlertCreated         Type = "alert_created"
	TypeAlertAcknowledged    Type = "alert_acknowledged"
	TypeAlertResolved        Type = "alert_resolved"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	AgentType  string         `json:"agent_type,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// New creates an event with a fresh ID and the current timestamp.
func New(t Type, agentType, instanceID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Timestamp:  time.Now().UTC(),
		AgentType:  agentType,
		InstanceID: instanceID,
		Data:       data,
	}
}

// ToJSON serializes the event for JSONL storage.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// FromJSON deserializes an event from its JSONL form.
func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}
