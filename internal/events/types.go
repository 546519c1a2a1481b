package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the discriminator of the observer protocol's tagged union
// (spec.md §9, "Dynamic event payloads → tagged variants").
type Type string

// Event type constants, matching the wire vocabulary of the websocket
// observer protocol (spec.md §6).
const (
	TypeSprintStatus     Type = "sprint:status"
	TypeTaskStatus       Type = "task:status"
	TypeTaskLog          Type = "task:log"
	TypeWaveStarted      Type = "wave:started"
	TypeWaveCompleted    Type = "wave:completed"
	TypeMergeCompleted   Type = "merge:completed"
	TypeApprovalRequired Type = "approval:required"
	TypeReviewUpdate     Type = "review:update"
	TypeCostUpdate       Type = "cost:update"
	TypeError            Type = "error"
)

// Priority constants for events.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a system event that can be published and subscribed to.
// SprintID scopes delivery to observers of one sprint; the Bus routes on
// it alone. Target is stored with the event and is what the store's
// GetPending query filters on.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	SprintID  string                 `json:"sprint_id"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp.
func NewEvent(eventType Type, sprintID, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SprintID:  sprintID,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns all defined event types.
func AllEventTypes() []Type {
	return []Type{
		TypeSprintStatus,
		TypeTaskStatus,
		TypeTaskLog,
		TypeWaveStarted,
		TypeWaveCompleted,
		TypeMergeCompleted,
		TypeApprovalRequired,
		TypeReviewUpdate,
		TypeCostUpdate,
		TypeError,
	}
}
