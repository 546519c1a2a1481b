package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestType_String(t *testing.T) {
	tests := []struct {
		name     string
		typ      Type
		expected string
	}{
		{"Sprint status", TypeSprintStatus, "sprint:status"},
		{"Task status", TypeTaskStatus, "task:status"},
		{"Task log", TypeTaskLog, "task:log"},
		{"Wave started", TypeWaveStarted, "wave:started"},
		{"Wave completed", TypeWaveCompleted, "wave:completed"},
		{"Merge completed", TypeMergeCompleted, "merge:completed"},
		{"Approval required", TypeApprovalRequired, "approval:required"},
		{"Review update", TypeReviewUpdate, "review:update"},
		{"Cost update", TypeCostUpdate, "cost:update"},
		{"Error", TypeError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.typ) != tt.expected {
				t.Errorf("Type = %v, want %v", tt.typ, tt.expected)
			}
		})
	}
}

func TestPriorityConstants(t *testing.T) {
	if PriorityCritical != 1 {
		t.Errorf("PriorityCritical = %d, want 1", PriorityCritical)
	}
	if PriorityHigh != 2 {
		t.Errorf("PriorityHigh = %d, want 2", PriorityHigh)
	}
	if PriorityNormal != 3 {
		t.Errorf("PriorityNormal = %d, want 3", PriorityNormal)
	}
	if PriorityLow != 4 {
		t.Errorf("PriorityLow = %d, want 4", PriorityLow)
	}
}

func TestEvent_JSON(t *testing.T) {
	original := &Event{
		ID:       "test-id-123",
		Type:     TypeTaskStatus,
		SprintID: "sprint-1",
		Source:   "orchestrator",
		Target:   "sprint-1",
		Priority: PriorityHigh,
		Payload: map[string]interface{}{
			"task_id": 1,
			"status":  "running",
		},
		CreatedAt: time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
	}

	jsonData, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(jsonData, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %v, want %v", decoded.ID, original.ID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type = %v, want %v", decoded.Type, original.Type)
	}
	if decoded.SprintID != original.SprintID {
		t.Errorf("SprintID = %v, want %v", decoded.SprintID, original.SprintID)
	}
	if decoded.Source != original.Source {
		t.Errorf("Source = %v, want %v", decoded.Source, original.Source)
	}
	if decoded.Target != original.Target {
		t.Errorf("Target = %v, want %v", decoded.Target, original.Target)
	}
	if decoded.Priority != original.Priority {
		t.Errorf("Priority = %v, want %v", decoded.Priority, original.Priority)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", decoded.CreatedAt, original.CreatedAt)
	}
	if decoded.Payload["status"] != "running" {
		t.Errorf("Payload.status = %v, want 'running'", decoded.Payload["status"])
	}
	if int(decoded.Payload["task_id"].(float64)) != 1 {
		t.Errorf("Payload.task_id = %v, want 1", decoded.Payload["task_id"])
	}
}

func TestNewEvent(t *testing.T) {
	beforeCreate := time.Now()

	event := NewEvent(TypeTaskStatus, "sprint-1", "orchestrator", "sprint-1", PriorityNormal, map[string]interface{}{
		"task_id": "task-123",
	})

	afterCreate := time.Now()

	if event.ID == "" {
		t.Error("NewEvent did not generate ID")
	}
	if len(event.ID) != 36 {
		t.Errorf("Generated ID has unexpected length: %d, want 36", len(event.ID))
	}

	if event.CreatedAt.IsZero() {
		t.Error("NewEvent did not set CreatedAt timestamp")
	}
	if event.CreatedAt.Before(beforeCreate) || event.CreatedAt.After(afterCreate) {
		t.Errorf("CreatedAt timestamp %v is outside expected range [%v, %v]",
			event.CreatedAt, beforeCreate, afterCreate)
	}

	if event.Type != TypeTaskStatus {
		t.Errorf("Type = %v, want %v", event.Type, TypeTaskStatus)
	}
	if event.SprintID != "sprint-1" {
		t.Errorf("SprintID = %v, want 'sprint-1'", event.SprintID)
	}
	if event.Source != "orchestrator" {
		t.Errorf("Source = %v, want 'orchestrator'", event.Source)
	}
	if event.Target != "sprint-1" {
		t.Errorf("Target = %v, want 'sprint-1'", event.Target)
	}
	if event.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want %v", event.Priority, PriorityNormal)
	}
	if event.Payload["task_id"] != "task-123" {
		t.Errorf("Payload.task_id = %v, want 'task-123'", event.Payload["task_id"])
	}
}

func TestAllEventTypes(t *testing.T) {
	types := AllEventTypes()

	expectedCount := 10
	if len(types) != expectedCount {
		t.Errorf("AllEventTypes returned %d types, want %d", len(types), expectedCount)
	}

	typeMap := make(map[Type]bool)
	for _, et := range types {
		typeMap[et] = true
	}

	for _, expected := range []Type{
		TypeSprintStatus, TypeTaskStatus, TypeTaskLog, TypeWaveStarted,
		TypeWaveCompleted, TypeMergeCompleted, TypeApprovalRequired,
		TypeReviewUpdate, TypeCostUpdate, TypeError,
	} {
		if !typeMap[expected] {
			t.Errorf("AllEventTypes missing event type: %v", expected)
		}
	}
}
