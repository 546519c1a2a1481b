package wave

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/state"
)

func newTestStoreWithSprint(t *testing.T) (*state.Store, *sprint.Sprint) {
	t.Helper()
	store := state.NewStore(t.TempDir())
	specPath := filepath.Join(t.TempDir(), "spec.md")
	if err := os.WriteFile(specPath, []byte("# spec"), 0o644); err != nil {
		t.Fatal(err)
	}
	sp, err := store.InitSprint("sp-health-1", "health test", specPath, t.TempDir(), 1, sprint.AutonomyFullAuto)
	if err != nil {
		t.Fatalf("InitSprint: %v", err)
	}
	plan := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"id": 1, "title": "slow", "role": "developer", "wave": 1, "developer_slot": sp.DeveloperSlots[0].ID},
		},
	}
	if err := store.SetSprintPlan(sp.ID, plan); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
	sp, _ = store.GetSprint(sp.ID)
	return store, sp
}

func TestHealthMonitor_FlagsStaleInProgressTask(t *testing.T) {
	store, sp := newTestStoreWithSprint(t)

	started := time.Now().Add(-2 * time.Hour)
	sp.TaskStates[1].Status = sprint.TaskInProgress
	sp.TaskStates[1].StartedAt = &started

	bus := events.NewBus(nil)
	ch := bus.Subscribe("all", []events.Type{events.TypeError})
	defer bus.Unsubscribe("all", ch)

	mon := NewHealthMonitor(store, bus, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go mon.Run(ctx)

	select {
	case ev := <-ch:
		if ev.Payload["kind"] != "task:stale" {
			t.Errorf("expected task:stale payload, got %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a task:stale event")
	}
}

func TestHealthMonitor_IgnoresFreshInProgressTask(t *testing.T) {
	store, sp := newTestStoreWithSprint(t)

	started := time.Now()
	sp.TaskStates[1].Status = sprint.TaskInProgress
	sp.TaskStates[1].StartedAt = &started

	bus := events.NewBus(nil)
	ch := bus.Subscribe("all", []events.Type{events.TypeError})
	defer bus.Unsubscribe("all", ch)

	mon := NewHealthMonitor(store, bus, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	mon.Run(ctx)

	select {
	case ev := <-ch:
		t.Fatalf("did not expect an event for a fresh task, got %+v", ev.Payload)
	default:
	}
}

func TestHealthMonitor_DoesNotReAlertWithinThreshold(t *testing.T) {
	store, sp := newTestStoreWithSprint(t)

	started := time.Now().Add(-2 * time.Hour)
	sp.TaskStates[1].Status = sprint.TaskInProgress
	sp.TaskStates[1].StartedAt = &started

	bus := events.NewBus(nil)
	ch := bus.Subscribe("all", []events.Type{events.TypeError})
	defer bus.Unsubscribe("all", ch)

	mon := NewHealthMonitor(store, bus, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	mon.Run(ctx)

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 1 {
				t.Errorf("expected exactly one alert across several scans within the threshold window, got %d", count)
			}
			return
		}
	}
}
