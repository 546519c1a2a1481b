// Package wave implements the Wave Scheduler (spec.md §4.7): the
// algorithm triggered after every developer task completion that
// decides whether a wave is still in flight, merges and advances to
// the next wave, or finalises implementation and hands off to
// testing.
package wave

import (
	"context"
	"fmt"
	"log"

	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/gitcoord"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/state"
)

// JobKind values recognised by the developer and testing queue
// consumers (internal/workers).
const (
	JobKindDeveloperTask = "developer-task"
	JobKindTesting       = "testing"
)

// Scheduler wires the State Store, Git Coordinator, Event Bus, and
// Queue Broker together to drive wave progression.
type Scheduler struct {
	store  *state.Store
	git    *gitcoord.Coordinator
	bus    *events.Bus
	broker *queue.Broker
}

// New creates a Scheduler. git may be per-sprint in a multi-target
// deployment; callers construct one Scheduler per active sprint's
// target tree, or pass a resolver — this orchestrator targets one
// tree per sprint, so one Coordinator suffices per Scheduler instance.
func New(store *state.Store, git *gitcoord.Coordinator, bus *events.Bus, broker *queue.Broker) *Scheduler {
	return &Scheduler{store: store, git: git, bus: bus, broker: broker}
}

// BootstrapWave1 enqueues every wave-1 developer task after a sprint
// transitions from approved to running (spec.md §4.7 "Wave-1
// bootstrap"). Tasks with no explicit wave are treated as wave 1 by
// sprint.NormalizePlan, so no special-casing is needed here.
func (s *Scheduler) BootstrapWave1(sprintID string) error {
	sp, ok := s.store.GetSprint(sprintID)
	if !ok {
		return sprint.ErrSprintNotFound
	}

	if err := s.store.SetCurrentWave(sprintID, 1); err != nil {
		return err
	}

	tasks := sp.TasksInWave(1)
	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		if err := s.enqueueDeveloperTask(sp, t); err != nil {
			return err
		}
		ids = append(ids, t.ID)
	}

	s.bus.Publish(events.NewEvent(events.TypeWaveStarted, sprintID, "wave-scheduler", "all", events.PriorityNormal,
		map[string]interface{}{"wave": 1, "task_ids": ids}))
	return nil
}

// OnTaskCompleted runs the full §4.7 algorithm for the wave containing
// the just-completed task.
func (s *Scheduler) OnTaskCompleted(ctx context.Context, sprintID string, taskID int) error {
	sp, ok := s.store.GetSprint(sprintID)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	task := sp.TaskByID(taskID)
	if task == nil {
		return sprint.ErrTaskNotFound
	}
	w := task.Wave

	for _, t := range sp.TasksInWave(w) {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		st := sp.TaskStates[t.ID]
		if st == nil || st.Status != sprint.TaskCompleted {
			// Wave still in flight.
			return nil
		}
	}

	s.bus.Publish(events.NewEvent(events.TypeWaveCompleted, sprintID, "wave-scheduler", "all", events.PriorityNormal,
		map[string]interface{}{"wave": w}))

	nextWave, found := sp.NextDeveloperWave(w)
	if found {
		return s.advanceToWave(ctx, sp, nextWave)
	}
	return s.finalizeAndEnqueueTesting(ctx, sp)
}

// EnqueueExistingWave sets the current wave pointer and enqueues every
// developer-role task already present in that wave, without performing
// a merge first. Used for a freshly injected bug-task wave (spec.md
// §4.8, where the previous wave's worktrees were already finalised and
// merging would be a no-op) and by the orchestrator's restart policy
// (§4.9) to resume the earliest non-completed wave after a crash.
func (s *Scheduler) EnqueueExistingWave(sprintID string, wave int) error {
	sp, ok := s.store.GetSprint(sprintID)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if err := s.store.SetCurrentWave(sprintID, wave); err != nil {
		return err
	}

	tasks := sp.TasksInWave(wave)
	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		st := sp.TaskStates[t.ID]
		if st != nil && st.Status == sprint.TaskCompleted {
			continue
		}
		if err := s.enqueueDeveloperTask(sp, t); err != nil {
			return err
		}
		ids = append(ids, t.ID)
	}

	s.bus.Publish(events.NewEvent(events.TypeWaveStarted, sprintID, "wave-scheduler", "all", events.PriorityNormal,
		map[string]interface{}{"wave": wave, "task_ids": ids}))
	log.Printf("[WAVE] sprint=%s enqueued existing wave %d with %d task(s)", sprintID, wave, len(ids))
	return nil
}

func (s *Scheduler) advanceToWave(ctx context.Context, sp *sprint.Sprint, nextWave int) error {
	results, err := s.git.MergeWaveAndReset(ctx, sp, sp.Worktrees)
	if err != nil {
		return fmt.Errorf("merge wave and reset: %w", err)
	}
	s.publishMergeResults(sp.ID, results)

	if conflicted := conflictedSlots(results); len(conflicted) > 0 {
		s.publishMergeConflictError(sp.ID, conflicted)
		log.Printf("[WAVE] sprint=%s wave merge conflict on slot(s) %v, staying in running for restart to recover", sp.ID, conflicted)
		return nil
	}

	if err := s.store.SetCurrentWave(sp.ID, nextWave); err != nil {
		return err
	}

	tasks := sp.TasksInWave(nextWave)
	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		if err := s.enqueueDeveloperTask(sp, t); err != nil {
			return err
		}
		ids = append(ids, t.ID)
	}

	s.bus.Publish(events.NewEvent(events.TypeWaveStarted, sp.ID, "wave-scheduler", "all", events.PriorityNormal,
		map[string]interface{}{"wave": nextWave, "task_ids": ids}))
	log.Printf("[WAVE] sprint=%s advanced to wave %d with %d task(s)", sp.ID, nextWave, len(ids))
	return nil
}

func (s *Scheduler) finalizeAndEnqueueTesting(ctx context.Context, sp *sprint.Sprint) error {
	results, err := s.git.FinalizeImplementation(ctx, sp, sp.Worktrees)
	if err != nil {
		return fmt.Errorf("finalize implementation: %w", err)
	}
	s.publishMergeResults(sp.ID, results)

	if conflicted := conflictedSlots(results); len(conflicted) > 0 {
		s.publishMergeConflictError(sp.ID, conflicted)
		log.Printf("[WAVE] sprint=%s finalize merge conflict on slot(s) %v, staying in running for restart to recover", sp.ID, conflicted)
		return nil
	}

	if err := s.store.SetSprintStatus(sp.ID, sprint.StatusReviewing); err != nil {
		return err
	}

	job := &queue.Job{
		ID:            fmt.Sprintf("testing-%s", sp.ID),
		IdempotencyID: fmt.Sprintf("testing-%s", sp.ID),
		Kind:          JobKindTesting,
		SprintID:      sp.ID,
	}
	if err := s.broker.Enqueue(queue.QueueTesting, job); err != nil {
		return fmt.Errorf("enqueue testing: %w", err)
	}

	log.Printf("[WAVE] sprint=%s implementation finalised, testing enqueued", sp.ID)
	return nil
}

func (s *Scheduler) enqueueDeveloperTask(sp *sprint.Sprint, t *sprint.Task) error {
	if err := s.store.SetTaskStatus(sp.ID, t.ID, sprint.TaskQueued); err != nil {
		return err
	}
	job := &queue.Job{
		ID:            fmt.Sprintf("impl-%s-%d", sp.ID, t.ID),
		IdempotencyID: fmt.Sprintf("impl-%s-%d", sp.ID, t.ID),
		Kind:          JobKindDeveloperTask,
		SprintID:      sp.ID,
		TaskID:        t.ID,
		DeveloperSlot: t.DeveloperSlot,
	}
	return s.broker.Enqueue(queue.DeveloperQueue(t.DeveloperSlot), job)
}

func (s *Scheduler) publishMergeResults(sprintID string, results []gitcoord.SlotMergeResult) {
	for _, r := range results {
		payload := map[string]interface{}{
			"slot":    r.Slot,
			"success": r.Success,
		}
		if len(r.Conflicts) > 0 {
			payload["conflicts"] = r.Conflicts
		}
		s.bus.Publish(events.NewEvent(events.TypeMergeCompleted, sprintID, "wave-scheduler", "all", events.PriorityNormal, payload))
	}
}

// conflictedSlots returns the slot ids of every merge result that did
// not succeed (spec.md §7 "Merge conflict" — not fatal, but the wave
// must not advance on top of it).
func conflictedSlots(results []gitcoord.SlotMergeResult) []string {
	var slots []string
	for _, r := range results {
		if !r.Success {
			slots = append(slots, r.Slot)
		}
	}
	return slots
}

// publishMergeConflictError broadcasts an error event for a failed wave
// merge (spec.md §8 seed scenario "Merge conflict": "sprint remains
// running with a posted error event; restart resets the offending task
// and re-runs"). The caller is responsible for not advancing the wave
// or enqueuing the next stage.
func (s *Scheduler) publishMergeConflictError(sprintID string, conflicted []string) {
	s.bus.Publish(events.NewEvent(events.TypeError, sprintID, "wave-scheduler", "all", events.PriorityCritical,
		map[string]interface{}{
			"error":           "wave merge conflict",
			"conflicted_slot": conflicted,
		}))
}
