package orchestrator

// Lifecycle transitions the REST surface and the /ws observer protocol
// both need to trigger: starting a sprint, approving a plan,
// pausing/resuming, cancelling, restarting, and retrying a failed
// task. Factored out of handlers.go so the websocket Hub's
// client-emitted events (sprint:approve, sprint:cancel, task:retry)
// drive the exact same code path as their REST equivalents, rather
// than a second copy of the business logic.

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sprintforge/orchestrator/internal/approval"
	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/workers"
)

// ResumeActiveSprints runs at process boot: it admits every persisted
// sprint whose status is non-terminal and non-created
// (state.Store.LoadActiveSprintsFromDisk already filters to that set),
// then runs the same restart policy the REST /restart endpoint uses
// for each one. Failures are logged, not fatal: one sprint's corrupt
// on-disk state must not stop the rest of the fleet from resuming.
func (s *Server) ResumeActiveSprints(ctx context.Context) error {
	sprints, err := s.store.LoadActiveSprintsFromDisk()
	if err != nil {
		return fmt.Errorf("load active sprints from disk: %w", err)
	}
	for _, sp := range sprints {
		log.Printf("[ORCHESTRATOR] resuming sprint=%s status=%s", sp.ID, sp.Status)
		if err := restartSprint(ctx, s, sp.ID); err != nil {
			log.Printf("[ORCHESTRATOR] sprint=%s failed to resume: %v", sp.ID, err)
		}
	}
	return nil
}

// startSprint moves a sprint from created to researching and enqueues
// the research job.
func startSprint(s *Server, id string) error {
	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if sp.Status != sprint.StatusCreated {
		return fmt.Errorf("%w: sprint %s not in created (status=%s)", sprint.ErrIllegalTransition, id, sp.Status)
	}
	if err := s.setStatus(id, sprint.StatusResearching); err != nil {
		return err
	}
	return s.broker.Enqueue(queue.QueueResearch, &queue.Job{
		ID:            fmt.Sprintf("research-%s", id),
		IdempotencyID: fmt.Sprintf("research-%s", id),
		Kind:          "research",
		SprintID:      id,
	})
}

// approveSprint resolves the plan-approval gate and starts
// implementation.
func approveSprint(ctx context.Context, s *Server, id string) error {
	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if sp.Status != sprint.StatusAwaitingApproval {
		return fmt.Errorf("%w: sprint %s not awaiting approval (status=%s)", sprint.ErrIllegalTransition, id, sp.Status)
	}
	if err := s.setStatus(id, sprint.StatusApproved); err != nil {
		return err
	}
	if err := s.store.SetSprintApprovedAt(id, time.Now()); err != nil {
		return err
	}
	return workers.StartImplementation(ctx, s.deps, id, sp.TargetDir)
}

// pauseSprint forbids only the start of new tasks; in-flight tasks
// finish and their successors do not auto-enqueue.
func pauseSprint(s *Server, id string) error {
	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if sp.Status.IsTerminal() || sp.Status == sprint.StatusPaused {
		return fmt.Errorf("%w: sprint %s cannot be paused from %s", sprint.ErrIllegalTransition, id, sp.Status)
	}
	return s.setStatus(id, sprint.StatusPaused)
}

// resumeSprint restores the pre-pause status and nudges every
// still-queued task back onto its queue.
func resumeSprint(s *Server, id string) error {
	target, err := s.store.ResumeTarget(id)
	if err != nil {
		return err
	}
	if err := s.setStatus(id, target); err != nil {
		return err
	}

	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if sp.Plan == nil {
		return nil
	}
	for _, t := range sp.Plan.Tasks {
		st := sp.TaskStates[t.ID]
		if st == nil || st.Status != sprint.TaskQueued || t.Role != sprint.RoleDeveloper {
			continue
		}
		_ = s.broker.Enqueue(queue.DeveloperQueue(t.DeveloperSlot), &queue.Job{
			ID:            fmt.Sprintf("impl-%s-%d-resume-%d", id, t.ID, time.Now().Unix()),
			IdempotencyID: fmt.Sprintf("impl-%s-%d", id, t.ID),
			Kind:          "developer-task",
			SprintID:      id,
			TaskID:        t.ID,
			DeveloperSlot: t.DeveloperSlot,
		})
	}
	return nil
}

// cancelSprint marks the sprint cancelled, drains every queue of its
// waiting jobs, and resolves every outstanding approval as rejected.
func cancelSprint(s *Server, id string) error {
	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if sp.Status.IsTerminal() {
		return fmt.Errorf("%w: sprint %s already terminal (status=%s)", sprint.ErrIllegalTransition, id, sp.Status)
	}
	if err := s.setStatus(id, sprint.StatusCancelled); err != nil {
		return err
	}
	if s.broker != nil {
		_ = s.broker.Drain(allQueueNames(sp), id)
	}
	s.approval.Cancel(id)
	return nil
}

func allQueueNames(sp *sprint.Sprint) []string {
	names := []string{queue.QueueResearch, queue.QueuePlanning, queue.QueueTesting, queue.QueueReview, queue.QueuePRCreate}
	for _, slot := range sp.DeveloperSlots {
		names = append(names, queue.DeveloperQueue(slot.ID))
	}
	return names
}

// completeSprint lets a human mark a pr-created sprint completed
// out-of-band (e.g. the PR was merged manually).
func completeSprint(s *Server, id string) error {
	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	if sp.Status != sprint.StatusPRCreated {
		return fmt.Errorf("%w: sprint %s not in pr-created (status=%s)", sprint.ErrIllegalTransition, id, sp.Status)
	}
	return s.setStatus(id, sprint.StatusCompleted)
}

// mergeLocalSprint approves the pending local-merge approval raised by
// the PR-create worker for a remote-less target. It is a convenience
// shortcut equivalent to an approval:response with approved=true for
// that specific request.
func mergeLocalSprint(s *Server, id string) error {
	pending := s.approval.Pending(id)
	for _, req := range pending {
		if containsFold(req.Message, "local") {
			if !s.approval.Resolve(req.ID, approval.Response{Approved: true}) {
				return fmt.Errorf("%w: approval %s already resolved", sprint.ErrValidation, req.ID)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: sprint %s has no pending local-merge approval", sprint.ErrValidation, id)
}

// retryTask resets a failed task to pending and re-enqueues it.
func retryTask(s *Server, sprintID string, taskID int) error {
	sp, ok := s.store.GetSprint(sprintID)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	task := sp.TaskByID(taskID)
	if task == nil {
		return sprint.ErrTaskNotFound
	}
	st, ok := sp.TaskStates[taskID]
	if !ok || st.Status != sprint.TaskFailed {
		return fmt.Errorf("%w: task %d is not failed", sprint.ErrValidation, taskID)
	}
	if err := s.store.SetTaskStatus(sprintID, taskID, sprint.TaskPending); err != nil {
		return err
	}
	return s.broker.Enqueue(queue.DeveloperQueue(task.DeveloperSlot), &queue.Job{
		ID:            fmt.Sprintf("impl-%s-%d-retry-%d", sprintID, taskID, time.Now().Unix()),
		IdempotencyID: fmt.Sprintf("impl-%s-%d-retry-%d", sprintID, taskID, time.Now().Unix()),
		Kind:          "developer-task",
		SprintID:      sprintID,
		TaskID:        taskID,
		DeveloperSlot: task.DeveloperSlot,
	})
}

// restartSprint implements the crash-recovery policy: inspect
// persisted artefacts in priority order and resume the earliest stage
// that is missing its post-condition.
func restartSprint(ctx context.Context, s *Server, id string) error {
	sp, ok := s.store.GetSprint(id)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	switch sp.Status {
	case sprint.StatusResearching, sprint.StatusPlanning, sprint.StatusRunning, sprint.StatusReviewing:
	default:
		return fmt.Errorf("%w: sprint %s cannot be restarted from %s", sprint.ErrIllegalTransition, id, sp.Status)
	}

	if !s.store.HasResearch(id) {
		return s.broker.Enqueue(queue.QueueResearch, &queue.Job{
			ID: fmt.Sprintf("research-%s-retry-%d", id, time.Now().Unix()), IdempotencyID: fmt.Sprintf("research-%s", id),
			Kind: "research", SprintID: id,
		})
	}
	if !s.store.HasPlan(id) {
		return s.broker.Enqueue(queue.QueuePlanning, &queue.Job{
			ID: fmt.Sprintf("planning-%s-retry-%d", id, time.Now().Unix()), IdempotencyID: fmt.Sprintf("planning-%s", id),
			Kind: "planning", SprintID: id,
		})
	}
	if sp.Status == sprint.StatusReviewing {
		cycle := sp.ReviewCycle
		if cycle == 0 {
			cycle = 1
		}
		if !s.store.HasReview(id, cycle) {
			return s.broker.Enqueue(queue.QueueReview, &queue.Job{
				ID: fmt.Sprintf("review-%s-%d-retry-%d", id, cycle, time.Now().Unix()),
				IdempotencyID: fmt.Sprintf("review-%s-%d", id, cycle), Kind: "review", SprintID: id, ReviewCycle: cycle,
			})
		}
		return workers.ResumeReviewCycle(ctx, s.deps, id)
	}

	resetIDs, err := s.store.ResetSprintForRestart(id)
	if err != nil {
		return err
	}
	s.bus.Publish(events.NewEvent(events.TypeSprintStatus, id, "orchestrator", "all", events.PriorityNormal,
		map[string]interface{}{"restarted": true, "reset_tasks": resetIDs}))

	git := s.deps.Git.For(sp.TargetDir)
	paths, err := git.SetupSprintGit(ctx, sp)
	if err != nil {
		return fmt.Errorf("re-establish worktrees on restart: %w", err)
	}
	for slot, path := range paths {
		if err := s.store.SetWorktreePath(id, slot, path); err != nil {
			return err
		}
		sp.Worktrees[slot] = path
	}

	wave, found := earliestIncompleteDeveloperWave(sp)
	if !found {
		return nil
	}
	return s.deps.Wave.For(sp.TargetDir).EnqueueExistingWave(id, wave)
}

func earliestIncompleteDeveloperWave(sp *sprint.Sprint) (int, bool) {
	waves := make(map[int]bool)
	for _, t := range sp.Plan.Tasks {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		st := sp.TaskStates[t.ID]
		if st != nil && st.Status == sprint.TaskCompleted {
			continue
		}
		waves[t.Wave] = true
	}
	if len(waves) == 0 {
		return 0, false
	}
	sorted := make([]int, 0, len(waves))
	for w := range waves {
		sorted = append(sorted, w)
	}
	sort.Ints(sorted)
	return sorted[0], true
}

// setStatus mutates the sprint's status via the State Store and
// publishes the corresponding sprint:status event, the one place every
// lifecycle transition funnels through.
func (s *Server) setStatus(id string, status sprint.Status) error {
	if err := s.store.SetSprintStatus(id, status); err != nil {
		return err
	}
	s.bus.Publish(events.NewEvent(events.TypeSprintStatus, id, "orchestrator", "all", events.PriorityNormal,
		map[string]interface{}{"status": string(status)}))
	return nil
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(haystack), []rune(needle)
	lh := make([]rune, len(h))
	for i, r := range h {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		lh[i] = r
	}
	ln := make([]rune, len(n))
	for i, r := range n {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		ln[i] = r
	}
	hs, ns := string(lh), string(ln)
	for i := 0; i+len(ns) <= len(hs); i++ {
		if hs[i:i+len(ns)] == ns {
			return true
		}
	}
	return len(ns) == 0
}
