package workers

import (
	"context"
	"fmt"

	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

// TestingWorker is the singleton consumer of the "testing" queue
// (spec.md §4.6 Testing row). Pre-condition: implementation finalised,
// status `reviewing`. Post-condition: runs tests in the target tree,
// stages any new test files, enqueues review cycle 1 (or the next
// cycle, on a re-run after a bug-task wave per §4.8).
type TestingWorker struct {
	d *Deps
}

// NewTestingWorker constructs the worker.
func NewTestingWorker(d *Deps) *TestingWorker { return &TestingWorker{d: d} }

// Handle satisfies queue.Handler.
func (w *TestingWorker) Handle(job *queue.Job, progress chan<- string) error {
	ctx := context.Background()
	sp, ok := w.d.Store.GetSprint(job.SprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, job.SprintID)
	}
	if sp.Status != sprint.StatusReviewing {
		return fmt.Errorf("%w: sprint %s not in reviewing (status=%s)", sprint.ErrValidation, sp.ID, sp.Status)
	}

	prompt := fmt.Sprintf(
		"You are the testing agent for sprint %s. Run the project's test suite in the target tree, "+
			"add any missing tests for the tasks just implemented, and report pass/fail results.", sp.ID)

	res, err := w.d.runAgent(ctx, sp, "tester", prompt, sp.TargetDir, 0, "")
	if err != nil {
		w.d.publishError(sp.ID, "testing", err)
		return err
	}

	git := w.d.Git.For(sp.TargetDir)
	if err := git.CommitInWorktree(ctx, sp.TargetDir, fmt.Sprintf("test: sprint %s cycle %d", sp.ID, sp.ReviewCycle+1)); err != nil {
		return fmt.Errorf("commit test artefacts: %w", err)
	}
	_ = res

	cycle := sp.ReviewCycle + 1
	if err := w.d.Store.SetReviewCycle(sp.ID, cycle); err != nil {
		return err
	}

	return w.d.Broker.Enqueue(queue.QueueReview, &queue.Job{
		ID:            fmt.Sprintf("review-%s-%d", sp.ID, cycle),
		IdempotencyID: fmt.Sprintf("review-%s-%d", sp.ID, cycle),
		Kind:          JobKindReview,
		SprintID:      sp.ID,
		ReviewCycle:   cycle,
	})
}
