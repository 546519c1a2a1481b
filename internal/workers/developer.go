package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

// DeveloperWorker is the singleton consumer of one impl-<slot> queue
// (spec.md §4.6 Developer row). Pre-condition: status `running` and
// the slot has an active worktree. Post-condition: commits staged
// changes, marks the task completed, and calls the Wave Scheduler.
type DeveloperWorker struct {
	d    *Deps
	slot string
}

// NewDeveloperWorker constructs a worker bound to one developer slot.
func NewDeveloperWorker(d *Deps, slot string) *DeveloperWorker {
	return &DeveloperWorker{d: d, slot: slot}
}

// Handle satisfies queue.Handler.
func (w *DeveloperWorker) Handle(job *queue.Job, progress chan<- string) error {
	ctx := context.Background()
	sp, ok := w.d.Store.GetSprint(job.SprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, job.SprintID)
	}

	if sp.Status == sprint.StatusPaused {
		requeue := *job
		if err := w.d.Broker.Enqueue(queue.DeveloperQueue(w.slot), &requeue); err != nil {
			return fmt.Errorf("re-queue paused task: %w", err)
		}
		return fmt.Errorf("%w: sprint %s task %d", queue.ErrPaused, sp.ID, job.TaskID)
	}
	if sp.Status != sprint.StatusRunning {
		return fmt.Errorf("%w: sprint %s not in running (status=%s)", sprint.ErrValidation, sp.ID, sp.Status)
	}

	task := sp.TaskByID(job.TaskID)
	if task == nil {
		return fmt.Errorf("%w: task %d", sprint.ErrTaskNotFound, job.TaskID)
	}

	worktree, ok := sp.Worktrees[w.slot]
	if !ok || worktree == "" {
		return fmt.Errorf("%w: sprint %s slot %s has no active worktree", sprint.ErrFatal, sp.ID, w.slot)
	}

	w.d.setTaskStatus(sp.ID, task.ID, sprint.TaskInProgress)

	prompt := buildDeveloperPrompt(sp, task)
	res, err := w.d.runAgent(ctx, sp, "developer", prompt, worktree, task.ID, w.slot)
	if err != nil {
		w.d.setTaskStatus(sp.ID, task.ID, sprint.TaskFailed)
		w.d.publishError(sp.ID, w.slot, err)
		return err
	}
	_ = res

	git := w.d.Git.For(sp.TargetDir)
	message := commitMessage(task)
	if err := git.CommitInWorktree(ctx, worktree, message); err != nil {
		w.d.setTaskStatus(sp.ID, task.ID, sprint.TaskFailed)
		return fmt.Errorf("commit in worktree %s: %w", w.slot, err)
	}

	w.d.setTaskStatus(sp.ID, task.ID, sprint.TaskCompleted)

	return w.d.Wave.For(sp.TargetDir).OnTaskCompleted(ctx, sp.ID, task.ID)
}

func buildDeveloperPrompt(sp *sprint.Sprint, task *sprint.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a developer agent working on sprint %s, task #%d: %s\n\n", sp.ID, task.ID, task.Title)
	b.WriteString(task.Description)
	b.WriteString("\n\nAcceptance criteria:\n")
	for _, c := range task.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	if len(task.FilesTouched) > 0 {
		b.WriteString("\nExpected files to touch:\n")
		for _, f := range task.FilesTouched {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if task.Type == "bug" {
		fmt.Fprintf(&b, "\nThis is a fix for a finding raised in review cycle %d. Address it directly.\n", task.ReviewCycle)
	}
	return b.String()
}

func commitMessage(task *sprint.Task) string {
	if task.Type == "bug" {
		return fmt.Sprintf("fix: review cycle %d - %s (#%d)", task.ReviewCycle, task.Title, task.ID)
	}
	return fmt.Sprintf("feat: %s (#%d)", task.Title, task.ID)
}
