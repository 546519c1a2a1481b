package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sprintforge/orchestrator/internal/agentrunner"
	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

// PlanningWorker is the singleton consumer of the "planning" queue
// (spec.md §4.6 Planning row). Pre-condition: research.md is present
// and the sprint is in `planning`. Post-condition: writes plan.json,
// normalises it, then either waits for human approval (supervised) or
// starts implementation directly.
type PlanningWorker struct {
	d *Deps
}

// NewPlanningWorker constructs the worker.
func NewPlanningWorker(d *Deps) *PlanningWorker { return &PlanningWorker{d: d} }

// Handle satisfies queue.Handler.
func (w *PlanningWorker) Handle(job *queue.Job, progress chan<- string) error {
	ctx := context.Background()
	sp, ok := w.d.Store.GetSprint(job.SprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, job.SprintID)
	}
	if sp.Status != sprint.StatusPlanning {
		return fmt.Errorf("%w: sprint %s not in planning (status=%s)", sprint.ErrValidation, sp.ID, sp.Status)
	}
	if !w.d.Store.HasResearch(sp.ID) {
		return fmt.Errorf("%w: sprint %s missing research.md", sprint.ErrValidation, sp.ID)
	}

	research, err := sprintDirFile(w.d, sp.ID, "research.md")
	if err != nil {
		return fmt.Errorf("read research.md: %w", err)
	}

	prompt := fmt.Sprintf(
		"You are the planning agent for sprint %s with %d developer slot(s). Using the research "+
			"document below, produce a task plan as a single JSON object with fields: tasks "+
			"(array of {id, title, description, acceptance_criteria, files_touched, depends_on, "+
			"wave, role, developer_slot, labels, complexity}), developer_count, human_estimate, "+
			"ai_estimate. Tasks in the same wave assigned to different developer slots must not "+
			"touch overlapping files. End your response with the JSON object.\n\n--- RESEARCH ---\n%s",
		sp.ID, len(sp.DeveloperSlots), research)

	res, err := w.d.runAgent(ctx, sp, "planner", prompt, sp.TargetDir, 0, "")
	if err != nil {
		w.d.publishError(sp.ID, "planning", err)
		return err
	}

	raw := agentrunner.ExtractLastJSON(res.Text)
	if raw == "" {
		return fmt.Errorf("%w: planner produced no JSON verdict", sprint.ErrStructural)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: unparsable plan JSON: %v", sprint.ErrStructural, err)
	}

	if err := w.d.Store.SetSprintPlan(sp.ID, doc); err != nil {
		if err := w.d.setSprintStatus(sp.ID, sprint.StatusFailed); err != nil {
			return err
		}
		w.d.publishError(sp.ID, "planning", err)
		return err
	}

	if sp.Autonomy.RequiresPlanApproval() {
		if err := w.d.setSprintStatus(sp.ID, sprint.StatusAwaitingApproval); err != nil {
			return err
		}
		w.d.Bus.Publish(events.NewEvent(events.TypeApprovalRequired, sp.ID, "planning", "all", events.PriorityHigh,
			map[string]interface{}{"stage": "plan", "message": "plan ready for review"}))
		return nil
	}

	if err := w.d.setSprintStatus(sp.ID, sprint.StatusApproved); err != nil {
		return err
	}
	if err := w.d.Store.SetSprintApprovedAt(sp.ID, time.Now()); err != nil {
		return err
	}
	return StartImplementation(ctx, w.d, sp.ID, sp.TargetDir)
}
