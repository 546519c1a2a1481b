package workers

import (
	"context"
	"fmt"
	"os"

	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

// ResearchWorker is the singleton consumer of the "research" queue
// (spec.md §4.6 Research row). Pre-condition: the spec file exists and
// the sprint is in `researching`. Post-condition: writes research.md
// if the agent did not, sets status `planning`, enqueues planning.
type ResearchWorker struct {
	d *Deps
}

// NewResearchWorker constructs the worker.
func NewResearchWorker(d *Deps) *ResearchWorker { return &ResearchWorker{d: d} }

// Handle satisfies queue.Handler.
func (w *ResearchWorker) Handle(job *queue.Job, progress chan<- string) error {
	ctx := context.Background()
	sp, ok := w.d.Store.GetSprint(job.SprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, job.SprintID)
	}
	if sp.Status != sprint.StatusResearching {
		return fmt.Errorf("%w: sprint %s not in researching (status=%s)", sprint.ErrValidation, sp.ID, sp.Status)
	}

	specBody, err := os.ReadFile(sp.SpecPath)
	if err != nil {
		return fmt.Errorf("%w: read spec %s: %v", sprint.ErrValidation, sp.SpecPath, err)
	}

	prompt := fmt.Sprintf(
		"You are the research agent for sprint %s. Read the feature specification below and "+
			"produce a research document covering relevant existing code, conventions, and risks "+
			"in the target source tree at %s. Write your findings as markdown.\n\n--- SPEC ---\n%s",
		sp.ID, sp.TargetDir, string(specBody))

	res, err := w.d.runAgent(ctx, sp, "researcher", prompt, sp.TargetDir, 0, "")
	if err != nil {
		w.d.publishError(sp.ID, "research", err)
		return err
	}

	if !w.d.Store.HasResearch(sp.ID) {
		content := res.Text
		if content == "" {
			content = "# Research\n\n(the research agent produced no textual output)\n"
		}
		if err := w.d.Store.WriteResearch(sp.ID, content); err != nil {
			return fmt.Errorf("write research.md: %w", err)
		}
	}

	if err := w.d.setSprintStatus(sp.ID, sprint.StatusPlanning); err != nil {
		return err
	}

	return w.d.Broker.Enqueue(queue.QueuePlanning, &queue.Job{
		ID:            fmt.Sprintf("planning-%s", sp.ID),
		IdempotencyID: fmt.Sprintf("planning-%s", sp.ID),
		Kind:          JobKindPlanning,
		SprintID:      sp.ID,
	})
}
