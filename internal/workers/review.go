package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/sprintforge/orchestrator/internal/agentrunner"
	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/state"
)

// Verdict ∈ {APPROVE, REQUEST_CHANGES}, with the category counts
// (spec.md §4.6 Review row).
const (
	VerdictApprove        = "APPROVE"
	VerdictRequestChanges = "REQUEST_CHANGES"
)

// reviewVerdict is the machine-readable shape of review-N-verdict.json.
type reviewVerdict struct {
	Verdict        string `json:"verdict"`
	MustFixCount   int    `json:"must_fix_count"`
	ShouldFixCount int    `json:"should_fix_count"`
	NitpickCount   int    `json:"nitpick_count"`
	Summary        string `json:"summary"`
}

// ReviewWorker is the singleton consumer of the "review" queue
// (spec.md §4.6 Review row, §4.8 bug injection).
type ReviewWorker struct {
	d *Deps
}

// NewReviewWorker constructs the worker.
func NewReviewWorker(d *Deps) *ReviewWorker { return &ReviewWorker{d: d} }

// Handle satisfies queue.Handler.
func (w *ReviewWorker) Handle(job *queue.Job, progress chan<- string) error {
	ctx := context.Background()
	sp, ok := w.d.Store.GetSprint(job.SprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, job.SprintID)
	}
	cycle := job.ReviewCycle
	if cycle == 0 {
		cycle = sp.ReviewCycle
	}

	prompt := fmt.Sprintf(
		"You are the code review agent for sprint %s, review cycle %d. Review the changes on the "+
			"sprint branch in the target tree against the plan's acceptance criteria. Write a "+
			"prose review identifying must-fix, should-fix, and nitpick findings grouped under "+
			"headings, then end your response with a single JSON object: "+
			"{\"verdict\": \"APPROVE\"|\"REQUEST_CHANGES\", \"must_fix_count\": N, "+
			"\"should_fix_count\": N, \"nitpick_count\": N, \"summary\": \"...\"}.",
		sp.ID, cycle)

	res, err := w.d.runAgent(ctx, sp, "reviewer", prompt, sp.TargetDir, 0, "")
	if err != nil {
		w.d.publishError(sp.ID, "review", err)
		return err
	}

	prose := res.Text
	if prose == "" {
		prose = "(the review agent produced no textual output)\n"
	}
	if err := w.d.Store.WriteReview(sp.ID, cycle, prose); err != nil {
		return fmt.Errorf("write review-%d.md: %w", cycle, err)
	}

	verdict, err := resolveVerdict(w.d, sp.ID, cycle, res.Text)
	if err != nil {
		return err
	}

	w.d.Bus.Publish(events.NewEvent(events.TypeReviewUpdate, sp.ID, "review", "all", events.PriorityNormal,
		map[string]interface{}{
			"cycle":            cycle,
			"verdict":          verdict.Verdict,
			"must_fix_count":   verdict.MustFixCount,
			"should_fix_count": verdict.ShouldFixCount,
			"nitpick_count":    verdict.NitpickCount,
		}))

	if verdict.Verdict == VerdictApprove && verdict.MustFixCount == 0 {
		return w.approveAndAdvance(ctx, sp, cycle)
	}

	if cycle >= w.d.MaxReviewCycles {
		if err := w.d.setSprintStatus(sp.ID, sprint.StatusFailed); err != nil {
			return err
		}
		w.d.Bus.Publish(events.NewEvent(events.TypeReviewUpdate, sp.ID, "review", "all", events.PriorityCritical,
			map[string]interface{}{"cycle": cycle, "status": "max-cycles-reached"}))
		return nil
	}

	return w.bounceForFixes(ctx, sp, cycle, prose)
}

// ResumeReviewCycle replays the post-agent half of Handle against an
// already-persisted review-N.md, used by the orchestrator's restart
// policy (spec.md §4.9: "review-N.md present -> enqueue a fix cycle
// from its findings") when a crash interrupted a cycle after the
// review agent wrote its prose but before the fix cycle (or PR
// advance) it implied was carried out.
func ResumeReviewCycle(ctx context.Context, d *Deps, sprintID string) error {
	sp, ok := d.Store.GetSprint(sprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, sprintID)
	}
	cycle := sp.ReviewCycle
	if cycle == 0 {
		cycle = 1
	}
	prose, err := d.Store.ReadReview(sprintID, cycle)
	if err != nil {
		return fmt.Errorf("read review-%d.md: %w", cycle, err)
	}

	verdict, err := resolveVerdict(d, sprintID, cycle, prose)
	if err != nil {
		return err
	}

	w := &ReviewWorker{d: d}
	if verdict.Verdict == VerdictApprove && verdict.MustFixCount == 0 {
		return w.approveAndAdvance(ctx, sp, cycle)
	}
	if cycle >= d.MaxReviewCycles {
		if err := d.setSprintStatus(sp.ID, sprint.StatusFailed); err != nil {
			return err
		}
		d.Bus.Publish(events.NewEvent(events.TypeReviewUpdate, sp.ID, "review", "all", events.PriorityCritical,
			map[string]interface{}{"cycle": cycle, "status": "max-cycles-reached"}))
		return nil
	}
	return w.bounceForFixes(ctx, sp, cycle, prose)
}

// resolveVerdict reads review-N-verdict.json if present and parsable;
// otherwise falls back to a case-insensitive scan of the review text
// and agent output for the literal tokens APPROVE / REQUEST_CHANGES
// (spec.md §4.6 "Fallback for reviewer verdict").
func resolveVerdict(d *Deps, sprintID string, cycle int, agentText string) (*reviewVerdict, error) {
	if data, err := d.Store.ReadReviewVerdict(sprintID, cycle); err == nil {
		var v reviewVerdict
		if err := json.Unmarshal(data, &v); err == nil && v.Verdict != "" {
			return &v, nil
		}
		log.Printf("[REVIEW] sprint=%s cycle=%d verdict file unparsable, falling back to text scan", sprintID, cycle)
	}

	if raw := agentrunner.ExtractLastJSON(agentText); raw != "" {
		var v reviewVerdict
		if err := json.Unmarshal([]byte(raw), &v); err == nil && v.Verdict != "" {
			if data, merr := json.Marshal(v); merr == nil {
				_ = d.Store.WriteReviewVerdict(sprintID, cycle, data)
			}
			return &v, nil
		}
	}

	upper := strings.ToUpper(agentText)
	hasRequestChanges := strings.Contains(upper, "REQUEST_CHANGES") || strings.Contains(upper, "REQUEST CHANGES")
	hasApprove := strings.Contains(upper, "APPROVE")

	v := &reviewVerdict{Summary: "verdict inferred from free text (no parsable verdict JSON)"}
	switch {
	case hasApprove && !hasRequestChanges:
		v.Verdict = VerdictApprove
	default:
		v.Verdict = VerdictRequestChanges
		v.MustFixCount = 1
	}
	data, _ := json.Marshal(v)
	_ = d.Store.WriteReviewVerdict(sprintID, cycle, data)
	return v, nil
}

func (w *ReviewWorker) approveAndAdvance(ctx context.Context, sp *sprint.Sprint, cycle int) error {
	if sp.Autonomy.RequiresReviewApproval() {
		resp, err := w.d.requireApproval(ctx, sp.ID, fmt.Sprintf("review cycle %d approved, ready for PR", cycle), map[string]interface{}{"cycle": cycle})
		if err != nil {
			return err
		}
		if !resp.Approved {
			w.d.Bus.Publish(events.NewEvent(events.TypeReviewUpdate, sp.ID, "review", "all", events.PriorityHigh,
				map[string]interface{}{"cycle": cycle, "status": "rejected"}))
			return nil
		}
	}

	if err := w.d.setSprintStatus(sp.ID, sprint.StatusPRCreated); err != nil {
		return err
	}
	return w.d.Broker.Enqueue(queue.QueuePRCreate, &queue.Job{
		ID:            fmt.Sprintf("pr-create-%s", sp.ID),
		IdempotencyID: fmt.Sprintf("pr-create-%s", sp.ID),
		Kind:          JobKindPRCreate,
		SprintID:      sp.ID,
	})
}

func (w *ReviewWorker) bounceForFixes(ctx context.Context, sp *sprint.Sprint, cycle int, prose string) error {
	findings := parseFindings(prose)
	if len(findings) == 0 {
		findings = []state.BugFinding{{
			Title:       fmt.Sprintf("address review cycle %d feedback", cycle),
			Description: prose,
		}}
	}

	if sp.Autonomy.RequiresReviewApproval() {
		resp, err := w.d.requireApproval(ctx, sp.ID, fmt.Sprintf("review cycle %d requested changes (%d finding(s))", cycle, len(findings)),
			map[string]interface{}{"cycle": cycle, "finding_count": len(findings)})
		if err != nil {
			return err
		}
		if !resp.Approved {
			w.d.Bus.Publish(events.NewEvent(events.TypeReviewUpdate, sp.ID, "review", "all", events.PriorityHigh,
				map[string]interface{}{"cycle": cycle, "status": "fix-cycle-rejected"}))
			return nil
		}
	}

	created, err := w.d.Store.AddBugTasks(sp.ID, findings, cycle)
	if err != nil {
		return fmt.Errorf("inject bug tasks: %w", err)
	}
	if len(created) == 0 {
		return fmt.Errorf("%w: no bug tasks created from %d finding(s)", sprint.ErrFatal, len(findings))
	}
	bugWave := created[0].Wave

	git := w.d.Git.For(sp.TargetDir)
	sp, ok := w.d.Store.GetSprint(sp.ID)
	if !ok {
		return sprint.ErrSprintNotFound
	}
	paths, err := git.SetupSprintGit(ctx, sp)
	if err != nil {
		return fmt.Errorf("re-establish worktrees for fix cycle: %w", err)
	}
	for slot, path := range paths {
		if err := w.d.Store.SetWorktreePath(sp.ID, slot, path); err != nil {
			return err
		}
		sp.Worktrees[slot] = path
	}

	if err := w.d.setSprintStatus(sp.ID, sprint.StatusRunning); err != nil {
		return err
	}
	return w.d.Wave.For(sp.TargetDir).EnqueueExistingWave(sp.ID, bugWave)
}

// parseFindings tolerantly extracts bullet findings from the
// reviewer's markdown prose (spec.md Open Question: "the exact grammar
// of reviewer-produced finding bullets is soft"). Recognised bullet
// markers are "-", "*", "+", optionally followed by a "[ ]"/"[x]"
// checkbox. A "Title: description" bullet splits on the first colon;
// otherwise the whole bullet becomes the title. Unparsable lines are
// skipped, never fatal.
func parseFindings(markdown string) []state.BugFinding {
	var findings []state.BugFinding
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		marker, rest, ok := stripBulletMarker(trimmed)
		if !ok {
			continue
		}
		_ = marker
		rest = strings.TrimSpace(rest)
		if rest == "" {
			continue
		}

		title, desc := rest, ""
		if idx := strings.Index(rest, ": "); idx > 0 {
			title, desc = rest[:idx], rest[idx+2:]
		}
		findings = append(findings, state.BugFinding{Title: title, Description: desc})
	}
	return findings
}

func stripBulletMarker(line string) (marker, rest string, ok bool) {
	if line == "" {
		return "", "", false
	}
	switch line[0] {
	case '-', '*', '+':
		marker, rest = string(line[0]), strings.TrimSpace(line[1:])
	default:
		return "", "", false
	}
	if strings.HasPrefix(rest, "[ ]") {
		rest = strings.TrimSpace(rest[3:])
	} else if strings.HasPrefix(rest, "[x]") || strings.HasPrefix(rest, "[X]") {
		rest = strings.TrimSpace(rest[3:])
	}
	return marker, rest, true
}
