package workers

import (
	"testing"

	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

func setupReviewingSprint(t *testing.T, f *testFixture, id string) *sprint.Sprint {
	t.Helper()
	sp := f.newSprint(t, id, sprint.AutonomyFullAuto, 1)
	setSprintPlan(t, f, sp, []interface{}{
		map[string]interface{}{"id": 1, "title": "x", "role": "developer", "wave": 1, "developer_slot": sp.DeveloperSlots[0].ID},
	})
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusResearching); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusPlanning); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusApproved); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.SetTaskStatus(sp.ID, 1, sprint.TaskCompleted); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusReviewing); err != nil {
		t.Fatal(err)
	}
	sp, _ = f.Store.GetSprint(sp.ID)
	return sp
}

func TestReviewWorker_ApproveAdvancesToPRCreated(t *testing.T) {
	verdict := `{"verdict":"APPROVE","must_fix_count":0,"should_fix_count":1,"nitpick_count":2,"summary":"looks good"}`
	script := fakeAgentScript(t, "the implementation looks solid", verdict, 0)
	f := newFixture(t, 14651, script)
	sp := setupReviewingSprint(t, f, "sp-review-1")

	w := NewReviewWorker(f.Deps)
	if err := w.Handle(&queue.Job{SprintID: sp.ID, ReviewCycle: 1, Kind: JobKindReview}, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sp, _ = f.Store.GetSprint(sp.ID)
	if sp.Status != sprint.StatusPRCreated {
		t.Errorf("expected status pr-created, got %s", sp.Status)
	}

	if ok := f.Store.HasReview(sp.ID, 1); !ok {
		t.Error("expected review-1.md to be written")
	}

	received := make(chan *queue.Job, 1)
	stop := make(chan struct{})
	defer close(stop)
	go f.Deps.Broker.Consume(queue.QueuePRCreate, stop, func(j *queue.Job, progress chan<- string) error {
		received <- j
		return nil
	})
	select {
	case j := <-received:
		if j.SprintID != sp.ID {
			t.Errorf("unexpected pr-create job: %+v", j)
		}
	case <-timeoutAfter():
		t.Fatal("expected pr-create job enqueued")
	}
}

func TestReviewWorker_RequestChangesInjectsBugTaskAndReturnsToRunning(t *testing.T) {
	verdict := `{"verdict":"REQUEST_CHANGES","must_fix_count":1,"should_fix_count":0,"nitpick_count":0,"summary":"needs fixes"}`
	prose := "## Must-fix\n\n- Fix null pointer: handle nil input in the parser\n"
	script := fakeAgentScript(t, prose, verdict, 0)
	f := newFixture(t, 14652, script)
	sp := setupReviewingSprint(t, f, "sp-review-2")

	w := NewReviewWorker(f.Deps)
	if err := w.Handle(&queue.Job{SprintID: sp.ID, ReviewCycle: 1, Kind: JobKindReview}, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sp, _ = f.Store.GetSprint(sp.ID)
	if sp.Status != sprint.StatusRunning {
		t.Errorf("expected status running after bug-task bounce, got %s", sp.Status)
	}

	var found bool
	for _, task := range sp.Plan.Tasks {
		if task.Type == "bug" {
			found = true
			if task.ReviewCycle != 1 {
				t.Errorf("expected bug task to record originating cycle 1, got %d", task.ReviewCycle)
			}
		}
	}
	if !found {
		t.Error("expected a bug task to be injected")
	}
}

func TestReviewWorker_MaxCyclesFailsSprint(t *testing.T) {
	verdict := `{"verdict":"REQUEST_CHANGES","must_fix_count":1,"should_fix_count":0,"nitpick_count":0,"summary":"still broken"}`
	script := fakeAgentScript(t, "- Fix: still broken", verdict, 0)
	f := newFixture(t, 14653, script)
	sp := setupReviewingSprint(t, f, "sp-review-3")

	w := NewReviewWorker(f.Deps)
	if err := w.Handle(&queue.Job{SprintID: sp.ID, ReviewCycle: 3, Kind: JobKindReview}, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sp, _ = f.Store.GetSprint(sp.ID)
	if sp.Status != sprint.StatusFailed {
		t.Errorf("expected status failed at max cycles, got %s", sp.Status)
	}
}

func TestParseFindings_ToleratesMixedBulletMarkers(t *testing.T) {
	md := "# Review\n\n" +
		"## Must-fix\n" +
		"- Null check: handler doesn't validate input\n" +
		"* [ ] Missing test: no coverage for the error path\n" +
		"+ [x] Off by one\n" +
		"\nsome prose that is not a bullet\n"

	findings := parseFindings(md)
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d: %+v", len(findings), findings)
	}
	if findings[0].Title != "Null check" || findings[0].Description != "handler doesn't validate input" {
		t.Errorf("unexpected first finding: %+v", findings[0])
	}
	if findings[2].Title != "Off by one" {
		t.Errorf("unexpected third finding: %+v", findings[2])
	}
}
