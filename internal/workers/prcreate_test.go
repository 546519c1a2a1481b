package workers

import (
	"testing"
	"time"

	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

func setupPRCreateSprint(t *testing.T, f *testFixture, id string, autonomy sprint.AutonomyMode) *sprint.Sprint {
	t.Helper()
	sp := f.newSprint(t, id, autonomy, 1)
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
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusReviewing); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.SetSprintStatus(sp.ID, sprint.StatusPRCreated); err != nil {
		t.Fatal(err)
	}
	sp, _ = f.Store.GetSprint(sp.ID)

	runGit(t, f.Repo, "checkout", "-b", sp.SprintBranch())
	runGit(t, f.Repo, "commit", "--allow-empty", "-m", "sprint work")
	runGit(t, f.Repo, "checkout", "main")
	return sp
}

func TestPRCreateWorker_FullAutoWithAutomergeNoRemoteSkipsApproval(t *testing.T) {
	script := fakeAgentScript(t, "text", "", 0)
	f := newFixture(t, 14661, script)
	f.Deps.AutomergeNoRemote = true
	sp := setupPRCreateSprint(t, f, "sp-pr-1", sprint.AutonomyFullAuto)

	w := NewPRCreateWorker(f.Deps)
	if err := w.Handle(&queue.Job{SprintID: sp.ID, Kind: JobKindPRCreate}, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sp, _ = f.Store.GetSprint(sp.ID)
	if sp.Status != sprint.StatusCompleted {
		t.Errorf("expected status completed, got %s", sp.Status)
	}
	if sp.CompletedAt == nil {
		t.Error("expected CompletedAt to be stamped")
	}
}

func TestPRCreateWorker_SupervisedWaitsForLocalMergeApproval(t *testing.T) {
	script := fakeAgentScript(t, "text", "", 0)
	f := newFixture(t, 14662, script)
	sp := setupPRCreateSprint(t, f, "sp-pr-2", sprint.AutonomySupervised)

	approvalID := newApprovalID(sp.ID, "target has no remote; merge sprint branch into the default branch locally?")

	done := make(chan error, 1)
	w := NewPRCreateWorker(f.Deps)
	go func() {
		done <- w.Handle(&queue.Job{SprintID: sp.ID, Kind: JobKindPRCreate}, nil)
	}()

	deadline := time.After(3 * time.Second)
	for {
		if f.Deps.Approval.Resolve(approvalID, approvalResponseApproved()) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("approval never became pending")
		case <-time.After(20 * time.Millisecond):
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	case <-timeoutAfter():
		t.Fatal("Handle did not return after approval")
	}

	sp, _ = f.Store.GetSprint(sp.ID)
	if sp.Status != sprint.StatusCompleted {
		t.Errorf("expected status completed after approval, got %s", sp.Status)
	}
}

func TestParseOwnerRepo(t *testing.T) {
	cases := []struct {
		remote    string
		wantOwner string
		wantRepo  string
	}{
		{"https://github.com/acme/widgets.git", "acme", "widgets"},
		{"https://github.com/acme/widgets", "acme", "widgets"},
		{"git@github.com:acme/widgets.git", "acme", "widgets"},
	}
	for _, c := range cases {
		owner, repo, err := parseOwnerRepo(c.remote)
		if err != nil {
			t.Fatalf("parseOwnerRepo(%q): %v", c.remote, err)
		}
		if owner != c.wantOwner || repo != c.wantRepo {
			t.Errorf("parseOwnerRepo(%q) = (%s, %s), want (%s, %s)", c.remote, owner, repo, c.wantOwner, c.wantRepo)
		}
	}
}
