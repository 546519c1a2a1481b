package wave

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/gitcoord"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/state"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "dev@example.com")
	runGit(t, dir, "config", "user.name", "dev")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
}

// startTestBroker starts an embedded JetStream broker on its own port
// so package tests don't collide with internal/queue's own suite.
func startTestBroker(t *testing.T) *queue.Broker {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "wave-queue-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	srv, err := queue.NewEmbeddedServer(queue.EmbeddedServerConfig{
		Port:      14533,
		JetStream: true,
		DataDir:   filepath.Join(tempDir, "jetstream"),
	})
	if err != nil {
		t.Fatalf("new embedded server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	broker, err := queue.NewBroker(srv.URL())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(broker.Close)
	return broker
}

// setup builds a two-developer-slot sprint with real worktrees in a
// throwaway git repo, a state.Store rooted at a throwaway directory
// already holding that sprint, and a Scheduler wired to real
// collaborators so the full §4.7 path can be exercised end to end.
func setup(t *testing.T) (*Scheduler, *state.Store, *sprint.Sprint, *events.Bus, *queue.Broker) {
	t.Helper()
	requireGit(t)

	repoDir := t.TempDir()
	initRepo(t, repoDir)

	stateDir := t.TempDir()
	store := state.NewStore(stateDir)

	specPath := filepath.Join(t.TempDir(), "spec.md")
	if err := os.WriteFile(specPath, []byte("# spec"), 0o644); err != nil {
		t.Fatal(err)
	}

	sp, err := store.InitSprint("sp-wave-1", "wave test", specPath, repoDir, 2, sprint.AutonomyFullAuto)
	if err != nil {
		t.Fatalf("InitSprint: %v", err)
	}

	git := gitcoord.New(repoDir)
	worktrees, err := git.SetupSprintGit(context.Background(), sp)
	if err != nil {
		t.Fatalf("SetupSprintGit: %v", err)
	}
	for slot, path := range worktrees {
		if err := store.SetWorktreePath(sp.ID, slot, path); err != nil {
			t.Fatalf("SetWorktreePath: %v", err)
		}
	}
	sp, _ = store.GetSprint(sp.ID)

	plan := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{
				"id": 1, "title": "a", "role": "developer",
				"wave": 1, "developer_slot": sp.DeveloperSlots[0].ID,
			},
			map[string]interface{}{
				"id": 2, "title": "b", "role": "developer",
				"wave": 1, "developer_slot": sp.DeveloperSlots[1].ID,
			},
			map[string]interface{}{
				"id": 3, "title": "c", "role": "developer",
				"wave": 2, "developer_slot": sp.DeveloperSlots[0].ID,
			},
		},
	}
	if err := store.SetSprintPlan(sp.ID, plan); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
	sp, _ = store.GetSprint(sp.ID)

	bus := events.NewBus(nil)
	broker := startTestBroker(t)
	sched := New(store, git, bus, broker)
	return sched, store, sp, bus, broker
}

func TestBootstrapWave1_EnqueuesWave1TasksOnly(t *testing.T) {
	sched, store, sp, bus, _ := setup(t)

	ch := bus.Subscribe("all", []events.Type{events.TypeWaveStarted})
	defer bus.Unsubscribe("all", ch)

	if err := sched.BootstrapWave1(sp.ID); err != nil {
		t.Fatalf("BootstrapWave1: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Payload["wave"] != 1 {
			t.Errorf("expected wave 1 event, got %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected wave:started event")
	}

	sp, _ = store.GetSprint(sp.ID)
	if sp.CurrentWave != 1 {
		t.Errorf("expected current wave 1, got %d", sp.CurrentWave)
	}
	if sp.TaskStates[1].Status != sprint.TaskQueued || sp.TaskStates[2].Status != sprint.TaskQueued {
		t.Error("expected wave-1 tasks queued")
	}
	if st, ok := sp.TaskStates[3]; ok && st.Status == sprint.TaskQueued {
		t.Error("wave-2 task should not be queued yet")
	}
}

func TestOnTaskCompleted_WaveStillInFlightReturnsNil(t *testing.T) {
	sched, store, sp, _, _ := setup(t)
	if err := sched.BootstrapWave1(sp.ID); err != nil {
		t.Fatalf("BootstrapWave1: %v", err)
	}

	if err := store.SetTaskStatus(sp.ID, 1, sprint.TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	if err := sched.OnTaskCompleted(context.Background(), sp.ID, 1); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	sp, _ = store.GetSprint(sp.ID)
	if sp.CurrentWave != 1 {
		t.Errorf("wave should not have advanced while task 2 is incomplete, got wave %d", sp.CurrentWave)
	}
}

func TestOnTaskCompleted_AdvancesToNextWaveOnceWaveDone(t *testing.T) {
	sched, store, sp, bus, _ := setup(t)
	if err := sched.BootstrapWave1(sp.ID); err != nil {
		t.Fatalf("BootstrapWave1: %v", err)
	}

	// Simulate both wave-1 developers committing work in their worktrees.
	sp, _ = store.GetSprint(sp.ID)
	for slot, path := range sp.Worktrees {
		marker := filepath.Join(path, slot+".txt")
		if err := os.WriteFile(marker, []byte("work\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		git := gitcoord.New(sp.TargetDir)
		if err := git.CommitInWorktree(context.Background(), path, "work by "+slot); err != nil {
			t.Fatalf("CommitInWorktree: %v", err)
		}
	}

	ch := bus.Subscribe("all", []events.Type{events.TypeWaveCompleted, events.TypeWaveStarted, events.TypeMergeCompleted})
	defer bus.Unsubscribe("all", ch)

	if err := store.SetTaskStatus(sp.ID, 1, sprint.TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := sched.OnTaskCompleted(context.Background(), sp.ID, 1); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	if err := store.SetTaskStatus(sp.ID, 2, sprint.TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := sched.OnTaskCompleted(context.Background(), sp.ID, 2); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	var sawCompleted, sawStarted, sawMerge bool
	timeout := time.After(5 * time.Second)
	for !(sawCompleted && sawStarted && sawMerge) {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.TypeWaveCompleted:
				sawCompleted = true
			case events.TypeWaveStarted:
				if ev.Payload["wave"] == 2 {
					sawStarted = true
				}
			case events.TypeMergeCompleted:
				sawMerge = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got completed=%v started=%v merge=%v", sawCompleted, sawStarted, sawMerge)
		}
	}

	sp, _ = store.GetSprint(sp.ID)
	if sp.CurrentWave != 2 {
		t.Errorf("expected current wave 2, got %d", sp.CurrentWave)
	}
	if sp.TaskStates[3].Status != sprint.TaskQueued {
		t.Error("expected wave-2 task to be queued")
	}
}

func TestOnTaskCompleted_MergeConflictKeepsRunningAndPublishesError(t *testing.T) {
	sched, store, sp, bus, broker := setup(t)
	if err := sched.BootstrapWave1(sp.ID); err != nil {
		t.Fatalf("BootstrapWave1: %v", err)
	}

	// Both wave-1 developers edit the same line of the same file so
	// their merge into the sprint branch conflicts.
	sp, _ = store.GetSprint(sp.ID)
	for _, slot := range sp.DeveloperSlots {
		path := sp.Worktrees[slot.ID]
		marker := filepath.Join(path, "README.md")
		if err := os.WriteFile(marker, []byte("conflicting change from "+slot.ID+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		git := gitcoord.New(sp.TargetDir)
		if err := git.CommitInWorktree(context.Background(), path, "conflicting edit by "+slot.ID); err != nil {
			t.Fatalf("CommitInWorktree: %v", err)
		}
	}

	ch := bus.Subscribe("all", []events.Type{events.TypeError, events.TypeMergeCompleted, events.TypeWaveStarted})
	defer bus.Unsubscribe("all", ch)

	if err := store.SetTaskStatus(sp.ID, 1, sprint.TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := sched.OnTaskCompleted(context.Background(), sp.ID, 1); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}
	if err := store.SetTaskStatus(sp.ID, 2, sprint.TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := sched.OnTaskCompleted(context.Background(), sp.ID, 2); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	var sawError, sawFailedMerge bool
	timeout := time.After(5 * time.Second)
	for !sawError {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.TypeError:
				sawError = true
			case events.TypeMergeCompleted:
				if success, _ := ev.Payload["success"].(bool); !success {
					sawFailedMerge = true
				}
			case events.TypeWaveStarted:
				if ev.Payload["wave"] == 2 {
					t.Fatal("wave 2 should not start after a merge conflict")
				}
			}
		case <-timeout:
			t.Fatal("timed out waiting for error event after merge conflict")
		}
	}
	if !sawFailedMerge {
		t.Error("expected a merge:completed event reporting success=false")
	}

	sp, _ = store.GetSprint(sp.ID)
	if sp.CurrentWave != 1 {
		t.Errorf("wave should not have advanced after a merge conflict, got wave %d", sp.CurrentWave)
	}
	if sp.Status == sprint.StatusReviewing {
		t.Error("sprint should not have moved to reviewing after a merge conflict")
	}

	received := make(chan *queue.Job, 1)
	stop := make(chan struct{})
	go broker.Consume(queue.QueueTesting, stop, func(j *queue.Job, progress chan<- string) error {
		received <- j
		return nil
	})
	select {
	case <-received:
		t.Fatal("testing should not be enqueued after a merge conflict")
	case <-time.After(1 * time.Second):
	}
	close(stop)
}

func TestOnTaskCompleted_FinalizesAndEnqueuesTestingOnLastWave(t *testing.T) {
	sched, store, sp, bus, broker := setup(t)

	// Collapse to a single wave-1 task so completing it finalises
	// implementation immediately.
	plan := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{
				"id": 1, "title": "only", "role": "developer",
				"wave": 1, "developer_slot": sp.DeveloperSlots[0].ID,
			},
		},
	}
	if err := store.SetSprintPlan(sp.ID, plan); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}

	if err := sched.BootstrapWave1(sp.ID); err != nil {
		t.Fatalf("BootstrapWave1: %v", err)
	}
	if err := store.SetTaskStatus(sp.ID, 1, sprint.TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	ch := bus.Subscribe("all", []events.Type{events.TypeMergeCompleted})
	defer bus.Unsubscribe("all", ch)

	if err := sched.OnTaskCompleted(context.Background(), sp.ID, 1); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("expected merge:completed event from finalize")
	}

	sp, _ = store.GetSprint(sp.ID)
	if sp.Status != sprint.StatusReviewing {
		t.Errorf("expected status reviewing, got %s", sp.Status)
	}

	received := make(chan *queue.Job, 1)
	stop := make(chan struct{})
	defer close(stop)
	go broker.Consume(queue.QueueTesting, stop, func(j *queue.Job, progress chan<- string) error {
		received <- j
		return nil
	})

	select {
	case j := <-received:
		if j.SprintID != sp.ID {
			t.Errorf("expected testing job for sprint %s, got %s", sp.ID, j.SprintID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected testing job enqueued after finalize")
	}
}
