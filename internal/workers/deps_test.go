package workers

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sprintforge/orchestrator/internal/agentrunner"
	"github.com/sprintforge/orchestrator/internal/approval"
	"github.com/sprintforge/orchestrator/internal/config"
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

// fakeAgentScript writes a shell script emitting one "result" event
// whose result field is resultText (with trailingJSON appended as
// literal text, as a real agent would append a verdict block after its
// prose), matching the event shapes agentrunner.extractText expects.
// The JSON payload is written to a sibling file and cat'd rather than
// inlined, to avoid shell-quoting the arbitrary text.
func fakeAgentScript(t *testing.T, resultText string, trailingJSON string, exitCode int) string {
	t.Helper()
	dir := t.TempDir()

	full := resultText
	if trailingJSON != "" {
		full = full + "\n\n" + trailingJSON
	}
	event := struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Result  string `json:"result"`
	}{Type: "result", Subtype: "success", Result: full}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal fake event: %v", err)
	}
	jsonlPath := filepath.Join(dir, "output.jsonl")
	if err := os.WriteFile(jsonlPath, data, 0o644); err != nil {
		t.Fatalf("write fake agent output: %v", err)
	}

	scriptPath := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\ncat '" + jsonlPath + "'\nexit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent script: %v", err)
	}
	return scriptPath
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// startTestBroker starts an embedded JetStream broker on its own port
// so this package's tests don't collide with other packages' suites.
func startTestBroker(t *testing.T, port int) *queue.Broker {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "workers-queue-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	srv, err := queue.NewEmbeddedServer(queue.EmbeddedServerConfig{
		Port:      port,
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

// testFixture bundles everything a worker test needs: a real git repo
// with two developer worktrees, a sprint already in the target status,
// and a Deps wired to real (in-process or embedded) collaborators,
// with every role pointed at a caller-supplied fake agent script.
type testFixture struct {
	Deps  *Deps
	Store *state.Store
	Bus   *events.Bus
	Git   *gitcoord.Coordinator
	Repo  string
}

func newFixture(t *testing.T, port int, agentScript string) *testFixture {
	t.Helper()
	requireGit(t)

	repoDir := t.TempDir()
	initRepo(t, repoDir)

	store := state.NewStore(t.TempDir())
	bus := events.NewBus(nil)
	broker := startTestBroker(t, port)
	git := gitcoord.New(repoDir)
	registry := NewGitRegistry("")

	roles := config.DefaultRoles()
	agents := make(map[string]agentrunner.AgentConfig, len(roles.Roles))
	for _, r := range roles.Roles {
		agents[r.Role] = agentrunner.AgentConfig{Role: r.Role, Path: agentScript}
	}
	runner := agentrunner.New(t.TempDir(), agents)

	gate := approval.New()

	d := &Deps{
		Store:           store,
		Bus:             bus,
		Broker:          broker,
		Git:             registry,
		Runner:          runner,
		Approval:        gate,
		Roles:           roles,
		MaxReviewCycles: 3,
	}
	d.Wave = NewWaveRegistry(d)

	return &testFixture{Deps: d, Store: store, Bus: bus, Git: git, Repo: repoDir}
}

func timeoutAfter() <-chan time.Time {
	return time.After(5 * time.Second)
}

func testCtx() context.Context {
	return context.Background()
}

func setSprintPlan(t *testing.T, f *testFixture, sp *sprint.Sprint, tasks []interface{}) {
	t.Helper()
	plan := map[string]interface{}{"tasks": tasks}
	if err := f.Store.SetSprintPlan(sp.ID, plan); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
}

func (f *testFixture) newSprint(t *testing.T, id string, autonomy sprint.AutonomyMode, slots int) *sprint.Sprint {
	t.Helper()
	specPath := filepath.Join(t.TempDir(), "spec.md")
	if err := os.WriteFile(specPath, []byte("# a feature\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sp, err := f.Store.InitSprint(id, "fixture sprint", specPath, f.Repo, slots, autonomy)
	if err != nil {
		t.Fatalf("InitSprint: %v", err)
	}
	return sp
}
