// Package workers implements the Role Workers (spec.md §4.6): typed
// consumers for research / planning / developer-N / testing / review /
// pr-create. Every worker shares the template described there: accept
// one job envelope, read auxiliary artefacts from the sprint
// directory, build a prompt, invoke the Agent Runner forwarding every
// output line as a progress event, then run the stage's post-condition
// and enqueue the next stage.
package workers

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/sprintforge/orchestrator/internal/agentrunner"
	"github.com/sprintforge/orchestrator/internal/approval"
	"github.com/sprintforge/orchestrator/internal/config"
	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/gitcoord"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/state"
)

// GitRegistry hands out one gitcoord.Coordinator per target tree,
// matching spec.md §5's "Git Coordinator serialises per target source
// tree" — one tree can back several sprints' lifetimes sequentially,
// so the registry is keyed by absolute target path, not sprint id.
type GitRegistry struct {
	mu     sync.Mutex
	gitBin string
	byDir  map[string]*gitcoord.Coordinator
}

// NewGitRegistry creates an empty registry that invokes gitBin (empty
// falls back to "git" on PATH) for every Coordinator it hands out.
func NewGitRegistry(gitBin string) *GitRegistry {
	return &GitRegistry{gitBin: gitBin, byDir: make(map[string]*gitcoord.Coordinator)}
}

// For returns the Coordinator for targetDir, creating it on first use.
func (r *GitRegistry) For(targetDir string) *gitcoord.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byDir[targetDir]
	if !ok {
		c = gitcoord.NewWithBin(targetDir, r.gitBin)
		r.byDir[targetDir] = c
	}
	return c
}

// Deps bundles every collaborator a Role Worker needs. One Deps value
// is shared by every worker in the process.
type Deps struct {
	Store    *state.Store
	Bus      *events.Bus
	Broker   *queue.Broker
	Git      *GitRegistry
	Runner   *agentrunner.Runner
	Approval *approval.Gate
	Wave     *WaveRegistry
	Roles    *config.RolesConfig

	MaxReviewCycles   int
	AutomergeNoRemote bool
}

// runAgent invokes the Agent Runner for role against sp, forwarding
// output lines as task:log events tagged with the sprint's role-log
// stream, and persists the cost ledger afterwards.
func (d *Deps) runAgent(ctx context.Context, sp *sprint.Sprint, role, prompt, workDir string, taskID int, developerID string) (*agentrunner.Result, error) {
	budget := d.Roles.Budget(role)
	maxTurns := d.Roles.MaxTurns(role)

	onOutput := func(line string) {
		d.publishLog(sp.ID, role, developerID, line)
	}
	onError := func(line string) {
		d.publishLog(sp.ID, role, developerID, "[stderr] "+line)
	}

	res, err := d.Runner.Run(ctx, role, prompt, budget, maxTurns, workDir, sp.ID, taskID, onOutput, onError, &sp.Cost)
	if err != nil {
		return nil, err
	}
	if err := d.Store.WriteCost(sp.ID); err != nil {
		log.Printf("[WORKERS] sprint=%s failed to persist cost ledger: %v", sp.ID, err)
	}
	d.Bus.Publish(events.NewEvent(events.TypeCostUpdate, sp.ID, role, "all", events.PriorityLow,
		map[string]interface{}{"roll_up": sp.Cost.RollUp()}))

	if res.ExitCode != 0 {
		return res, fmt.Errorf("%w: %s agent exited %d: %s", sprint.ErrTransient, role, res.ExitCode, res.Stderr)
	}
	return res, nil
}

// publishLog emits a task:log event and appends the line to the
// sprint's persisted per-role log stream (spec.md §6
// "role-logs/<role-id>.log").
func (d *Deps) publishLog(sprintID, role, developerID, line string) {
	d.Bus.Publish(events.NewEvent(events.TypeTaskLog, sprintID, role, "all", events.PriorityLow,
		map[string]interface{}{"developer_id": developerID, "role": role, "line": line}))

	roleTag := role
	if developerID != "" {
		roleTag = developerID
	}
	if err := d.Store.AppendRoleLog(sprintID, roleTag, line); err != nil {
		log.Printf("[WORKERS] sprint=%s failed to append role log %s: %v", sprintID, roleTag, err)
	}
}

// publishError broadcasts a sprint-tagged error event (spec.md §7
// "Every error is either reported to the caller, broadcast... or both").
func (d *Deps) publishError(sprintID, source string, err error) {
	d.Bus.Publish(events.NewEvent(events.TypeError, sprintID, source, "all", events.PriorityCritical,
		map[string]interface{}{"error": err.Error()}))
}

func (d *Deps) setTaskStatus(sprintID string, taskID int, status sprint.TaskStatus) {
	if err := d.Store.SetTaskStatus(sprintID, taskID, status); err != nil {
		log.Printf("[WORKERS] sprint=%s task=%d failed to set status %s: %v", sprintID, taskID, status, err)
		return
	}
	d.Bus.Publish(events.NewEvent(events.TypeTaskStatus, sprintID, "workers", "all", events.PriorityNormal,
		map[string]interface{}{"task_id": taskID, "status": string(status)}))
}

func (d *Deps) setSprintStatus(sprintID string, status sprint.Status) error {
	if err := d.Store.SetSprintStatus(sprintID, status); err != nil {
		return err
	}
	d.Bus.Publish(events.NewEvent(events.TypeSprintStatus, sprintID, "workers", "all", events.PriorityNormal,
		map[string]interface{}{"status": string(status)}))
	return nil
}

// requireApproval opens a pending approval, broadcasts it, and blocks
// until it resolves (spec.md §5 suspension point (c)).
func (d *Deps) requireApproval(ctx context.Context, sprintID, message string, approvalCtx map[string]interface{}) (approval.Response, error) {
	req := &sprint.ApprovalRequest{
		ID:       newApprovalID(sprintID, message),
		SprintID: sprintID,
		Message:  message,
		Context:  approvalCtx,
	}
	d.Approval.Open(req)
	d.Bus.Publish(events.NewEvent(events.TypeApprovalRequired, sprintID, "workers", "all", events.PriorityHigh,
		map[string]interface{}{"id": req.ID, "message": req.Message, "context": req.Context}))
	return d.Approval.Wait(ctx, req.ID)
}

func newApprovalID(sprintID, message string) string {
	return fmt.Sprintf("%s-approval-%s", sprintID, hashTag(message))
}

// hashTag is a short, deterministic, non-cryptographic tag derived
// from content so repeated approvals for the same sprint get distinct
// but stable ids across a restart (spec.md testable property 4).
func hashTag(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

// StartImplementation transitions a sprint from approved to running and
// bootstraps wave 1 (spec.md §4.6 Planning worker post-condition,
// §4.7 "Wave-1 bootstrap"). Shared by the Planning worker's full-auto
// path and the orchestrator's /approve endpoint.
func StartImplementation(ctx context.Context, d *Deps, sprintID string, targetDir string) error {
	sp, ok := d.Store.GetSprint(sprintID)
	if !ok {
		return sprint.ErrSprintNotFound
	}

	git := d.Git.For(targetDir)
	paths, err := git.SetupSprintGit(ctx, sp)
	if err != nil {
		return fmt.Errorf("setup sprint git: %w", err)
	}
	for slot, path := range paths {
		if err := d.Store.SetWorktreePath(sprintID, slot, path); err != nil {
			return err
		}
		sp.Worktrees[slot] = path
	}

	if err := d.setSprintStatus(sprintID, sprint.StatusRunning); err != nil {
		return err
	}
	return d.Wave.For(targetDir).BootstrapWave1(sprintID)
}

// sprintDirFile reads a file relative to a sprint's persisted
// directory, used by workers to pull auxiliary artefacts (research.md,
// plan.json's sibling files) into prompts.
func sprintDirFile(d *Deps, sprintID, name string) (string, error) {
	path := filepath.Join(d.Store.SprintDirPath(sprintID), name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
