// Package gitcoord implements the Git Coordinator (spec.md §4.5): sprint
// branch and per-developer worktree lifecycle, staged commits, wave
// merges, and the final collapse back to a single sprint branch. Every
// operation is a spawn-and-wait of the git CLI; there is no FFI.
package gitcoord

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sprintforge/orchestrator/internal/sprint"
)

// Coordinator serialises git operations against one target source
// tree, matching the "one wave merge or worktree reset at a time
// against a given tree" discipline of spec.md §5.
type Coordinator struct {
	mu        sync.Mutex
	targetDir string
	gitBin    string
}

// New creates a Coordinator for the given target checkout using the
// "git" binary found on PATH.
func New(targetDir string) *Coordinator {
	return &Coordinator{targetDir: targetDir, gitBin: "git"}
}

// NewWithBin creates a Coordinator that invokes gitBin instead of the
// PATH-resolved "git" (spec.md §6 "target binaries (agent CLI, git
// CLI)" / ORCH_GIT_BIN). An empty gitBin falls back to "git".
func NewWithBin(targetDir, gitBin string) *Coordinator {
	if gitBin == "" {
		gitBin = "git"
	}
	return &Coordinator{targetDir: targetDir, gitBin: gitBin}
}

// run executes git with args inside dir and returns combined output.
// Each invocation gets its own process group so that a git subprocess
// which spawns helpers (credential helpers, hooks, pagers) can be torn
// down as a unit if ctx is cancelled or times out — a lone
// exec.CommandContext kill only signals the direct child, leaking any
// grandchildren still holding the worktree open.
func (c *Coordinator) run(ctx context.Context, dir string, args ...string) (string, error) {
	// #nosec G204 -- args are built internally from sanitised ids, not request input
	cmd := exec.CommandContext(ctx, c.gitBin, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: git %s: %v: %s", sprint.ErrTransient, strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// branchExists reports whether name is a known local branch.
func (c *Coordinator) branchExists(ctx context.Context, dir, name string) bool {
	_, err := c.run(ctx, dir, "rev-parse", "--verify", "--quiet", name)
	return err == nil
}

// worktreePath returns the conventional sibling path for a developer
// slot's worktree: "<target>-worktree-<slot>".
func worktreePath(targetDir, slot string) string {
	parent := filepath.Dir(targetDir)
	base := filepath.Base(targetDir)
	return filepath.Join(parent, fmt.Sprintf("%s-worktree-%s", base, slot))
}

// SetupSprintGit creates or checks out the sprint branch, then creates
// (or reuses, after a restart) one worktree per developer slot on its
// own sub-branch. Returns the slot -> worktree path map.
func (c *Coordinator) SetupSprintGit(ctx context.Context, s *sprint.Sprint) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sprintBranch := s.SprintBranch()
	if c.branchExists(ctx, c.targetDir, sprintBranch) {
		if _, err := c.run(ctx, c.targetDir, "checkout", sprintBranch); err != nil {
			return nil, err
		}
	} else {
		if _, err := c.run(ctx, c.targetDir, "checkout", "-b", sprintBranch); err != nil {
			return nil, err
		}
	}

	paths := make(map[string]string, len(s.DeveloperSlots))
	for _, slot := range s.DeveloperSlots {
		devBranch := s.DeveloperBranch(slot.ID)
		path := worktreePath(c.targetDir, slot.ID)

		if info, err := os.Stat(path); err == nil && info.IsDir() {
			paths[slot.ID] = path
			continue
		}

		var err error
		if c.branchExists(ctx, c.targetDir, devBranch) {
			_, err = c.run(ctx, c.targetDir, "worktree", "add", path, devBranch)
		} else {
			_, err = c.run(ctx, c.targetDir, "worktree", "add", "-b", devBranch, path, sprintBranch)
		}
		if err != nil {
			return nil, fmt.Errorf("setup worktree for slot %s: %w", slot.ID, err)
		}
		paths[slot.ID] = path
	}

	return paths, nil
}

// CommitInWorktree stages everything in path and commits with message,
// short-circuiting if nothing is staged.
func (c *Coordinator) CommitInWorktree(ctx context.Context, path, message string) error {
	if _, err := c.run(ctx, path, "add", "-A"); err != nil {
		return err
	}
	diff, err := c.run(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if diff == "" {
		return nil
	}
	_, err = c.run(ctx, path, "commit", "-m", message)
	return err
}

// SlotMergeResult is the per-slot outcome of a wave merge.
type SlotMergeResult struct {
	Slot      string
	Success   bool
	Conflicts []string
}

// MergeWaveAndReset checks out the sprint branch, merges each
// developer slot's branch into it (aborting and recording conflicts on
// failure), then, once all merges are attempted, resets every slot
// branch to the new sprint-branch head so the next wave starts from a
// clean shared base.
func (c *Coordinator) MergeWaveAndReset(ctx context.Context, s *sprint.Sprint, worktrees map[string]string) ([]SlotMergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sprintBranch := s.SprintBranch()
	if _, err := c.run(ctx, c.targetDir, "checkout", sprintBranch); err != nil {
		return nil, err
	}

	results := make([]SlotMergeResult, 0, len(s.DeveloperSlots))
	for _, slot := range s.DeveloperSlots {
		devBranch := s.DeveloperBranch(slot.ID)
		res := SlotMergeResult{Slot: slot.ID}

		_, err := c.run(ctx, c.targetDir, "merge", "--no-ff", "--no-edit", devBranch)
		if err != nil {
			conflicts, cErr := c.run(ctx, c.targetDir, "diff", "--name-only", "--diff-filter=U")
			_, _ = c.run(ctx, c.targetDir, "merge", "--abort")
			if cErr == nil && conflicts != "" {
				res.Conflicts = strings.Split(conflicts, "\n")
			}
			res.Success = false
			results = append(results, res)
			continue
		}

		res.Success = true
		results = append(results, res)
	}

	for _, slot := range s.DeveloperSlots {
		path, ok := worktrees[slot.ID]
		if !ok {
			continue
		}
		devBranch := s.DeveloperBranch(slot.ID)

		if _, err := c.run(ctx, path, "checkout", sprintBranch); err != nil {
			return results, fmt.Errorf("checkout sprint branch in worktree %s: %w", slot.ID, err)
		}
		_, _ = c.run(ctx, c.targetDir, "branch", "-D", devBranch)
		if _, err := c.run(ctx, c.targetDir, "branch", devBranch, sprintBranch); err != nil {
			return results, fmt.Errorf("reset slot branch %s: %w", slot.ID, err)
		}
		if _, err := c.run(ctx, path, "checkout", devBranch); err != nil {
			return results, fmt.Errorf("checkout reset slot branch in worktree %s: %w", slot.ID, err)
		}
	}

	return results, nil
}

// FinalizeImplementation performs one final MergeWaveAndReset, then
// removes every developer worktree and its branch, leaving the target
// tree on the sprint branch.
func (c *Coordinator) FinalizeImplementation(ctx context.Context, s *sprint.Sprint, worktrees map[string]string) ([]SlotMergeResult, error) {
	results, err := c.MergeWaveAndReset(ctx, s, worktrees)
	if err != nil {
		return results, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, slot := range s.DeveloperSlots {
		path, ok := worktrees[slot.ID]
		if !ok {
			continue
		}
		_, _ = c.run(ctx, c.targetDir, "worktree", "remove", "--force", path)
		_, _ = c.run(ctx, c.targetDir, "branch", "-D", s.DeveloperBranch(slot.ID))
	}
	_, _ = c.run(ctx, c.targetDir, "worktree", "prune")

	return results, nil
}

// HasRemote reports whether the target tree has an "origin" remote configured.
func (c *Coordinator) HasRemote(ctx context.Context) bool {
	out, err := c.run(ctx, c.targetDir, "remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "origin" {
			return true
		}
	}
	return false
}

// DefaultBranch reports the tree's base branch: the remote HEAD if one
// is configured, else whichever of "main"/"master" exists locally.
func (c *Coordinator) DefaultBranch(ctx context.Context) (string, error) {
	if ref, err := c.run(ctx, c.targetDir, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if idx := strings.LastIndex(ref, "/"); idx >= 0 {
			return ref[idx+1:], nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if c.branchExists(ctx, c.targetDir, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no default branch found", sprint.ErrStructural)
}

// RemoteURL returns the configured URL of the "origin" remote.
func (c *Coordinator) RemoteURL(ctx context.Context) (string, error) {
	return c.run(ctx, c.targetDir, "remote", "get-url", "origin")
}

// PushBranch pushes branch to origin, setting the upstream if absent.
func (c *Coordinator) PushBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.targetDir, "push", "-u", "origin", branch)
	return err
}

// MergeSprintToMain checks out mainBranch (the caller passes the result
// of DefaultBranch) and merges the sprint branch into it, for the
// no-remote local-merge approval path (spec.md §4.6 PR-create).
func (c *Coordinator) MergeSprintToMain(ctx context.Context, s *sprint.Sprint, mainBranch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.run(ctx, c.targetDir, "checkout", mainBranch); err != nil {
		return err
	}
	_, err := c.run(ctx, c.targetDir, "merge", "--no-ff", "--no-edit", s.SprintBranch())
	if err != nil {
		conflicts, cErr := c.run(ctx, c.targetDir, "diff", "--name-only", "--diff-filter=U")
		_, _ = c.run(ctx, c.targetDir, "merge", "--abort")
		var paths []string
		if cErr == nil && conflicts != "" {
			paths = strings.Split(conflicts, "\n")
		}
		return &sprint.MergeConflictError{DeveloperID: "main", Paths: paths}
	}
	return nil
}
