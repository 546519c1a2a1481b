package workers

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

// PRCreateWorker is the singleton consumer of the "pr-create" queue
// (spec.md §4.6 PR-create row). Pre-condition: status `pr-created`.
// If the target has a remote, it pushes the sprint branch and opens a
// pull request via the GitHub API; otherwise it raises an approval for
// a local merge to the default branch.
type PRCreateWorker struct {
	d *Deps
}

// NewPRCreateWorker constructs the worker.
func NewPRCreateWorker(d *Deps) *PRCreateWorker { return &PRCreateWorker{d: d} }

// Handle satisfies queue.Handler.
func (w *PRCreateWorker) Handle(job *queue.Job, progress chan<- string) error {
	ctx := context.Background()
	sp, ok := w.d.Store.GetSprint(job.SprintID)
	if !ok {
		return fmt.Errorf("%w: %s", sprint.ErrSprintNotFound, job.SprintID)
	}
	if sp.Status != sprint.StatusPRCreated {
		return fmt.Errorf("%w: sprint %s not in pr-created (status=%s)", sprint.ErrValidation, sp.ID, sp.Status)
	}

	git := w.d.Git.For(sp.TargetDir)

	if git.HasRemote(ctx) {
		return w.pushAndOpenPR(ctx, sp, git.PushBranch)
	}
	return w.localMerge(ctx, sp)
}

type pushFn func(ctx context.Context, branch string) error

func (w *PRCreateWorker) pushAndOpenPR(ctx context.Context, sp *sprint.Sprint, push pushFn) error {
	if err := push(ctx, sp.SprintBranch()); err != nil {
		w.d.publishError(sp.ID, "pr-create", err)
		return fmt.Errorf("push sprint branch: %w", err)
	}

	git := w.d.Git.For(sp.TargetDir)
	remoteURL, err := git.RemoteURL(ctx)
	if err != nil {
		return fmt.Errorf("read remote url: %w", err)
	}
	owner, repo, err := parseOwnerRepo(remoteURL)
	if err != nil {
		return fmt.Errorf("parse remote url %q: %w", remoteURL, err)
	}
	base, err := git.DefaultBranch(ctx)
	if err != nil {
		return fmt.Errorf("detect default branch: %w", err)
	}

	body := w.buildPRBody(sp)
	title := fmt.Sprintf("sprint %s: %s", sp.ID, sp.Name)
	if sp.Name == "" {
		title = fmt.Sprintf("sprint %s", sp.ID)
	}

	client := githubClient(ctx)
	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(sp.SprintBranch()),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		w.d.publishError(sp.ID, "pr-create", err)
		return fmt.Errorf("%w: create pull request: %v", sprint.ErrTransient, err)
	}

	if err := w.d.setSprintStatus(sp.ID, sprint.StatusCompleted); err != nil {
		return err
	}
	w.d.Bus.Publish(events.NewEvent(events.TypeSprintStatus, sp.ID, "pr-create", "all", events.PriorityHigh,
		map[string]interface{}{"status": string(sprint.StatusCompleted), "pr_url": pr.GetHTMLURL(), "pr_number": pr.GetNumber()}))
	return nil
}

// githubClient authenticates with GITHUB_TOKEN if present; an
// unauthenticated client works against public repos only.
func githubClient(ctx context.Context) *github.Client {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return github.NewClient(nil)
	}
	return github.NewClient(nil).WithAuthToken(token)
}

func (w *PRCreateWorker) buildPRBody(sp *sprint.Sprint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated sprint %s.\n\n", sp.ID)
	if sp.Plan != nil {
		fmt.Fprintf(&b, "**Plan summary**\n\n- tasks: %d\n- developer slots: %d\n", len(sp.Plan.Tasks), sp.Plan.DeveloperCount)
		if sp.Plan.HumanEstimate != "" {
			fmt.Fprintf(&b, "- human estimate: %s\n", sp.Plan.HumanEstimate)
		}
		if sp.Plan.AIEstimate != "" {
			fmt.Fprintf(&b, "- AI estimate: %s\n", sp.Plan.AIEstimate)
		}
	}
	if verdict, err := w.d.Store.ReadReviewVerdict(sp.ID, sp.ReviewCycle); err == nil {
		fmt.Fprintf(&b, "\n**Latest review verdict (cycle %d)**\n\n```json\n%s\n```\n", sp.ReviewCycle, string(verdict))
	}
	rollup := sp.Cost.RollUp()
	fmt.Fprintf(&b, "\n**Cost summary**\n\n- total agent seconds: %d\n", rollup.TotalSeconds)
	for agent, secs := range rollup.ByAgent {
		fmt.Fprintf(&b, "- %s: %ds\n", agent, secs)
	}
	return b.String()
}

// localMerge merges the sprint branch locally when the target has no
// remote (spec.md §4.6 PR-create "otherwise raise an approval for
// local merge"). The approval is skipped only when autonomy is
// full-auto and ORCH_AUTOMERGE_NO_REMOTE is set, per the Open Question
// decision recorded in DESIGN.md: autonomy answers whether a human is
// needed for review/plan gates, not whether unattended local merges to
// main are trusted, so the two must both say yes.
func (w *PRCreateWorker) localMerge(ctx context.Context, sp *sprint.Sprint) error {
	skipApproval := sp.Autonomy == sprint.AutonomyFullAuto && w.d.AutomergeNoRemote
	if !skipApproval {
		resp, err := w.d.requireApproval(ctx, sp.ID, "target has no remote; merge sprint branch into the default branch locally?", nil)
		if err != nil {
			return err
		}
		if !resp.Approved {
			w.d.Bus.Publish(events.NewEvent(events.TypeSprintStatus, sp.ID, "pr-create", "all", events.PriorityHigh,
				map[string]interface{}{"status": "local-merge-rejected"}))
			return nil
		}
	}

	git := w.d.Git.For(sp.TargetDir)
	base, err := git.DefaultBranch(ctx)
	if err != nil {
		return fmt.Errorf("detect default branch: %w", err)
	}
	if err := git.MergeSprintToMain(ctx, sp, base); err != nil {
		w.d.publishError(sp.ID, "pr-create", err)
		return err
	}
	return w.d.setSprintStatus(sp.ID, sprint.StatusCompleted)
}

// parseOwnerRepo extracts "owner", "repo" from either an HTTPS
// ("https://github.com/owner/repo.git") or SSH
// ("git@github.com:owner/repo.git") GitHub remote URL.
func parseOwnerRepo(remote string) (owner, repo string, err error) {
	remote = strings.TrimSpace(remote)
	trimmed := strings.TrimSuffix(remote, ".git")

	if strings.HasPrefix(trimmed, "git@") {
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("unrecognised scp-style remote")
		}
		trimmed = parts[1]
	} else {
		u, parseErr := url.Parse(trimmed)
		if parseErr != nil {
			return "", "", parseErr
		}
		trimmed = strings.TrimPrefix(u.Path, "/")
	}

	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 {
		return "", "", fmt.Errorf("remote does not contain owner/repo")
	}
	owner = segments[len(segments)-2]
	repo = segments[len(segments)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("remote does not contain owner/repo")
	}
	return owner, repo, nil
}
