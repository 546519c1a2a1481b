// Package sprint holds the core data model shared by every other
// component: sprints, plans, tasks, developer slots, the cost ledger,
// and pending approvals.
package sprint

import "time"

// Status is the sprint lifecycle state (spec.md §4.1).
type Status string

const (
	StatusCreated           Status = "created"
	StatusResearching       Status = "researching"
	StatusPlanning          Status = "planning"
	StatusAwaitingApproval  Status = "awaiting-approval"
	StatusApproved          Status = "approved"
	StatusRunning           Status = "running"
	StatusReviewing         Status = "reviewing"
	StatusPRCreated         Status = "pr-created"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusPaused            Status = "paused"
	StatusCancelled         Status = "cancelled"
)

// IsTerminal reports whether status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AutonomyMode decides which lifecycle gates require human approval.
type AutonomyMode string

const (
	AutonomySupervised AutonomyMode = "supervised"
	AutonomySemiAuto   AutonomyMode = "semi-auto"
	AutonomyFullAuto   AutonomyMode = "full-auto"
)

// RequiresPlanApproval reports whether the plan gate needs a human.
func (m AutonomyMode) RequiresPlanApproval() bool {
	return m == AutonomySupervised
}

// RequiresReviewApproval reports whether the post-review gate needs a human.
func (m AutonomyMode) RequiresReviewApproval() bool {
	return m == AutonomySupervised || m == AutonomySemiAuto
}

// TaskStatus is the per-task mutable status (spec.md Task State).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Role is the assigned role for a task.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleTester    Role = "tester"
)

// DeveloperSlot is a fixed routing identity for a parallel developer queue.
type DeveloperSlot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Colour string `json:"colour"`
}

// Task is an indivisible unit of work from the plan.
type Task struct {
	ID                 int      `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	FilesTouched       []string `json:"files_touched"`
	DependsOn          []int    `json:"depends_on"`
	Wave               int      `json:"wave"`
	Role               Role     `json:"role"`
	DeveloperSlot      string   `json:"developer_slot"`
	Labels             []string `json:"labels,omitempty"`
	Complexity         string   `json:"complexity,omitempty"`
	Type               string   `json:"type,omitempty"` // "" or "bug"
	ReviewCycle        int      `json:"review_cycle,omitempty"`
}

// TaskState is the per-task mutable record.
type TaskState struct {
	Status      TaskStatus `json:"status"`
	Developer   string     `json:"developer,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan is the planner's output, persisted as plan.json.
type Plan struct {
	Tasks          []*Task   `json:"tasks"`
	DeveloperCount int       `json:"developer_count"`
	SpecPath       string    `json:"spec_path"`
	HumanEstimate  string    `json:"human_estimate,omitempty"`
	AIEstimate     string    `json:"ai_estimate,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CostSession is one agent invocation's billed duration.
type CostSession struct {
	Agent    string    `json:"agent"`
	Task     int       `json:"task"`
	Duration int       `json:"duration_seconds"`
	At       time.Time `json:"at"`
}

// CostLedger is the append-only per-sprint cost log. Per-agent and
// per-task sums are derived, never persisted, per spec.md §9.
type CostLedger struct {
	Sessions []CostSession `json:"sessions"`
}

// Append records a new session.
func (c *CostLedger) Append(agent string, task int, duration time.Duration) {
	c.Sessions = append(c.Sessions, CostSession{
		Agent:    agent,
		Task:     task,
		Duration: int(duration.Seconds()),
		At:       time.Now(),
	})
}

// TotalSeconds sums every recorded session.
func (c *CostLedger) TotalSeconds() int {
	total := 0
	for _, s := range c.Sessions {
		total += s.Duration
	}
	return total
}

// ByAgent rolls up seconds spent per agent role.
func (c *CostLedger) ByAgent() map[string]int {
	out := make(map[string]int)
	for _, s := range c.Sessions {
		out[s.Agent] += s.Duration
	}
	return out
}

// ByTask rolls up seconds spent per task id.
func (c *CostLedger) ByTask() map[int]int {
	out := make(map[int]int)
	for _, s := range c.Sessions {
		out[s.Task] += s.Duration
	}
	return out
}

// CostRollUp is the recomputed-on-load summary of a ledger, combining
// the per-agent and per-task breakdowns with the grand total; the
// workers publish it as the payload of every cost:update event.
type CostRollUp struct {
	TotalSeconds int            `json:"total_seconds"`
	ByAgent      map[string]int `json:"by_agent"`
	ByTask       map[int]int    `json:"by_task"`
}

// RollUp recomputes the ledger's summary from its raw sessions. Never
// persisted on its own; it is always derived fresh from Sessions.
func (c *CostLedger) RollUp() CostRollUp {
	return CostRollUp{
		TotalSeconds: c.TotalSeconds(),
		ByAgent:      c.ByAgent(),
		ByTask:       c.ByTask(),
	}
}

// ApprovalRequest is a pending human decision point.
type ApprovalRequest struct {
	ID       string                 `json:"id"`
	SprintID string                 `json:"sprint_id"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Sprint is one orchestration instance (spec.md DATA MODEL).
type Sprint struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name,omitempty"`
	SpecPath       string                   `json:"spec_path"`
	TargetDir      string                   `json:"target_dir"`
	DeveloperSlots []DeveloperSlot          `json:"developer_slots"`
	Autonomy       AutonomyMode             `json:"autonomy"`
	Status         Status                   `json:"status"`
	Plan           *Plan                    `json:"plan,omitempty"`
	TaskStates     map[int]*TaskState       `json:"task_states"`
	CurrentWave    int                      `json:"current_wave"`
	ReviewCycle    int                      `json:"review_cycle"`
	Cost           CostLedger               `json:"cost"`
	CreatedAt      time.Time                `json:"created_at"`
	ApprovedAt     *time.Time               `json:"approved_at,omitempty"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
	Worktrees      map[string]string        `json:"worktrees"` // developerID -> path
	PendingApprove map[string]*ApprovalRequest `json:"pending_approvals"`
	PausedFrom     Status                   `json:"paused_from,omitempty"` // status to resume into, set only while Status == StatusPaused
}

// NewSprint constructs a freshly created sprint record.
func NewSprint(id, specPath, targetDir string, slots []DeveloperSlot, autonomy AutonomyMode) *Sprint {
	return &Sprint{
		ID:             id,
		SpecPath:       specPath,
		TargetDir:      targetDir,
		DeveloperSlots: slots,
		Autonomy:       autonomy,
		Status:         StatusCreated,
		TaskStates:     make(map[int]*TaskState),
		Worktrees:      make(map[string]string),
		PendingApprove: make(map[string]*ApprovalRequest),
		CreatedAt:      time.Now(),
	}
}

// SprintBranch returns the shared branch name for the sprint (invariant f).
func (s *Sprint) SprintBranch() string {
	return "sprint/" + s.ID
}

// DeveloperBranch returns a per-developer sub-branch name (invariant f).
func (s *Sprint) DeveloperBranch(devID string) string {
	return "sprint/" + s.ID + "/" + devID
}

// TasksInWave returns every task in the given wave.
func (s *Sprint) TasksInWave(wave int) []*Task {
	if s.Plan == nil {
		return nil
	}
	var out []*Task
	for _, t := range s.Plan.Tasks {
		if t.Wave == wave {
			out = append(out, t)
		}
	}
	return out
}

// TaskByID finds a task in the plan by id.
func (s *Sprint) TaskByID(id int) *Task {
	if s.Plan == nil {
		return nil
	}
	for _, t := range s.Plan.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// MaxTaskID returns the highest task id in the plan, or 0 if none.
func (s *Sprint) MaxTaskID() int {
	max := 0
	if s.Plan == nil {
		return max
	}
	for _, t := range s.Plan.Tasks {
		if t.ID > max {
			max = t.ID
		}
	}
	return max
}

// WaveHasDeveloperTasks reports whether a wave has any developer-role tasks.
func (s *Sprint) WaveHasDeveloperTasks(wave int) bool {
	for _, t := range s.TasksInWave(wave) {
		if t.Role == RoleDeveloper {
			return true
		}
	}
	return false
}

// NextDeveloperWave returns the smallest wave number greater than `after`
// that contains developer-role tasks, and whether one was found.
func (s *Sprint) NextDeveloperWave(after int) (int, bool) {
	if s.Plan == nil {
		return 0, false
	}
	best := 0
	found := false
	for _, t := range s.Plan.Tasks {
		if t.Role == RoleDeveloper && t.Wave > after {
			if !found || t.Wave < best {
				best = t.Wave
				found = true
			}
		}
	}
	return best, found
}
