package workers

// Job kinds recognised by each role's queue consumer. Developer-task
// and testing kinds are defined in internal/wave (the Wave Scheduler
// enqueues them directly); the rest are defined here since only Role
// Workers enqueue them.
const (
	JobKindResearch = "research"
	JobKindPlanning = "planning"
	JobKindReview   = "review"
	JobKindPRCreate = "pr-create"
)
