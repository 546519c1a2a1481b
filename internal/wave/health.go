package wave

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/sprint"
	"github.com/sprintforge/orchestrator/internal/state"
)

// HealthMonitor periodically scans every active sprint's in-progress
// tasks and emits a task:stale warning for any that have been running
// longer than the configured threshold. It never fails or retries a
// task on its own — spec.md §5 keeps it outside the orchestration
// critical path, a human or autonomy policy decides what to do with
// the warning.
type HealthMonitor struct {
	store     *state.Store
	bus       *events.Bus
	threshold time.Duration
	interval  time.Duration

	mu      sync.Mutex
	flagged map[string]time.Time // "sprintID/taskID" -> last flagged at, avoids re-alerting every tick
}

// NewHealthMonitor creates a monitor that scans every interval for
// tasks that have been in-progress longer than threshold.
func NewHealthMonitor(store *state.Store, bus *events.Bus, threshold, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		store:     store,
		bus:       bus,
		threshold: threshold,
		interval:  interval,
		flagged:   make(map[string]time.Time),
	}
}

// Run blocks scanning on a ticker until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.scanOnce()
		}
	}
}

func (h *HealthMonitor) scanOnce() {
	now := time.Now()
	for _, sp := range h.store.ListSprints() {
		for taskID, st := range sp.TaskStates {
			if st.Status != sprint.TaskInProgress || st.StartedAt == nil {
				continue
			}
			age := now.Sub(*st.StartedAt)
			if age < h.threshold {
				continue
			}
			if !h.shouldAlert(sp.ID, taskID, now) {
				continue
			}
			log.Printf("[WAVE] sprint=%s task=%d stale: in-progress for %s (threshold %s)", sp.ID, taskID, age.Round(time.Second), h.threshold)
			h.bus.Publish(events.NewEvent(events.TypeError, sp.ID, "health-monitor", "all", events.PriorityLow,
				map[string]interface{}{
					"kind":        "task:stale",
					"task_id":     taskID,
					"age_seconds": int(age.Seconds()),
				}))
		}
	}
}

func (h *HealthMonitor) shouldAlert(sprintID string, taskID int, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := sprintID + "/" + itoa(taskID)
	for k, t := range h.flagged {
		if now.Sub(t) > h.threshold {
			delete(h.flagged, k)
		}
	}
	if last, ok := h.flagged[key]; ok && now.Sub(last) < h.threshold {
		return false
	}
	h.flagged[key] = now
	return true
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
