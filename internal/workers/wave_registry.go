package workers

import (
	"sync"

	"github.com/sprintforge/orchestrator/internal/wave"
)

// WaveRegistry hands out one wave.Scheduler per target tree, mirroring
// GitRegistry (multiple concurrently active sprints may target
// distinct source trees, each needing its own Scheduler bound to its
// own gitcoord.Coordinator).
type WaveRegistry struct {
	mu   sync.Mutex
	d    *Deps
	byID map[string]*wave.Scheduler
}

// NewWaveRegistry creates an empty registry. d is consulted lazily for
// its Store/Bus/Broker and GitRegistry when a new Scheduler is built,
// so it may be populated with its own Wave field still nil at
// construction time.
func NewWaveRegistry(d *Deps) *WaveRegistry {
	return &WaveRegistry{d: d, byID: make(map[string]*wave.Scheduler)}
}

// For returns the Scheduler for targetDir, creating it on first use.
func (r *WaveRegistry) For(targetDir string) *wave.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[targetDir]
	if !ok {
		s = wave.New(r.d.Store, r.d.Git.For(targetDir), r.d.Bus, r.d.Broker)
		r.byID[targetDir] = s
	}
	return s
}
