package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/sprintforge/orchestrator/internal/events"
)

// NotifiableEvent is the minimal shape a NotificationChannel needs,
// projected from events.Event so channels don't depend on the full
// payload schema of every event type.
type NotifiableEvent struct {
	SprintID string
	Type     string
	Status   string
	Message  string
}

// NotificationChannel is one destination a notifiable event can be
// routed to.
type NotificationChannel interface {
	Name() string
	ShouldNotify(ev NotifiableEvent) bool
	Send(ev NotifiableEvent) error
}

// Router dispatches projected events to every registered channel that
// wants them, fire-and-forget.
type Router struct {
	channels []NotificationChannel
	mu       sync.RWMutex
}

// NewRouter creates a Router with the given channels (may be empty —
// a disabled desktop-notify config runs with zero channels).
func NewRouter(channels ...NotificationChannel) *Router {
	return &Router{channels: channels}
}

// AddChannel registers an additional channel.
func (r *Router) AddChannel(ch NotificationChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// Route sends ev to every channel whose ShouldNotify returns true,
// each on its own goroutine; failures are logged, never propagated.
func (r *Router) Route(ev NotifiableEvent) {
	r.mu.RLock()
	channels := make([]NotificationChannel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	for _, ch := range channels {
		go func(channel NotificationChannel) {
			if !channel.ShouldNotify(ev) {
				return
			}
			if err := channel.Send(ev); err != nil {
				log.Printf("[NOTIFY] channel=%s sprint=%s failed: %v", channel.Name(), ev.SprintID, err)
			}
		}(ch)
	}
}

// Subscribe wires the router to bus's "all" broadcast stream,
// projecting sprint:status and approval:required events and routing
// them until stop is closed. Run in its own goroutine from
// cmd/sprintd.
func (r *Router) Subscribe(bus *events.Bus, stop <-chan struct{}) {
	ch := bus.Subscribe("all", []events.Type{events.TypeSprintStatus, events.TypeApprovalRequired})
	defer bus.Unsubscribe("all", ch)

	for {
		select {
		case <-stop:
			return
		case ev := <-ch:
			r.Route(project(ev))
		}
	}
}

func project(ev events.Event) NotifiableEvent {
	out := NotifiableEvent{SprintID: ev.SprintID, Type: string(ev.Type)}
	switch ev.Type {
	case events.TypeSprintStatus:
		status, _ := ev.Payload["status"].(string)
		out.Status = status
		out.Message = fmt.Sprintf("sprint %s is now %s", ev.SprintID, status)
	case events.TypeApprovalRequired:
		message, _ := ev.Payload["message"].(string)
		out.Message = fmt.Sprintf("sprint %s: %s", ev.SprintID, message)
	}
	return out
}
