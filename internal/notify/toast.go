// Package notify implements the desktop notification surface gated
// behind ORCH_DESKTOP_NOTIFY: a Router dispatches sprint-status
// events and approval requests to a set of
// NotificationChannel implementations.
package notify

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// ToastNotifier fires a Windows toast notification for a sprint
// reaching completed, failed or pr-created, or raising an approval
// request.
type ToastNotifier struct {
	appID        string
	dashboardURL string
}

// NewToastNotifier creates a notifier posting toasts under appID,
// with click-through to the dashboard at dashboardURL.
func NewToastNotifier(appID, dashboardURL string) *ToastNotifier {
	if appID == "" {
		appID = "sprintd"
	}
	if dashboardURL == "" {
		dashboardURL = "http://localhost:8080"
	}
	return &ToastNotifier{appID: appID, dashboardURL: dashboardURL}
}

// Name satisfies NotificationChannel.
func (t *ToastNotifier) Name() string { return "toast" }

// ShouldNotify fires for sprint-status transitions into completed,
// failed or pr-created, and for approval requests. A cancelled sprint
// raises no toast.
func (t *ToastNotifier) ShouldNotify(ev NotifiableEvent) bool {
	switch ev.Type {
	case "sprint:status":
		switch ev.Status {
		case "completed", "failed", "pr-created":
			return true
		}
		return false
	case "approval:required":
		return true
	default:
		return false
	}
}

// Send pushes the toast. Only supported on Windows; elsewhere it
// returns an error the Router logs and otherwise ignores.
func (t *ToastNotifier) Send(ev NotifiableEvent) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on Windows")
	}

	title, audio := "Sprint update", toast.Default
	if ev.Type == "approval:required" {
		title, audio = "Sprint needs approval", toast.IM
	}

	notification := toast.Notification{
		AppID:   t.appID,
		Title:   title,
		Message: ev.Message,
		Audio:   audio,
		Actions: []toast.Action{
			{Type: "protocol", Label: "Open Dashboard", Arguments: t.dashboardURL},
		},
	}
	return notification.Push()
}

// IsSupported reports whether toast notifications can fire on this
// platform.
func (t *ToastNotifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}
