// Package approval implements the Approval Gate: a worker calls Wait
// and blocks until a human response arrives for that request id, the
// gate is cancelled, or the calling context is done.
package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/sprintforge/orchestrator/internal/sprint"
)

// Response is the human decision delivered to a waiting worker.
type Response struct {
	Approved bool
	Comment  string
	Data     map[string]interface{}
}

// pending pairs an ApprovalRequest with the one-shot channel its
// waiter blocks on. Requests are resolved at most once: Resolve and
// Cancel both close the channel via sync.Once so a racing pair of
// calls for the same id can never double-send.
type pending struct {
	request *sprint.ApprovalRequest
	ch      chan Response
	once    sync.Once
}

func (p *pending) resolve(resp Response) bool {
	sent := false
	p.once.Do(func() {
		p.ch <- resp
		close(p.ch)
		sent = true
	})
	return sent
}

// Gate tracks every pending approval across every sprint, keyed by
// request id. One Gate instance is shared process-wide.
type Gate struct {
	mu      sync.Mutex
	waiting map[string]*pending
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{waiting: make(map[string]*pending)}
}

// Open registers a new pending approval and returns it for the caller
// (normally the orchestrator, which also persists/broadcasts it) —
// the worker that subsequently calls Wait with the same id suspends
// until Resolve or Cancel is called, or ctx ends.
func (g *Gate) Open(req *sprint.ApprovalRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiting[req.ID] = &pending{request: req, ch: make(chan Response, 1)}
}

// Wait suspends the calling goroutine until id resolves.
func (g *Gate) Wait(ctx context.Context, id string) (Response, error) {
	g.mu.Lock()
	p, ok := g.waiting[id]
	g.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: approval %s", sprint.ErrApprovalNotFound, id)
	}

	select {
	case resp, ok := <-p.ch:
		if !ok {
			return Response{}, fmt.Errorf("%w: approval %s cancelled", sprint.ErrApprovalNotFound, id)
		}
		g.remove(id)
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Resolve delivers a human decision to the request's waiter. Unmatched
// responses (no pending request with this id) are silently dropped,
// returning ok=false for callers that want to log the drop.
func (g *Gate) Resolve(id string, resp Response) bool {
	g.mu.Lock()
	p, ok := g.waiting[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(resp)
}

// Cancel resolves every pending approval for a sprint as rejected and
// returns how many it resolved. The requests stay registered, like a
// Resolve'd one, so a Wait issued after Cancel still receives the
// rejection and then removes the request.
func (g *Gate) Cancel(sprintID string) int {
	g.mu.Lock()
	var matched []*pending
	for _, p := range g.waiting {
		if p.request.SprintID == sprintID {
			matched = append(matched, p)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, p := range matched {
		if p.resolve(Response{Approved: false, Comment: "sprint cancelled"}) {
			n++
		}
	}
	return n
}

// Pending returns every outstanding approval request for a sprint, for
// hydration/replay to newly connected observers.
func (g *Gate) Pending(sprintID string) []*sprint.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*sprint.ApprovalRequest
	for _, p := range g.waiting {
		if p.request.SprintID == sprintID {
			out = append(out, p.request)
		}
	}
	return out
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiting, id)
}
