package orchestrator

// The observer protocol: a long-lived duplex /ws channel broadcasting
// every events.Event to every connected client, and routing
// client-emitted commands (approval:response, task:retry,
// sprint:approve, sprint:cancel) back into the exact same lifecycle
// functions the REST handlers use.

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprintforge/orchestrator/internal/approval"
	"github.com/sprintforge/orchestrator/internal/events"
)

// clientSendBuffer bounds how many undelivered events queue per
// observer before the oldest is dropped: a slow browser must never
// stall a developer worker.
const clientSendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out every bus event to every connected observer and routes
// client-emitted commands back into the Server's lifecycle functions.
type Hub struct {
	srv *Server

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub fronting srv's event bus, approval gate, and
// lifecycle functions.
func NewHub(srv *Server) *Hub {
	h := &Hub{srv: srv, clients: make(map[*wsClient]bool)}
	go h.broadcastLoop()
	return h
}

// broadcastLoop subscribes to every event on the bus's "all" target
// (every worker/orchestrator event is published with Target="all")
// and forwards each, JSON-encoded, to every connected client.
func (h *Hub) broadcastLoop() {
	ch := h.srv.bus.Subscribe("all", nil)
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[ORCHESTRATOR] failed to encode event for broadcast: %v", err)
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.enqueue(c, data)
	}
}

// enqueue drops the oldest queued message for c rather than blocking
// the broadcaster when a client falls behind.
func (h *Hub) enqueue(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// clientMessage is the shape of every client-emitted event.
type clientMessage struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id,omitempty"`
	Approved bool                   `json:"approved,omitempty"`
	Comment  string                 `json:"comment,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	SprintID string                 `json:"sprint_id,omitempty"`
	TaskID   int                    `json:"task_id,omitempty"`
}

// HandleWebSocket upgrades the connection and runs its read/write
// pumps until the client disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ORCHESTRATOR] websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[ORCHESTRATOR] malformed client message, dropping: %v", err)
			continue
		}
		h.dispatch(msg)
	}
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// dispatch routes one client-emitted command into the same lifecycle
// functions the REST handlers call. Errors are logged, not surfaced to the
// client — the browser learns the outcome from the resulting
// sprint:status/task:status/error event broadcast, same as any other
// observer.
func (h *Hub) dispatch(msg clientMessage) {
	switch msg.Type {
	case "approval:response":
		if !h.srv.approval.Resolve(msg.ID, approval.Response{Approved: msg.Approved, Comment: msg.Comment, Data: msg.Data}) {
			log.Printf("[ORCHESTRATOR] approval:response for unknown/already-resolved id=%s dropped", msg.ID)
		}
	case "task:retry":
		if err := retryTask(h.srv, msg.SprintID, msg.TaskID); err != nil {
			log.Printf("[ORCHESTRATOR] task:retry sprint=%s task=%d failed: %v", msg.SprintID, msg.TaskID, err)
			h.publishDispatchError(msg.SprintID, err)
		}
	case "sprint:approve":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := approveSprint(ctx, h.srv, msg.SprintID); err != nil {
			log.Printf("[ORCHESTRATOR] sprint:approve sprint=%s failed: %v", msg.SprintID, err)
			h.publishDispatchError(msg.SprintID, err)
		}
	case "sprint:cancel":
		if err := cancelSprint(h.srv, msg.SprintID); err != nil {
			log.Printf("[ORCHESTRATOR] sprint:cancel sprint=%s failed: %v", msg.SprintID, err)
			h.publishDispatchError(msg.SprintID, err)
		}
	default:
		log.Printf("[ORCHESTRATOR] unknown client-emitted event type %q dropped", msg.Type)
	}
}

func (h *Hub) publishDispatchError(sprintID string, err error) {
	h.srv.bus.Publish(events.NewEvent(events.TypeError, sprintID, "ws-client", "all", events.PriorityHigh,
		map[string]interface{}{"error": err.Error()}))
}
