package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// maxClientMisses is how many consecutive full-buffer broadcasts a client
// may miss before it is dropped. Task events are sparse, so a client that
// stays full across several of them is gone, not slow.
const maxClientMisses = 3

// SnapshotFunc produces the current queued and active tasks. The hub sends
// it to every new client so a poller can switch to push without losing the
// tasks already in flight.
type SnapshotFunc func(ctx context.Context) []*models.StatusReport

// TaskWSHub pushes task lifecycle events to WebSocket clients.
//
// Clients may subscribe to a single uid (`/ws/tasks?uid=<uid>`), which is
// the common case: a device polling for its own submissions. Unfiltered
// connections see every event.
type TaskWSHub struct {
	mu       sync.Mutex
	clients  map[*TaskWSClient]bool
	closed   bool
	logger   *common.Logger
	snapshot SnapshotFunc
}

// TaskWSClient represents a connected WebSocket client.
type TaskWSClient struct {
	hub  *TaskWSHub
	conn *websocket.Conn
	send chan []byte

	// guarded by hub.mu
	uid    string
	misses int
}

// NewTaskWSHub creates a hub. snapshot may be nil (no catch-up on connect).
func NewTaskWSHub(logger *common.Logger, snapshot SnapshotFunc) *TaskWSHub {
	return &TaskWSHub{
		clients:  make(map[*TaskWSClient]bool),
		logger:   logger,
		snapshot: snapshot,
	}
}

// Stop closes every client and refuses new connections.
func (h *TaskWSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast fans a task event out to the subscribed clients. A client whose
// buffer is full misses the event; maxClientMisses consecutive misses drop
// the connection.
func (h *TaskWSHub) Broadcast(event models.TaskEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal task event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.uid != "" && (event.Report == nil || event.Report.UID != client.uid) {
			continue
		}
		select {
		case client.send <- data:
			client.misses = 0
		default:
			client.misses++
			if client.misses >= maxClientMisses {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("Dropped unresponsive WebSocket client")
			}
		}
	}
}

// ServeWS upgrades an HTTP connection, registers the client with its uid
// filter, and queues the current task snapshot. The client is registered
// first, so an event broadcast meanwhile may arrive ahead of the snapshot.
func (h *TaskWSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &TaskWSClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		uid:  uid,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Str("uid", uid).Msg("WebSocket client connected")

	// Catch-up: the queued and active tasks as of this moment, so the
	// client needn't race its own submission against the subscription.
	if h.snapshot != nil {
		now := time.Now()
		for _, report := range h.snapshot(r.Context()) {
			if uid != "" && report.UID != uid {
				continue
			}
			data, err := json.Marshal(models.TaskEvent{
				Type:      "task_snapshot",
				Report:    report,
				Timestamp: now,
			})
			if err != nil {
				continue
			}
			select {
			case client.send <- data:
			default:
			}
		}
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *TaskWSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// drop unregisters a client after its read side ended.
func (h *TaskWSHub) drop(client *TaskWSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug().Int("clients", len(h.clients)).Msg("WebSocket client disconnected")
	}
}

// writePump sends buffered events to the connection and keeps it alive with
// pings.
func (c *TaskWSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages. Besides detecting close, it accepts
// subscription updates of the form {"uid": "<uid>"} so a client can retarget
// its filter (an empty uid widens it to all tasks).
func (c *TaskWSClient) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var sub struct {
			UID *string `json:"uid"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || sub.UID == nil {
			continue
		}
		c.hub.mu.Lock()
		c.uid = *sub.UID
		c.hub.mu.Unlock()
	}
}
