// Package server exposes the voxsub HTTP surface: the /ws/{room} websocket
// endpoint that accepts speaker audio and broadcasts captions, the
// transcript query API backed by the archive, and the health and metrics
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/postprocess"
)

// defaultHistoryLimit is how many caption entries each room retains in
// memory for late joiners.
const defaultHistoryLimit = 100

// historyEntry is one caption in a room's in-memory history, serialized to
// clients as-is.
type historyEntry struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Text      string                 `json:"text"`
	RoomID    string                 `json:"room_id"`
	Timestamp time.Time              `json:"timestamp"`
	Sentences []postprocess.Sentence `json:"sentences,omitempty"`
	Finalized bool                   `json:"is_finalized"`
}

// newTextMessage is broadcast to every room member when a caption lands.
type newTextMessage struct {
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id"`
	Text      string                 `json:"text"`
	Timestamp time.Time              `json:"timestamp"`
	Sentences []postprocess.Sentence `json:"sentences,omitempty"`
	History   []historyEntry         `json:"history"`
}

// client is one websocket connection joined to a room. Writes are
// serialized through mu; the websocket allows a single concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// room groups the clients and caption history of one voice channel.
type room struct {
	clients map[*client]struct{}
	history []historyEntry
}

// Hub tracks rooms, their connected clients, and recent caption history.
// It implements the pipeline caption sink: published captions are appended
// to room history and broadcast to every member. Safe for concurrent use.
type Hub struct {
	historyLimit int
	metrics      *observe.Metrics
	log          *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub retaining up to historyLimit entries per room
// (defaulting when <= 0).
func NewHub(historyLimit int, metrics *observe.Metrics, log *slog.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		historyLimit: historyLimit,
		metrics:      metrics,
		log:          log,
		rooms:        make(map[string]*room),
	}
}

// Publish implements the pipeline caption sink.
func (h *Hub) Publish(ctx context.Context, c postprocess.Caption) {
	entry := historyEntry{
		ID:        uuid.New().String(),
		UserID:    c.Speaker,
		Text:      c.Display,
		RoomID:    c.Room,
		Timestamp: time.Now(),
		Sentences: c.Sentences,
		Finalized: true,
	}

	h.mu.Lock()
	rm := h.rooms[c.Room]
	if rm == nil {
		rm = &room{clients: make(map[*client]struct{})}
		h.rooms[c.Room] = rm
	}
	rm.history = append(rm.history, entry)
	if len(rm.history) > h.historyLimit {
		rm.history = rm.history[len(rm.history)-h.historyLimit:]
	}
	msg := newTextMessage{
		Type:      "new_text",
		UserID:    entry.UserID,
		Text:      entry.Text,
		Timestamp: entry.Timestamp,
		Sentences: entry.Sentences,
		History:   recentHistory(rm.history, 20),
	}
	clients := make([]*client, 0, len(rm.clients))
	for cl := range rm.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		if err := cl.send(ctx, msg); err != nil {
			h.log.Debug("broadcast to client failed", "room", c.Room, "error", err)
		}
	}
}

// History returns up to limit most recent entries for a room, oldest first.
func (h *Hub) History(roomID string, limit int) []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[roomID]
	if rm == nil {
		return nil
	}
	return recentHistory(rm.history, limit)
}

func recentHistory(entries []historyEntry, limit int) []historyEntry {
	if limit <= 0 {
		limit = 20
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]historyEntry(nil), entries...)
}

// join registers a client with a room.
func (h *Hub) join(ctx context.Context, roomID string, cl *client) {
	h.mu.Lock()
	rm := h.rooms[roomID]
	if rm == nil {
		rm = &room{clients: make(map[*client]struct{})}
		h.rooms[roomID] = rm
	}
	rm.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.metrics.RoomClients.Add(ctx, 1)
}

// leave removes a client. Empty rooms keep their history until the process
// restarts; the archive holds the durable record.
func (h *Hub) leave(ctx context.Context, roomID string, cl *client) {
	h.mu.Lock()
	if rm := h.rooms[roomID]; rm != nil {
		delete(rm.clients, cl)
	}
	h.mu.Unlock()
	h.metrics.RoomClients.Add(ctx, -1)
}
