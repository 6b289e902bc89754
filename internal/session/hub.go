package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"collab/internal/crdt"
	"collab/internal/metrics"
	"collab/internal/store"
)

// Hub is the process-wide registry mapping document ids to live rooms. Rooms
// appear lazily on first attach and disappear when their last connection
// detaches; Shutdown flushes whatever is left.
type Hub struct {
	store         store.Store
	log           *zap.Logger
	flushInterval time.Duration

	mu      sync.Mutex
	entries map[string]*roomEntry
}

// roomEntry serializes first-time creation per document id: the first caller
// installs the entry and performs the load, late arrivals block on ready.
// This guarantees exactly one load and one room instance per cold id.
type roomEntry struct {
	ready chan struct{}
	room  *Room
}

func NewHub(st store.Store, log *zap.Logger, flushInterval time.Duration) *Hub {
	return &Hub{
		store:         st,
		log:           log,
		flushInterval: flushInterval,
		entries:       make(map[string]*roomEntry),
	}
}

// GetOrCreate returns the live room for the document id, creating and
// loading it if absent. An existing room is returned with no I/O. A room
// mid-teardown is waited out, then creation restarts against the vacated id.
func (h *Hub) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	for {
		h.mu.Lock()
		if e, ok := h.entries[documentID]; ok {
			h.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			room := e.room
			if room.isClosed() {
				select {
				case <-room.done:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			return room, nil
		}

		e := &roomEntry{ready: make(chan struct{})}
		h.entries[documentID] = e
		h.mu.Unlock()

		e.room = newRoom(documentID, h.loadDocument(ctx, documentID), h.store, h.log, h.flushInterval)
		close(e.ready)
		metrics.RoomOpened()
		h.log.Info("room created", zap.String("documentId", documentID))
		return e.room, nil
	}
}

// loadDocument builds the initial replica from persisted state. Storage
// trouble is logged and collaboration starts from an empty document rather
// than blocking the room.
func (h *Hub) loadDocument(ctx context.Context, documentID string) *crdt.Doc {
	doc := crdt.NewDoc()
	data, err := h.store.Load(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return doc
	}
	if err != nil {
		h.log.Warn("failed to load persisted document, starting empty",
			zap.String("documentId", documentID), zap.Error(err))
		return doc
	}
	if err := doc.Merge(data); err != nil {
		h.log.Warn("persisted document is unreadable, starting empty",
			zap.String("documentId", documentID), zap.Error(err))
		return crdt.NewDoc()
	}
	return doc
}

// Detach removes the connection from its room. If that empties the room, the
// pending flush timer is cancelled, dirty state is flushed synchronously and
// the room is removed from the registry. The flush runs on its own context:
// the caller's request context is already dead when a connection drops.
func (h *Hub) Detach(room *Room, c *Client) {
	_, drained := room.detach(c)
	if !drained {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	room.teardown(ctx)
	h.remove(room)
}

// remove drops the room from the registry if it is still the registered
// instance for its id, and signals waiters that the id is free again.
func (h *Hub) remove(room *Room) {
	h.mu.Lock()
	if e, ok := h.entries[room.id]; ok && e.room == room {
		delete(h.entries, room.id)
		close(room.done)
		metrics.RoomClosed()
		h.log.Info("room destroyed", zap.String("documentId", room.id))
	}
	h.mu.Unlock()
}

// Shutdown flushes every live room and disconnects its clients. It returns
// only after all flushes complete.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.entries))
	for _, e := range h.entries {
		select {
		case <-e.ready:
			rooms = append(rooms, e.room)
		default:
			// Creation in flight during shutdown: nothing attached yet,
			// nothing dirty to flush.
		}
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.teardown(ctx)
		h.remove(room)
		room.closeClients()
	}
	h.log.Info("all rooms flushed", zap.Int("rooms", len(rooms)))
}

// Len reports the number of registered rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// RoomInfo is a point-in-time presence view of one room.
type RoomInfo struct {
	DocumentID  string   `json:"documentId"`
	Connections int      `json:"connections"`
	Agents      []string `json:"agents"`
}

// Rooms lists presence information for every live room.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	entries := make([]*roomEntry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	out := make([]RoomInfo, 0, len(entries))
	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		room := e.room
		if room.isClosed() {
			continue
		}
		out = append(out, RoomInfo{
			DocumentID:  room.id,
			Connections: room.ConnCount(),
			Agents:      room.Participants(),
		})
	}
	return out
}
