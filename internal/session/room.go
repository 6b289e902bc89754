package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"collab/internal/crdt"
	"collab/internal/metrics"
	"collab/internal/protocol"
	"collab/internal/store"
)

// ErrRoomClosed is returned by Attach when the room has begun draining.
// Callers retry through the hub, which hands out a fresh room once teardown
// completes.
var ErrRoomClosed = errors.New("session: room closed")

const flushTimeout = 10 * time.Second

// Room coordinates live collaboration on one document: the authoritative
// replica, the attached connections, each connection's ephemeral awareness
// payload, and the debounced write-back of document state.
type Room struct {
	id            string
	store         store.Store
	log           *zap.Logger
	flushInterval time.Duration

	// flushMu serializes Save calls for this room. Always acquired before
	// mu, never while holding it. Without it a stalled timer-driven save
	// could complete after the teardown save and overwrite newer state.
	flushMu sync.Mutex

	mu        sync.Mutex
	clients   map[*Client]struct{}
	awareness map[*Client][]byte
	doc       *crdt.Doc
	dirty     bool
	rev       uint64 // bumped on every merge; guards dirty-clearing races
	timer     *time.Timer
	closed    bool

	done chan struct{} // closed once teardown and registry removal finish
}

func newRoom(id string, doc *crdt.Doc, st store.Store, log *zap.Logger, flushInterval time.Duration) *Room {
	return &Room{
		id:            id,
		store:         st,
		log:           log.With(zap.String("documentId", id)),
		flushInterval: flushInterval,
		clients:       make(map[*Client]struct{}),
		awareness:     make(map[*Client][]byte),
		doc:           doc,
		done:          make(chan struct{}),
	}
}

// DocumentID returns the id this room serves.
func (r *Room) DocumentID() string { return r.id }

// Attach registers the connection, sends it the sync handshake opener for
// the current document state, and replays the awareness payloads of everyone
// already present.
func (r *Room) Attach(c *Client) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.clients[c] = struct{}{}
	summary := r.doc.StateSummary()
	peers := make([][]byte, 0, len(r.awareness))
	for owner, payload := range r.awareness {
		if owner != c {
			peers = append(peers, payload)
		}
	}
	r.mu.Unlock()

	metrics.ConnOpened()
	c.Send(protocol.EncodeSync(protocol.SyncStep1, summary))
	for _, payload := range peers {
		c.Send(protocol.EncodeAwareness(payload))
	}
	return nil
}

// detach removes the connection and its awareness payload. It reports the
// remaining connection count and whether this call emptied the room, in
// which case the room is already marked closed and the caller must run
// teardown exactly once.
func (r *Room) detach(c *Client) (remaining int, drained bool) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		remaining = len(r.clients)
		r.mu.Unlock()
		return remaining, false
	}
	delete(r.clients, c)
	delete(r.awareness, c)
	remaining = len(r.clients)
	if remaining == 0 && !r.closed {
		r.closed = true
		drained = true
	}
	r.mu.Unlock()

	metrics.ConnClosed()
	return remaining, drained
}

// ApplyUpdate merges an incoming document update, marks the room dirty, arms
// the flush timer and relays the update verbatim to every other connection.
// Malformed updates are logged and dropped; the sender stays connected.
func (r *Room) ApplyUpdate(sender *Client, update []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if err := r.doc.Merge(update); err != nil {
		r.mu.Unlock()
		r.log.Warn("dropping malformed document update",
			zap.String("agentId", sender.AgentID), zap.Error(err))
		return
	}
	r.rev++
	r.markDirtyLocked()
	recipients := r.recipientsLocked(sender)
	r.mu.Unlock()

	metrics.UpdateMerged()
	frame := protocol.EncodeSync(protocol.SyncUpdate, update)
	for _, c := range recipients {
		c.Send(frame)
	}
}

// ApplyAwareness overwrites the sender's awareness payload and relays it
// verbatim to every other connection. Awareness is never persisted.
func (r *Room) ApplyAwareness(sender *Client, payload []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.awareness[sender] = payload
	recipients := r.recipientsLocked(sender)
	r.mu.Unlock()

	metrics.AwarenessRelayed()
	frame := protocol.EncodeAwareness(payload)
	for _, c := range recipients {
		c.Send(frame)
	}
}

// Diff answers a client-initiated sync step 1: the updates the holder of
// summary is missing.
func (r *Room) Diff(summary []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Diff(summary)
}

// Participants lists the agent ids currently attached.
func (r *Room) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := make([]string, 0, len(r.clients))
	for c := range r.clients {
		agents = append(agents, c.AgentID)
	}
	return agents
}

// ConnCount reports the number of attached connections.
func (r *Room) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// markDirtyLocked flags unflushed changes and arms the debounce timer if one
// is not already pending. Mutations inside an open window coalesce into the
// pending flush.
func (r *Room) markDirtyLocked() {
	r.dirty = true
	if r.timer == nil {
		r.timer = time.AfterFunc(r.flushInterval, r.flushTimerFired)
	}
}

func (r *Room) flushTimerFired() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	r.timer = nil
	if r.closed || !r.dirty {
		r.mu.Unlock()
		return
	}
	rev := r.rev
	data := r.doc.Serialize()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := r.store.Save(ctx, r.id, data)

	r.mu.Lock()
	if err != nil {
		// Dirty stays set: the next mutation re-arms the timer and teardown
		// still flushes, so nothing is lost unless the process dies first.
		metrics.FlushFailed()
		r.log.Error("failed to persist document", zap.Error(err))
	} else {
		metrics.FlushSucceeded()
		if r.rev == rev {
			r.dirty = false
		}
	}
	r.mu.Unlock()
}

// teardown cancels any pending flush and performs one synchronous save if
// the room still holds unflushed changes. Safe to call more than once. A
// failed save here is logged and not retried: the room is destroyed either
// way, so unflushed changes are dropped rather than holding the registry
// entry open.
func (r *Room) teardown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	// Wait out any in-flight timer save, then snapshot. Updates that arrived
	// while that save was stalled are included here instead of being
	// clobbered by it.
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	dirty := r.dirty
	var data []byte
	if dirty {
		data = r.doc.Serialize()
	}
	r.mu.Unlock()

	if !dirty {
		return
	}
	if err := r.store.Save(ctx, r.id, data); err != nil {
		metrics.FlushFailed()
		r.log.Error("failed to persist document on teardown, unflushed changes dropped",
			zap.Error(err))
		return
	}
	metrics.FlushSucceeded()
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
}

// closeClients disconnects every attached connection. Used on shutdown.
func (r *Room) closeClients() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (r *Room) recipientsLocked(sender *Client) []*Client {
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c == sender {
			continue
		}
		out = append(out, c)
	}
	return out
}
