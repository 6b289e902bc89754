package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collab/internal/auth"
	"collab/internal/metrics"
	"collab/internal/protocol"
	"collab/internal/session"
)

// Establishment-time close codes. 4xxx is the application-defined range.
const (
	CloseUnauthorized    = 4401
	CloseMissingDocument = 4400
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type Handlers struct {
	log *zap.Logger
	hub *session.Hub
}

func NewHandlers(log *zap.Logger, hub *session.Hub) *Handlers {
	return &Handlers{log: log, hub: hub}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// IssueTicket exchanges a platform access token for a short-lived websocket
// ticket, passed as ?ticket= when opening the collaboration socket.
func (h *Handlers) IssueTicket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.bearerClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ticket, err := auth.IssueTicket(claims.AgentID)
	if err != nil {
		h.log.Error("failed to issue ws ticket", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"ticket":    ticket,
		"expiresIn": int(auth.TicketTTL.Seconds()),
	})
}

// ListRooms reports the rooms currently live on this instance and who is in
// them.
func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	if _, err := h.bearerClaims(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"rooms": h.hub.Rooms()})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// CollabWS is the collaboration gateway: it authenticates the connection,
// resolves the document id from the path, attaches the connection to its
// room and then relays messages until the connection goes away.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	credential := r.URL.Query().Get("ticket")
	if credential == "" {
		if token, err := auth.ExtractTokenFromHeader(r.Header.Get("Authorization")); err == nil {
			credential = token
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	claims, err := auth.Verify(credential)
	if err != nil {
		metrics.ConnRejected("unauthorized")
		closeWith(conn, CloseUnauthorized, "unauthorized")
		return
	}
	if documentID == "" {
		metrics.ConnRejected("missing_document")
		closeWith(conn, CloseMissingDocument, "missing document id")
		return
	}

	client := session.NewClient(conn, claims.AgentID)
	room, err := h.attach(r, client, documentID)
	if err != nil {
		h.log.Error("failed to join room",
			zap.String("documentId", documentID), zap.Error(err))
		return
	}
	defer h.hub.Detach(room, client)

	log := h.log.With(
		zap.String("documentId", documentID),
		zap.String("agentId", claims.AgentID),
		zap.Uint32("clientId", client.ID),
	)
	log.Info("connection attached")
	defer log.Info("connection detached")

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(client, done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		switch {
		case msg.Type == protocol.MessageSync && msg.Step == protocol.SyncStep1:
			diff, err := room.Diff(msg.Payload)
			if err != nil {
				log.Warn("dropping malformed state summary", zap.Error(err))
				continue
			}
			client.Send(protocol.EncodeSync(protocol.SyncStep2, diff))
		case msg.Type == protocol.MessageSync:
			// Step 2 and standalone updates share the merge path.
			room.ApplyUpdate(client, msg.Payload)
		case msg.Type == protocol.MessageAwareness:
			room.ApplyAwareness(client, msg.Payload)
		}
	}
}

// attach joins the room for the document id, retrying when it catches a room
// mid-teardown (the registry hands out a fresh instance on the next call).
func (h *Handlers) attach(r *http.Request, client *session.Client, documentID string) (*session.Room, error) {
	for {
		room, err := h.hub.GetOrCreate(r.Context(), documentID)
		if err != nil {
			return nil, err
		}
		if err := room.Attach(client); err != nil {
			if errors.Is(err, session.ErrRoomClosed) {
				continue
			}
			return nil, err
		}
		return room, nil
	}
}

func (h *Handlers) keepalive(client *session.Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) bearerClaims(r *http.Request) (*auth.Claims, error) {
	token, err := auth.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return auth.Verify(token)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
