package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collab/internal/auth"
	"collab/internal/crdt"
	"collab/internal/protocol"
	"collab/internal/session"
	"collab/internal/store"
)

func setupGateway(t *testing.T) (*httptest.Server, *session.Hub, *store.RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	docStore := store.NewRedisStore(rdb)
	hub := session.NewHub(docStore, zap.NewNop(), 50*time.Millisecond)
	h := NewHandlers(zap.NewNop(), hub)

	srv := httptest.NewServer(testRouter(h))
	t.Cleanup(srv.Close)
	return srv, hub, docStore
}

// testRouter mirrors the production route table without the middleware
// stack.
func testRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/ws/ticket", h.IssueTicket)
	r.Get("/api/v1/rooms", h.ListRooms)
	r.Get("/ws/collab", h.CollabWS)
	r.Get("/ws/collab/{documentID}", h.CollabWS)
	return r
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err, "dial websocket")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "read frame")
	msg, err := protocol.Decode(data)
	require.NoError(t, err, "decode frame")
	return msg
}

func ticketFor(t *testing.T, agentID string) string {
	t.Helper()
	ticket, err := auth.IssueTicket(agentID)
	require.NoError(t, err)
	return ticket
}

func TestRejectsMissingCredential(t *testing.T) {
	srv, hub, _ := setupGateway(t)

	conn := dial(t, srv, "/ws/collab/doc-1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
	assert.Equal(t, 0, hub.Len(), "rejected connections must not create rooms")
}

func TestRejectsInvalidCredential(t *testing.T) {
	srv, _, _ := setupGateway(t)

	conn := dial(t, srv, "/ws/collab/doc-1?ticket=not-a-token")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
}

func TestRejectsMissingDocumentID(t *testing.T) {
	srv, hub, _ := setupGateway(t)

	conn := dial(t, srv, "/ws/collab?ticket="+url.QueryEscape(ticketFor(t, "agent-a")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseMissingDocument, closeErr.Code)
	assert.Equal(t, 0, hub.Len())
}

func TestTicketEndpoint(t *testing.T) {
	srv, _, _ := setupGateway(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/ws/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ticketFor(t, "agent-a"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expiresIn"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Ticket)
	assert.Equal(t, 60, body.ExpiresIn)

	// The issued ticket authenticates a websocket.
	conn := dial(t, srv, "/ws/collab/doc-1?ticket="+url.QueryEscape(body.Ticket))
	msg := readMessage(t, conn)
	assert.Equal(t, protocol.MessageSync, msg.Type)
	assert.Equal(t, protocol.SyncStep1, msg.Step)
}

func TestTicketEndpointRequiresAuth(t *testing.T) {
	srv, _, _ := setupGateway(t)
	resp, err := http.Post(srv.URL+"/api/v1/ws/ticket", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoomsEndpointListsPresence(t *testing.T) {
	srv, _, _ := setupGateway(t)

	conn := dial(t, srv, "/ws/collab/doc-presence?ticket="+url.QueryEscape(ticketFor(t, "agent-a")))
	_ = readMessage(t, conn) // handshake

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ticketFor(t, "agent-b"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Rooms []session.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "doc-presence", body.Rooms[0].DocumentID)
	assert.Equal(t, 1, body.Rooms[0].Connections)
	assert.Equal(t, []string{"agent-a"}, body.Rooms[0].Agents)
}

func TestTwoClientSyncAndAwarenessFlow(t *testing.T) {
	srv, hub, docStore := setupGateway(t)
	path := "/ws/collab/doc-flow?ticket="

	connA := dial(t, srv, path+url.QueryEscape(ticketFor(t, "agent-a")))
	msgA := readMessage(t, connA)
	require.Equal(t, protocol.SyncStep1, msgA.Step)

	// A edits before B arrives.
	u1 := crdt.EncodeUpdate(1, 1, []byte("insert 'hi' at 0"))
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncUpdate, u1)))

	// Round-trip a handshake on A's connection: per-connection FIFO means
	// the server has merged U1 once the reply arrives.
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncStep1, crdt.NewDoc().StateSummary())))
	ack := readMessage(t, connA)
	require.Equal(t, protocol.SyncStep2, ack.Step)

	connB := dial(t, srv, path+url.QueryEscape(ticketFor(t, "agent-b")))
	msgB := readMessage(t, connB)
	require.Equal(t, protocol.SyncStep1, msgB.Step)

	// B completes the handshake from scratch and receives U1 in step 2.
	empty := crdt.NewDoc()
	require.NoError(t, connB.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncStep1, empty.StateSummary())))
	step2 := readMessage(t, connB)
	require.Equal(t, protocol.SyncStep2, step2.Step)
	require.NoError(t, empty.Merge(step2.Payload))
	assert.Equal(t, 1, empty.Len(), "step 2 must carry A's update")

	// A's next edit is relayed to B live.
	u2 := crdt.EncodeUpdate(1, 2, []byte("insert '!' at 2"))
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncUpdate, u2)))
	relay := readMessage(t, connB)
	require.Equal(t, protocol.SyncUpdate, relay.Step)
	assert.Equal(t, u2, relay.Payload)

	// B's awareness reaches A and is never echoed to B.
	require.NoError(t, connB.WriteMessage(websocket.BinaryMessage, protocol.EncodeAwareness([]byte("cursor-b"))))
	aw := readMessage(t, connA)
	require.Equal(t, protocol.MessageAwareness, aw.Type)
	assert.Equal(t, []byte("cursor-b"), aw.Payload)

	require.NoError(t, connB.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := connB.ReadMessage()
	assert.Error(t, err, "B must not receive its own awareness back")

	// Last disconnect flushes the document and empties the registry.
	require.NoError(t, connA.Close())
	require.NoError(t, connB.Close())
	waitFor(t, 2*time.Second, func() bool { return hub.Len() == 0 })

	data, err := docStore.Load(context.Background(), "doc-flow")
	require.NoError(t, err, "teardown must persist the document")
	final := crdt.NewDoc()
	require.NoError(t, final.Merge(data))
	assert.Equal(t, 2, final.Len())
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	srv, _, _ := setupGateway(t)

	conn := dial(t, srv, "/ws/collab/doc-bad?ticket="+url.QueryEscape(ticketFor(t, "agent-a")))
	_ = readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x42, 0x42}))

	// Connection still works: a handshake round-trip succeeds.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncStep1, crdt.NewDoc().StateSummary())))
	msg := readMessage(t, conn)
	assert.Equal(t, protocol.SyncStep2, msg.Step)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
