package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/access"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/store"
)

type stack struct {
	srv     *httptest.Server
	signer  *auth.Signer
	gateway *store.Gateway
	docs    *store.DocumentStore
	hub     *Hub
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "ws.db"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gateway := store.NewGateway(db, store.NewSnapshotStore(db), nil)
	docs := store.NewDocumentStore(db)
	hub := NewHub()
	engine := collab.NewEngine(collab.Options{
		Cache:    cache.NewDocumentCache(rdb, gateway, 100, nil, nil),
		Store:    gateway,
		Delivery: hub,
		Presence: cache.NewRedisPresence(rdb),
	})
	t.Cleanup(engine.Close)

	signer := auth.NewSigner("secret")
	checker := access.NewChecker(docs)
	manager := NewManager(hub, engine, checker, ManagerOptions{AllowedOrigins: []string{"http://localhost"}})

	r := gin.New()
	g := r.Group("/collab")
	g.Use(auth.Middleware(auth.NewJWTGate(signer)))
	g.GET("/ws", manager.WebSocketConnect)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, signer: signer, gateway: gateway, docs: docs, hub: hub}
}

func (s *stack) wsURL(t *testing.T, user, docID string) string {
	t.Helper()
	token, _, err := s.signer.SignAccessToken(user, user, time.Minute)
	require.NoError(t, err)
	q := url.Values{"docId": {docID}, "token": {token}}
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/collab/ws?" + q.Encode()
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (s *stack) dial(t *testing.T, user, docID string) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(t, user, docID), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, ws: conn}
}

func (c *client) send(msg any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(msg))
}

// expect 读到指定类型的消息为止，其他类型跳过
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var m map[string]any
		require.NoError(c.t, c.ws.ReadJSON(&m), "waiting for %s", typ)
		if m["type"] == typ {
			return m
		}
	}
}

func TestWS_ConcreteScenario(t *testing.T) {
	s := newStack(t)
	x := s.dial(t, "ux", "d1")
	y := s.dial(t, "uy", "d1")

	x.send(ClientMessage{Type: TypeJoinDocument, DocID: "d1"})
	doc := x.expect(collab.TypeDocument)
	assert.Equal(t, "", doc["content"])

	y.send(ClientMessage{Type: TypeJoinDocument, DocID: "d1"})
	y.expect(collab.TypeDocument)
	joined := x.expect(collab.TypeUserJoined)
	assert.Equal(t, "uy", joined["userId"])

	hello := "Hello"
	// 客户端声称的 userId 被忽略
	x.send(ClientMessage{Type: TypeDocChanges, DocID: "d1", UserID: "spoofed", Delta: json.RawMessage(`[{"insert":"Hello"}]`), Content: &hello})
	rc := y.expect(collab.TypeRemoteChanges)
	assert.Equal(t, "Hello", rc["content"])
	assert.Equal(t, "ux", rc["userId"])

	x.send(ClientMessage{Type: TypeSaveDocument, DocID: "d1"})
	for _, c := range []*client{x, y} {
		saved := c.expect(collab.TypeDocSaved)
		assert.Equal(t, "d1", saved["docId"])
		assert.EqualValues(t, 1, saved["version"])
	}
	body, err := s.gateway.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", body)
	// 首次保存把文档归属于保存者，其他用户不能再建立连接
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(t, "mallory", "d1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	x.send(ClientMessage{Type: TypePresence})
	presence := x.expect(collab.TypePresence)
	assert.Len(t, presence["members"], 2)

	require.NoError(t, y.ws.Close())
	left := x.expect(collab.TypeUserLeft)
	assert.Equal(t, "uy", left["userId"])
}

func TestWS_RejectsProtocolViolations(t *testing.T) {
	s := newStack(t)
	x := s.dial(t, "ux", "d1")

	x.send(ClientMessage{Type: TypeDocChanges})
	e := x.expect(collab.TypeError)
	assert.Contains(t, e["content"], "not joined")

	x.send(ClientMessage{Type: TypeJoinDocument, DocID: "other"})
	e = x.expect(collab.TypeError)
	assert.Contains(t, e["content"], "another document")

	x.send(ClientMessage{Type: TypeJoinDocument})
	x.expect(collab.TypeDocument)

	x.send(ClientMessage{Type: TypeJoinDocument, DocID: "d1"})
	e = x.expect(collab.TypeError)
	assert.Contains(t, e["content"], "already joined")

	x.send(ClientMessage{Type: "bogus"})
	x.expect(collab.TypeError)
}

func TestWS_HandshakeChecksAccess(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.docs.CreateDocument(context.Background(), &store.Document{ID: "private", Title: "p", OwnerID: "alice"}))

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(t, "mallory", "private"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.srv.URL, "http")+"/collab/ws?docId=private", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	owner := s.dial(t, "alice", "private")
	owner.send(ClientMessage{Type: TypeJoinDocument})
	owner.expect(collab.TypeDocument)
}

func TestWS_RejectsForeignOrigin(t *testing.T) {
	s := newStack(t)
	header := http.Header{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(t, "ux", "d1"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_DeliverToUnknownConnIsNoop(t *testing.T) {
	h := NewHub()
	h.Deliver("nobody", []byte(`{}`))
	assert.Equal(t, 0, h.Count())
}
