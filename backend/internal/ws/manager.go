package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabsync/backend/internal/access"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/metrics"
)

type ManagerOptions struct {
	AllowedOrigins []string
	SendQueue      int
	CursorRPS      float64
	Log            *zap.Logger
	Metrics        *metrics.Collab
}

type Manager struct {
	hub      *Hub
	engine   *collab.Engine
	checker  *access.Checker
	upgrader websocket.Upgrader
	opt      ManagerOptions
	log      *zap.Logger
}

func NewManager(hub *Hub, engine *collab.Engine, checker *access.Checker, opt ManagerOptions) *Manager {
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	if opt.SendQueue <= 0 {
		opt.SendQueue = 64
	}
	m := &Manager{hub: hub, engine: engine, checker: checker, opt: opt, log: opt.Log}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

// checkOrigin 允许配置中的来源前缀；一些环境不发送 Origin，或为 "null"。
func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 处理 GET /collab/ws?docId=，需要挂在鉴权中间件之后。
// 握手前检查文档访问权限，连接此后只能加入该文档。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := strings.TrimSpace(c.Query("docId"))
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	me := auth.IdentityFrom(c)
	if me.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := m.checker.CanJoin(c.Request.Context(), docID, me.UserID); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		m.log.Error("access check failed", zap.String("docId", docID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.String("origin", c.GetHeader("Origin")), zap.Error(err))
		return
	}

	client := collab.Client{ConnID: uuid.NewString(), UserID: me.UserID, Username: me.Username}
	conn := newConn(wsConn, m.engine, client, docID, m.opt.SendQueue, m.opt.CursorRPS, m.log, m.opt.Metrics)
	m.hub.Register(conn)
	m.opt.Metrics.ConnOpened()

	// 先启动写循环，确保后续入队的消息能及时发出
	go conn.writeLoop()
	// 读循环阻塞至连接关闭
	conn.readLoop(c.Request.Context())

	m.engine.Disconnect(context.WithoutCancel(c.Request.Context()), client)
	m.hub.Unregister(conn)
	close(conn.done)
	_ = wsConn.Close()
	m.opt.Metrics.ConnClosed()
}
