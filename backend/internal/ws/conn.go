package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

var errDocMismatch = errors.New("connection is bound to another document")

type Conn struct {
	ws     *websocket.Conn
	engine *collab.Engine
	client collab.Client
	// 握手时鉴权通过的文档，连接只能加入这个文档
	docID string

	// 出站队列，由 writeLoop 消费；满了就丢弃（下一次编辑的全文会让客户端自愈）
	send chan []byte
	done chan struct{}

	cursorLimiter *rate.Limiter
	log           *zap.Logger
	metrics       *metrics.Collab
}

func newConn(ws *websocket.Conn, engine *collab.Engine, client collab.Client, docID string, sendQueue int, cursorRPS float64, log *zap.Logger, m *metrics.Collab) *Conn {
	limit := rate.Inf
	burst := 1
	if cursorRPS > 0 {
		limit = rate.Limit(cursorRPS)
		burst = int(cursorRPS) + 1
	}
	return &Conn{
		ws:            ws,
		engine:        engine,
		client:        client,
		docID:         docID,
		send:          make(chan []byte, sendQueue),
		done:          make(chan struct{}),
		cursorLimiter: rate.NewLimiter(limit, burst),
		log:           log.With(zap.String("connId", client.ConnID), zap.String("userId", client.UserID)),
		metrics:       m,
	}
}

func (c *Conn) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		c.metrics.Dropped()
		c.log.Debug("send queue full, message dropped")
	}
}

func (c *Conn) reply(msg collab.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) replyError(content string) {
	c.reply(collab.ErrorMessage{Type: collab.TypeError, Content: content})
}

// readLoop 阻塞直到连接关闭。一个连接的消息按接收顺序处理。
func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read error", zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("BAD_MESSAGE")
			continue
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.replyError(err.Error())
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case TypeJoinDocument:
		docID, err := c.boundDoc(msg.DocID)
		if err != nil {
			return err
		}
		return c.engine.Join(ctx, c.client, docID)

	case TypeDocChanges:
		return c.engine.Edit(ctx, c.client, msg.Delta, msg.Content)

	case TypeCursorUpdate:
		// 光标只是提示信息，超频直接丢
		if !c.cursorLimiter.Allow() {
			return nil
		}
		return c.engine.Cursor(ctx, c.client, msg.Range, msg.Color)

	case TypeSaveDocument:
		docID, err := c.boundDoc(msg.DocID)
		if err != nil {
			return err
		}
		return c.engine.Save(ctx, c.client, docID)

	case TypeHeartbeat:
		return c.engine.Heartbeat(ctx, c.client)

	case TypePresence:
		return c.engine.Presence(ctx, c.client)

	default:
		return errors.New("unknown message type")
	}
}

func (c *Conn) boundDoc(docID string) (string, error) {
	if docID == "" {
		return c.docID, nil
	}
	if docID != c.docID {
		return "", errDocMismatch
	}
	return docID, nil
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
