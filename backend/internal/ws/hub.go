package ws

import "sync"

// Hub 记录本实例上的连接，按连接 id 投递已编码的消息。
// 房间成员关系在 session.Registry 里，Hub 只负责"找到连接"。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.client.ConnID] = c
	h.mu.Unlock()
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.client.ConnID]; ok && cur == c {
		delete(h.conns, c.client.ConnID)
	}
	h.mu.Unlock()
}

// Deliver 连接已不在本实例时直接丢弃。
func (h *Hub) Deliver(connID string, payload []byte) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(payload)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
