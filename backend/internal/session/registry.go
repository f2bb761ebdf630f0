package session

import (
	"sort"
	"sync"
)

// Session 是一次连接与文档、用户的绑定，只存在于内存中。
type Session struct {
	ConnID string
	DocID  string
	UserID string
}

// Registry 记录 连接 -> 会话 与 文档 -> 连接集合（房间）。
// 房间在第一次 Join 时隐式创建，最后一个连接离开时删除；文档缓存的生命周期与房间无关。
type Registry struct {
	mu sync.RWMutex
	// connID -> session，一个连接同一时间只属于一个房间
	conns map[string]Session
	// docID -> set of connID
	// 房间里存连接而不是 userID：同一用户可以开多个标签页/设备，广播要逐连接发。
	rooms map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Session),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Join 将连接加入 docID 房间。重复加入同一房间按连接去重，返回 false。
// 连接若已在另一个房间，先从旧房间移除。
func (r *Registry) Join(connID, docID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[connID]; ok {
		if old.DocID == docID {
			return false
		}
		r.removeLocked(old)
	}
	if r.rooms[docID] == nil {
		r.rooms[docID] = make(map[string]struct{})
	}
	r.rooms[docID][connID] = struct{}{}
	r.conns[connID] = Session{ConnID: connID, DocID: docID, UserID: userID}
	return true
}

// Leave 将连接从所在房间移除，返回原会话和离开的房间。
// 对从未加入过的连接是空操作。
func (r *Registry) Leave(connID string) (Session, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.conns[connID]
	if !ok {
		return Session{}, nil
	}
	r.removeLocked(s)
	return s, []string{s.DocID}
}

func (r *Registry) removeLocked(s Session) {
	delete(r.conns, s.ConnID)
	if conns, ok := r.rooms[s.DocID]; ok {
		delete(conns, s.ConnID)
		if len(conns) == 0 {
			delete(r.rooms, s.DocID)
		}
	}
}

// Session 查询连接当前的会话。
func (r *Registry) Session(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[connID]
	return s, ok
}

// MembersOf 返回房间内连接的快照（已排序），调用方可以在不持锁的情况下遍历。
func (r *Registry) MembersOf(docID string) []string {
	r.mu.RLock()
	conns := r.rooms[docID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Rooms 返回当前有本地成员的文档。
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms))
	for docID := range r.rooms {
		out = append(out, docID)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
