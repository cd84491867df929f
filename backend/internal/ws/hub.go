package ws

import (
	"sync"

	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/collab"
)

// Hub 本进程内的房间表，实现 collab.Gateway。
// 广播只往连接的发送队列里放，队列满就丢，不会阻塞提交流程。
type Hub struct {
	// 保护 rooms/users 两个索引；加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// userID -> set of connections，一个用户可以开多个标签页
	users map[string]map[*Conn]struct{}
}

var _ collab.Gateway = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Conn]struct{}),
		users: make(map[string]map[*Conn]struct{}),
	}
}

// Register 连接建立后登记到用户索引
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*Conn]struct{})
	}
	h.users[c.userID][c] = struct{}{}
}

// Unregister 连接关闭时从所有索引里摘掉
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
	for docID, conns := range h.rooms {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.rooms, docID)
			}
		}
	}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// RoomSize 房间内的连接数
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) roomConns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) broadcast(docID string, msg ServerMessage) {
	for _, c := range h.roomConns(docID) {
		c.Enqueue(msg)
	}
}

func (h *Hub) BroadcastChange(docID string, op collab.AppliedOp) {
	h.broadcast(docID, ServerMessage{Type: TypeOpBroadcast, DocID: docID, UserID: op.Op.UserID, Version: op.Version, Op: &op})
}

func (h *Hub) BroadcastPresence(docID string, state cache.PresenceState) {
	h.broadcast(docID, ServerMessage{Type: TypePresence, DocID: docID, UserID: state.UserID, Presence: &state})
}

func (h *Hub) BroadcastCursor(docID string, state cache.CursorState) {
	h.broadcast(docID, ServerMessage{Type: TypeCursor, DocID: docID, UserID: state.UserID, Cursor: &state})
}

// NotifySender 回执只发给提交者在该文档上的连接
func (h *Hub) NotifySender(userID string, ack collab.Ack) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		if c.DocID() == ack.DocID {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	msg := ServerMessage{Type: TypeOpApplied, DocID: ack.DocID, UserID: userID, Version: ack.Version, Ack: &ack}
	for _, c := range conns {
		c.Enqueue(msg)
	}
}
